package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"arbiter/internal/model"
)

// Repository defines the standard interface for database operations.
type Repository interface {
	SaveSession(ctx context.Context, s *model.Session) error
	ListSessions(ctx context.Context, limit int) ([]model.Session, error)
}

// PostgresRepository stores terminal sessions and their trades.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

// Connect opens a pool and verifies the connection.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("database: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	opportunity_id TEXT NOT NULL,
	kind VARCHAR(20) NOT NULL,
	status VARCHAR(20) NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ,
	target_profit NUMERIC(30, 12) NOT NULL,
	realized_profit NUMERIC(30, 12) NOT NULL,
	realized_profit_pct NUMERIC(20, 8) NOT NULL,
	errors TEXT[] NOT NULL DEFAULT '{}',
	rollback JSONB
);

CREATE TABLE IF NOT EXISTS session_trades (
	session_id TEXT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
	leg INT NOT NULL,
	venue VARCHAR(50) NOT NULL,
	symbol VARCHAR(30) NOT NULL,
	side VARCHAR(4) NOT NULL,
	order_id TEXT NOT NULL,
	requested_amount NUMERIC(30, 12) NOT NULL,
	filled_amount NUMERIC(30, 12) NOT NULL,
	fill_price NUMERIC(30, 12) NOT NULL,
	fee NUMERIC(30, 12) NOT NULL,
	executed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, leg)
);

CREATE INDEX IF NOT EXISTS sessions_started_at_idx ON sessions (started_at DESC);
`

// Migrate creates the tables when they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("database: migrate: %w", err)
	}
	return nil
}

// numeric renders v for a NUMERIC column without float formatting noise.
func numeric(v float64) string {
	return decimal.NewFromFloat(v).Round(12).String()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// SaveSession upserts the session and replaces its trades in one
// transaction.
func (r *PostgresRepository) SaveSession(ctx context.Context, s *model.Session) error {
	var rollback []byte
	if s.Rollback != nil {
		b, err := json.Marshal(s.Rollback)
		if err != nil {
			return fmt.Errorf("database: encode rollback: %w", err)
		}
		rollback = b
	}
	errs := s.Errors
	if errs == nil {
		errs = []string{}
	}

	err := pgx.BeginFunc(ctx, r.Pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, opportunity_id, kind, status, started_at, ended_at, target_profit, realized_profit, realized_profit_pct, errors, rollback)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				ended_at = EXCLUDED.ended_at,
				realized_profit = EXCLUDED.realized_profit,
				realized_profit_pct = EXCLUDED.realized_profit_pct,
				errors = EXCLUDED.errors,
				rollback = EXCLUDED.rollback`,
			s.ID, s.OpportunityID, string(s.Kind), string(s.Status), s.StartedAt, nullableTime(s.EndedAt),
			numeric(s.TargetProfit), numeric(s.RealizedProfit), numeric(s.RealizedProfitPct), errs, rollback,
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM session_trades WHERE session_id = $1`, s.ID); err != nil {
			return fmt.Errorf("clear trades: %w", err)
		}

		batch := &pgx.Batch{}
		for i, t := range s.Trades {
			batch.Queue(`
				INSERT INTO session_trades (session_id, leg, venue, symbol, side, order_id, requested_amount, filled_amount, fill_price, fee, executed_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				s.ID, i, t.Venue, t.Symbol, string(t.Side), t.OrderID,
				numeric(t.RequestedAmount), numeric(t.FilledAmount), numeric(t.FillPrice), numeric(t.Fee), t.ExecutedAt,
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert trades: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("database: save session %s: %w", s.ID, err)
	}
	return nil
}

// ListSessions returns the most recently started sessions with their trades.
func (r *PostgresRepository) ListSessions(ctx context.Context, limit int) ([]model.Session, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT id, opportunity_id, kind, status, started_at, ended_at,
			target_profit::float8, realized_profit::float8, realized_profit_pct::float8, errors, rollback
		FROM sessions
		ORDER BY started_at DESC, id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("database: list sessions: %w", err)
	}

	var sessions []model.Session
	for rows.Next() {
		var (
			s        model.Session
			kind     string
			status   string
			endedAt  *time.Time
			rollback []byte
		)
		if err := rows.Scan(&s.ID, &s.OpportunityID, &kind, &status, &s.StartedAt, &endedAt,
			&s.TargetProfit, &s.RealizedProfit, &s.RealizedProfitPct, &s.Errors, &rollback); err != nil {
			rows.Close()
			return nil, fmt.Errorf("database: scan session: %w", err)
		}
		s.Kind = model.OpportunityKind(kind)
		s.Status = model.SessionStatus(status)
		if endedAt != nil {
			s.EndedAt = *endedAt
		}
		if len(rollback) > 0 {
			s.Rollback = &model.RollbackReport{}
			if err := json.Unmarshal(rollback, s.Rollback); err != nil {
				rows.Close()
				return nil, fmt.Errorf("database: decode rollback: %w", err)
			}
		}
		sessions = append(sessions, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database: list sessions: %w", err)
	}

	for i := range sessions {
		trades, err := r.listTrades(ctx, sessions[i].ID)
		if err != nil {
			return nil, err
		}
		sessions[i].Trades = trades
	}
	return sessions, nil
}

func (r *PostgresRepository) listTrades(ctx context.Context, sessionID string) ([]model.TradeResult, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT venue, symbol, side, order_id, requested_amount::float8, filled_amount::float8, fill_price::float8, fee::float8, executed_at
		FROM session_trades
		WHERE session_id = $1
		ORDER BY leg`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("database: list trades: %w", err)
	}
	defer rows.Close()

	var trades []model.TradeResult
	for rows.Next() {
		var (
			t    model.TradeResult
			side string
		)
		if err := rows.Scan(&t.Venue, &t.Symbol, &side, &t.OrderID, &t.RequestedAmount, &t.FilledAmount, &t.FillPrice, &t.Fee, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("database: scan trade: %w", err)
		}
		t.Side = model.OrderSide(side)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Name identifies the repository as a backup sink.
func (r *PostgresRepository) Name() string { return "postgres" }

// Store saves a terminal session.
func (r *PostgresRepository) Store(ctx context.Context, s *model.Session) error {
	return r.SaveSession(ctx, s)
}
