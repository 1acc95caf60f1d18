package arbitrage

import (
	"context"
	"fmt"
	"log/slog"

	"arbiter/internal/config"
	"arbiter/internal/exchange"
	"arbiter/internal/model"
)

// RollbackCoordinator undoes the filled legs of a failed session with
// opposite-side market orders, newest trade first. It is best-effort:
// failures are recorded on the session and never returned.
type RollbackCoordinator struct {
	gateways exchange.Registry
	confirm  confirmer
	logger   *slog.Logger
}

func NewRollbackCoordinator(logger *slog.Logger, cfg config.ExecutionConfig, gateways exchange.Registry) *RollbackCoordinator {
	logger = logger.With(slog.String("component", "rollback"))
	return &RollbackCoordinator{
		gateways: gateways,
		confirm:  confirmer{interval: cfg.PollInterval, attempts: cfg.PollAttempts, logger: logger},
		logger:   logger,
	}
}

// Compensate issues one compensating order per trade of s and stores the
// outcome in s.Rollback.
func (r *RollbackCoordinator) Compensate(ctx context.Context, s *model.Session) *model.RollbackReport {
	report := &model.RollbackReport{}
	for i := len(s.Trades) - 1; i >= 0; i-- {
		t := s.Trades[i]
		comp := model.Compensation{
			Venue:  t.Venue,
			Symbol: t.Symbol,
			Side:   t.Side.Opposite(),
			Amount: t.FilledAmount,
		}
		report.Attempted++

		orderID, err := r.compensate(ctx, s.ID, i, comp)
		comp.OrderID = orderID
		if err != nil {
			comp.Error = err.Error()
			report.Failed++
			s.Fail("rollback of trade %d (%s %s on %s): %v", i+1, t.Side, t.Symbol, t.Venue, err)
			r.logger.Error("compensation failed", "session_id", s.ID, "venue", t.Venue, "symbol", t.Symbol, "side", comp.Side, "amount", comp.Amount, "error", err)
		} else {
			comp.Success = true
			report.Succeeded++
			r.logger.Info("compensation filled", "session_id", s.ID, "venue", t.Venue, "symbol", t.Symbol, "side", comp.Side, "amount", comp.Amount)
		}
		report.Compensations = append(report.Compensations, comp)
	}
	s.Rollback = report
	return report
}

func (r *RollbackCoordinator) compensate(ctx context.Context, sessionID string, index int, comp model.Compensation) (string, error) {
	gw, err := r.gateways.Get(comp.Venue)
	if err != nil {
		return "", err
	}
	orderID, err := gw.PlaceOrder(ctx, model.OrderRequest{
		ClientID: clientOrderID("rb", sessionID, index),
		Symbol:   comp.Symbol,
		Side:     comp.Side,
		Type:     model.Market,
		Amount:   comp.Amount,
	})
	if err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}
	if _, err := r.confirm.confirm(ctx, gw, orderID); err != nil {
		return orderID, err
	}
	return orderID, nil
}
