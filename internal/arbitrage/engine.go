package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"arbiter/internal/config"
	"arbiter/internal/model"
)

const sessionLockKey = "arbiter:session"

// PriceFeed supplies the price snapshot scanned on every tick.
type PriceFeed interface {
	PriceSnapshot(ctx context.Context) ([]model.PricePoint, error)
}

// AlertSink delivers user-facing notifications. Implementations must not
// block the caller on delivery.
type AlertSink interface {
	Notify(ctx context.Context, severity model.Severity, message string, fields map[string]string)
}

// BackupSink persists terminal sessions asynchronously.
type BackupSink interface {
	PersistSessionOutcome(ctx context.Context, s *model.Session)
}

// Locker guards sessions across processes sharing the same balances.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}

// Metrics records engine activity.
type Metrics interface {
	RecordScan(duration time.Duration, detected int)
	RecordAssessment(kind model.OpportunityKind, ra model.RiskAssessment)
	RecordSession(s *model.Session)
	RecordSkippedTick()
}

type nopMetrics struct{}

func (nopMetrics) RecordScan(time.Duration, int) {}
func (nopMetrics) RecordAssessment(model.OpportunityKind, model.RiskAssessment) {}
func (nopMetrics) RecordSession(*model.Session) {}
func (nopMetrics) RecordSkippedTick() {}

// Engine is the scan loop. On every tick it detects opportunities, validates
// them in rank order and hands the first accepted one to the orchestrator.
type Engine struct {
	logger       *slog.Logger
	cfg          config.EngineConfig
	feed         PriceFeed
	detector     *Detector
	validator    *RiskValidator
	orchestrator *Orchestrator

	alerts  AlertSink
	backup  BackupSink
	locker  Locker
	lockTTL time.Duration
	metrics Metrics

	wg sync.WaitGroup
}

type Option func(*Engine)

func WithAlerts(a AlertSink) Option {
	return func(e *Engine) { e.alerts = a }
}

func WithBackup(b BackupSink) Option {
	return func(e *Engine) { e.backup = b }
}

// WithLocker takes a distributed lock around every session.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(e *Engine) {
		e.locker = l
		e.lockTTL = ttl
	}
}

func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a new scan loop.
func NewEngine(logger *slog.Logger, cfg config.EngineConfig, feed PriceFeed, detector *Detector, validator *RiskValidator, orchestrator *Orchestrator, opts ...Option) *Engine {
	e := &Engine{
		logger:       logger.With(slog.String("component", "engine")),
		cfg:          cfg,
		feed:         feed,
		detector:     detector,
		validator:    validator,
		orchestrator: orchestrator,
		metrics:      nopMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run scans every ScanInterval until ctx is done, then waits up to
// ShutdownTimeout for an in-flight session to finish.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	e.logger.Info("scan loop started", "interval", e.cfg.ScanInterval, "execute", e.cfg.Execute)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("scan loop stopping")
			return e.shutdown()
		case <-ticker.C:
			e.Scan(ctx)
		}
	}
}

func (e *Engine) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Wait(ctx); err != nil {
		e.logger.Warn("in-flight session did not finish before shutdown; venue orders may be left unmanaged", "timeout", e.cfg.ShutdownTimeout)
		return fmt.Errorf("engine: shutdown: %w", err)
	}
	e.logger.Info("scan loop stopped")
	return nil
}

// Wait blocks until the in-flight session, if any, is terminal and reported.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scan runs one tick. It does nothing while a session is executing.
func (e *Engine) Scan(ctx context.Context) {
	if e.orchestrator.InFlight() {
		e.metrics.RecordSkippedTick()
		e.logger.Debug("session in flight, skipping tick")
		return
	}

	start := time.Now()
	snapshot, err := e.feed.PriceSnapshot(ctx)
	if err != nil {
		e.logger.Warn("failed to read price snapshot", "error", err)
		return
	}
	opps := e.detector.Detect(snapshot)
	e.metrics.RecordScan(time.Since(start), len(opps))
	if len(opps) == 0 {
		return
	}

	if !e.cfg.Execute {
		for _, opp := range opps {
			e.logger.Info("opportunity detected",
				"opportunity_id", opp.ID,
				"kind", opp.Kind,
				"profit_pct", opp.ProfitPercentage,
				"expected_profit", opp.ExpectedProfit,
			)
		}
		return
	}

	for _, opp := range opps {
		ra := e.validator.Assess(ctx, opp)
		e.metrics.RecordAssessment(opp.Kind, ra)
		if !ra.Accepted {
			e.logger.Debug("opportunity rejected", "opportunity_id", opp.ID, "reason", ra.Reason)
			continue
		}
		e.launch(ctx, opp)
		return
	}
}

func (e *Engine) launch(ctx context.Context, opp model.Opportunity) {
	var token string
	if e.locker != nil {
		t, err := e.locker.Acquire(ctx, sessionLockKey, e.lockTTL)
		if err != nil {
			e.logger.Warn("session lock unavailable", "opportunity_id", opp.ID, "error", err)
			return
		}
		token = t
	}

	s, err := e.orchestrator.Begin(opp)
	if err != nil {
		e.logger.Warn("could not start session", "opportunity_id", opp.ID, "error", err)
		e.unlock(ctx, token)
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// the session must reach a terminal state even when the loop stops
		runCtx := context.WithoutCancel(ctx)
		// the next session may start only after this one is unlocked and reported
		defer e.orchestrator.Release()
		err := e.orchestrator.Run(runCtx, s, opp)
		e.unlock(runCtx, token)
		e.report(runCtx, s, err)
	}()
}

func (e *Engine) unlock(ctx context.Context, token string) {
	if e.locker == nil || token == "" {
		return
	}
	if err := e.locker.Release(ctx, sessionLockKey, token); err != nil {
		e.logger.Warn("failed to release session lock", "error", err)
	}
}

// report surfaces a terminal session exactly once.
func (e *Engine) report(ctx context.Context, s *model.Session, err error) {
	e.metrics.RecordSession(s)

	if e.alerts != nil {
		severity, message := model.SeverityInfo, "arbitrage session completed"
		fields := map[string]string{
			"session_id":     s.ID,
			"opportunity_id": s.OpportunityID,
			"status":         string(s.Status),
			"trades":         fmt.Sprint(len(s.Trades)),
		}
		if s.Status == model.SessionCompleted {
			fields["realized_profit"] = fmt.Sprintf("%.8f", s.RealizedProfit)
			fields["realized_profit_pct"] = fmt.Sprintf("%.4f", s.RealizedProfitPct)
		} else {
			severity, message = model.SeverityError, "arbitrage session failed"
			if err != nil {
				fields["error"] = err.Error()
			}
			if s.Rollback != nil {
				fields["rollback"] = fmt.Sprintf("%d/%d compensated", s.Rollback.Succeeded, s.Rollback.Attempted)
			}
		}
		e.alerts.Notify(ctx, severity, message, fields)
	}

	if e.backup != nil {
		e.backup.PersistSessionOutcome(ctx, s)
	}
}
