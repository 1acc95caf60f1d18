package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"arbiter/internal/config"
	"arbiter/internal/exchange"
	"arbiter/internal/model"
)

var (
	ErrSessionInFlight     = errors.New("session already in flight")
	ErrConfirmationTimeout = errors.New("order confirmation timed out")
	ErrOrderRejected       = errors.New("order rejected by venue")
	ErrProfitBelowTarget   = errors.New("running profit below target")
)

// Orchestrator drives accepted opportunities through their legs. At most
// one session executes at a time.
type Orchestrator struct {
	cfg      config.ExecutionConfig
	gateways exchange.Registry
	rollback *RollbackCoordinator
	confirm  confirmer
	logger   *slog.Logger
	now      func() time.Time

	inFlight atomic.Bool
}

func NewOrchestrator(logger *slog.Logger, cfg config.ExecutionConfig, gateways exchange.Registry, rollback *RollbackCoordinator) *Orchestrator {
	logger = logger.With(slog.String("component", "orchestrator"))
	return &Orchestrator{
		cfg:      cfg,
		gateways: gateways,
		rollback: rollback,
		confirm:  confirmer{interval: cfg.PollInterval, attempts: cfg.PollAttempts, logger: logger},
		logger:   logger,
		now:      time.Now,
	}
}

// InFlight reports whether a session is currently executing.
func (o *Orchestrator) InFlight() bool {
	return o.inFlight.Load()
}

// Begin claims the in-flight slot and creates a pending session for opp.
// The slot stays claimed until Release, so a caller can finish its own
// post-session work before the next session may start.
func (o *Orchestrator) Begin(opp model.Opportunity) (*model.Session, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSessionInFlight
	}
	return model.NewSession(uuid.NewString(), opp, o.now()), nil
}

// Release frees the in-flight slot claimed by Begin.
func (o *Orchestrator) Release() {
	o.inFlight.Store(false)
}

// Execute runs opp to a terminal state. The returned error is
// ErrSessionInFlight when no session could be started, otherwise the cause
// of a failed session.
func (o *Orchestrator) Execute(ctx context.Context, opp model.Opportunity) (*model.Session, error) {
	s, err := o.Begin(opp)
	if err != nil {
		return nil, err
	}
	defer o.Release()
	return s, o.Run(ctx, s, opp)
}

// Run executes a session created by Begin. On failure the filled legs are
// compensated before Run returns. Run does not release the in-flight slot.
func (o *Orchestrator) Run(ctx context.Context, s *model.Session, opp model.Opportunity) error {
	log := o.logger.With(slog.String("session_id", s.ID), slog.String("opportunity_id", opp.ID))
	if err := s.Transition(model.SessionExecuting); err != nil {
		return err
	}
	log.Info("session executing", "legs", len(opp.Legs), "target_profit", s.TargetProfit)

	err := o.runLegs(ctx, s, opp, log)
	if err == nil {
		if err = s.Transition(model.SessionCompleted); err != nil {
			return err
		}
		s.EndedAt = o.now()
		log.Info("session completed", "realized_profit", s.RealizedProfit, "realized_profit_pct", s.RealizedProfitPct)
		return nil
	}

	s.Fail("%v", err)
	if terr := s.Transition(model.SessionFailed); terr != nil {
		return errors.Join(err, terr)
	}
	log.Error("session failed", "filled_legs", len(s.Trades), "error", err)
	if len(s.Trades) > 0 && o.rollback != nil {
		report := o.rollback.Compensate(ctx, s)
		log.Info("rollback finished", "attempted", report.Attempted, "succeeded", report.Succeeded, "failed", report.Failed)
	}
	s.EndedAt = o.now()
	return err
}

func (o *Orchestrator) runLegs(ctx context.Context, s *model.Session, opp model.Opportunity, log *slog.Logger) error {
	if len(opp.Legs) == 0 {
		return errors.New("opportunity has no legs")
	}
	threshold := s.TargetProfit * (1 - o.cfg.MaxSlippageTolerance)

	// value follows the entry capital through the actual fills; held is
	// what the last trade delivered and sizes the next order
	var startCost, value, held float64
	for i, leg := range opp.Legs {
		gw, err := o.gateways.Get(leg.Venue)
		if err != nil {
			return fmt.Errorf("leg %d: %w", i+1, err)
		}

		amount := leg.Amount
		if i > 0 {
			amount = legAmount(leg, held)
		}
		trade, err := o.executeLeg(ctx, gw, s.ID, i, leg, amount)
		if err != nil {
			return fmt.Errorf("leg %d (%s %s on %s): %w", i+1, leg.Side, leg.Symbol, leg.Venue, err)
		}
		s.AddTrade(trade)

		if i == 0 {
			startCost = spent(trade)
			value = startCost
		}
		value *= fillRate(trade)
		held = received(trade)

		s.RunningProfit = o.project(opp.Legs[i+1:], value) - startCost
		log.Debug("leg filled", "leg", i+1, "fill_price", trade.FillPrice, "filled", trade.FilledAmount, "running_profit", s.RunningProfit)

		if s.RunningProfit < threshold {
			return fmt.Errorf("%w: after leg %d running profit %.8f, threshold %.8f", ErrProfitBelowTarget, i+1, s.RunningProfit, threshold)
		}
	}

	s.RealizedProfit = value - startCost
	if startCost > 0 {
		s.RealizedProfitPct = s.RealizedProfit / startCost * 100
	}
	return nil
}

func (o *Orchestrator) executeLeg(ctx context.Context, gw exchange.Gateway, sessionID string, index int, leg model.Leg, amount float64) (model.TradeResult, error) {
	req := model.OrderRequest{
		ClientID: clientOrderID("arb", sessionID, index),
		Symbol:   leg.Symbol,
		Side:     leg.Side,
		Type:     model.Market,
		Amount:   amount,
	}
	if leg.Price > 0 {
		req.Type = model.Limit
		req.Price = leg.Price
	}

	orderID, err := gw.PlaceOrder(ctx, req)
	if err != nil {
		return model.TradeResult{}, fmt.Errorf("place order: %w", err)
	}

	status, err := o.confirm.confirm(ctx, gw, orderID)
	if err != nil {
		if errors.Is(err, ErrConfirmationTimeout) {
			if cerr := gw.CancelOrder(ctx, orderID); cerr != nil {
				o.logger.Warn("cancel after timeout failed", "venue", gw.Name(), "order_id", orderID, "error", cerr)
			}
		}
		return model.TradeResult{}, err
	}

	fillPrice := status.FillPrice
	if fillPrice <= 0 {
		fillPrice = leg.Price
	}
	if fillPrice <= 0 || status.Filled <= 0 {
		return model.TradeResult{}, fmt.Errorf("order %s closed without a usable fill", orderID)
	}
	return model.TradeResult{
		Venue:           gw.Name(),
		Symbol:          leg.Symbol,
		Side:            leg.Side,
		OrderID:         orderID,
		RequestedAmount: amount,
		FilledAmount:    status.Filled,
		FillPrice:       fillPrice,
		Fee:             status.Fee,
		ExecutedAt:      o.now(),
	}, nil
}

// project values the remaining legs at their planned prices and venue fees.
func (o *Orchestrator) project(legs []model.Leg, value float64) float64 {
	for _, leg := range legs {
		fee := 0.0
		if gw, err := o.gateways.Get(leg.Venue); err == nil {
			fee = gw.TradingFee()
		}
		switch {
		case leg.Price <= 0:
		case leg.Side == model.Sell:
			value = value * leg.Price * (1 - fee)
		default:
			value = value / leg.Price * (1 - fee)
		}
	}
	return value
}

// legAmount converts the holdings of leg.From into the base amount to order.
func legAmount(leg model.Leg, held float64) float64 {
	if leg.Side == model.Sell {
		return held
	}
	if leg.Price <= 0 {
		return leg.Amount
	}
	return held / leg.Price
}

// spent is the amount of the source asset a trade consumed. Fees are
// reported in quote and charged on the received asset.
func spent(t model.TradeResult) float64 {
	if t.Side == model.Buy {
		return t.Notional()
	}
	return t.FilledAmount
}

// fillRate is the conversion a trade achieved from its source asset into its
// target asset, net of fees.
func fillRate(t model.TradeResult) float64 {
	feeFraction := 0.0
	if n := t.Notional(); n > 0 {
		feeFraction = t.Fee / n
	}
	if t.Side == model.Buy {
		return (1 - feeFraction) / t.FillPrice
	}
	return t.FillPrice * (1 - feeFraction)
}

// received is the amount of the target asset a trade delivered, net of fees.
func received(t model.TradeResult) float64 {
	if t.Side == model.Buy {
		return t.FilledAmount - t.Fee/t.FillPrice
	}
	return t.Notional() - t.Fee
}

// clientOrderID fits Binance's 36 character limit.
func clientOrderID(prefix, sessionID string, index int) string {
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return fmt.Sprintf("%s-%s-%d", prefix, sessionID, index)
}
