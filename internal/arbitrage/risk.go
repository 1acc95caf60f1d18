package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"arbiter/internal/config"
	"arbiter/internal/exchange"
	"arbiter/internal/model"
)

// RiskValidator gates opportunities on balance, order book depth and spread.
// It only issues read-only venue queries.
type RiskValidator struct {
	cfg      config.RiskConfig
	gateways exchange.Registry
	logger   *slog.Logger
}

func NewRiskValidator(logger *slog.Logger, cfg config.RiskConfig, gateways exchange.Registry) *RiskValidator {
	return &RiskValidator{
		cfg:      cfg,
		gateways: gateways,
		logger:   logger.With(slog.String("component", "risk_validator")),
	}
}

type legRisk struct {
	liquidity float64
	spread    float64
	slippage  float64
}

// Assess evaluates opp. Query failures produce a rejected assessment rather
// than an error.
func (v *RiskValidator) Assess(ctx context.Context, opp model.Opportunity) model.RiskAssessment {
	ra := model.RiskAssessment{OpportunityID: opp.ID, LiquidityRatio: math.Inf(1)}
	if len(opp.Legs) == 0 {
		return reject(ra, "opportunity has no legs")
	}

	for _, leg := range opp.Legs {
		lr, err := v.assessLeg(ctx, leg)
		if err != nil {
			return reject(ra, err.Error())
		}
		ra.LiquidityRatio = math.Min(ra.LiquidityRatio, lr.liquidity)
		ra.Volatility = math.Max(ra.Volatility, lr.spread)
		ra.Slippage = math.Max(ra.Slippage, lr.slippage)
	}
	ra.RiskClass = v.classify(ra.Volatility, ra.Slippage)

	if ra.LiquidityRatio < v.cfg.LiquidityRatio {
		return reject(ra, fmt.Sprintf("insufficient liquidity: ratio %.2f below %.2f", ra.LiquidityRatio, v.cfg.LiquidityRatio))
	}

	gw, err := v.gateways.Get(opp.EntryVenue())
	if err != nil {
		return reject(ra, err.Error())
	}
	balance, err := gw.FetchBalance(ctx, opp.EntryAsset())
	if err != nil {
		return reject(ra, fmt.Sprintf("fetch balance %s on %s: %v", opp.EntryAsset(), gw.Name(), err))
	}
	if balance < opp.MinCapital {
		return reject(ra, fmt.Sprintf("insufficient balance: %.8f %s on %s, need %.8f", balance, opp.EntryAsset(), gw.Name(), opp.MinCapital))
	}

	if ra.RiskClass == model.RiskHigh {
		return reject(ra, fmt.Sprintf("risk class high: volatility %.5f slippage %.5f", ra.Volatility, ra.Slippage))
	}

	ra.Accepted = true
	v.logger.Debug("opportunity accepted", "opportunity_id", opp.ID, "risk_class", ra.RiskClass, "liquidity_ratio", ra.LiquidityRatio)
	return ra
}

func reject(ra model.RiskAssessment, reason string) model.RiskAssessment {
	ra.Accepted = false
	ra.Reason = reason
	if math.IsInf(ra.LiquidityRatio, 1) {
		ra.LiquidityRatio = 0
	}
	return ra
}

func (v *RiskValidator) assessLeg(ctx context.Context, leg model.Leg) (legRisk, error) {
	gw, err := v.gateways.Get(leg.Venue)
	if err != nil {
		return legRisk{}, err
	}
	ob, err := gw.FetchOrderBook(ctx, leg.Symbol, v.cfg.DepthLevels)
	if err != nil {
		return legRisk{}, fmt.Errorf("fetch order book %s on %s: %w", leg.Symbol, leg.Venue, err)
	}
	if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return legRisk{}, fmt.Errorf("empty order book %s on %s", leg.Symbol, leg.Venue)
	}

	bidVol := sumVolume(ob.Bids, v.cfg.DepthLevels)
	askVol := sumVolume(ob.Asks, v.cfg.DepthLevels)
	available := math.Min(bidVol, askVol)
	bestBid, bestAsk := ob.Bids[0].Price, ob.Asks[0].Price
	if bestBid <= 0 || available <= 0 {
		return legRisk{}, fmt.Errorf("no usable depth for %s on %s", leg.Symbol, leg.Venue)
	}

	spread := math.Max(0, (bestAsk-bestBid)/bestBid)
	required := leg.Amount
	if required <= 0 {
		return legRisk{}, fmt.Errorf("non-positive leg amount for %s on %s", leg.Symbol, leg.Venue)
	}

	return legRisk{
		liquidity: available / required,
		spread:    spread,
		slippage:  math.Min(v.cfg.MaxSlippage, spread/2+v.cfg.ImpactFactor*required/available),
	}, nil
}

func sumVolume(levels []model.PriceLevel, depth int) float64 {
	var total float64
	for i, l := range levels {
		if depth > 0 && i >= depth {
			break
		}
		total += l.Volume
	}
	return total
}

func (v *RiskValidator) classify(volatility, slippage float64) model.RiskClass {
	switch {
	case volatility > v.cfg.HighVolatility || slippage > v.cfg.HighSlippage:
		return model.RiskHigh
	case volatility < v.cfg.LowVolatility && slippage < v.cfg.LowSlippage:
		return model.RiskLow
	default:
		return model.RiskMedium
	}
}
