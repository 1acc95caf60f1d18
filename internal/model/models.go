package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PricePoint represents one venue's quote for one symbol at a point in time.
type PricePoint struct {
	Venue     string
	Symbol    string
	Price     float64
	Bid       float64
	Ask       float64
	Volume    float64
	Timestamp time.Time
}

// BestBid returns the bid, falling back to the quoted price when no bid is known.
func (p PricePoint) BestBid() float64 {
	if p.Bid > 0 {
		return p.Bid
	}
	return p.Price
}

// BestAsk returns the ask, falling back to the quoted price when no ask is known.
func (p PricePoint) BestAsk() float64 {
	if p.Ask > 0 {
		return p.Ask
	}
	return p.Price
}

// SplitSymbol splits a BASE/QUOTE symbol into its assets.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	base, quote, found := strings.Cut(symbol, "/")
	if !found || base == "" || quote == "" || strings.Contains(quote, "/") {
		return "", "", false
	}
	return base, quote, true
}

type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// Opposite returns the side that undoes s.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderType string

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
)

type OpportunityKind string

const (
	Simple     OpportunityKind = "simple"
	Triangular OpportunityKind = "triangular"
)

// Leg is one planned order of an opportunity. Amount is expressed in units of
// the symbol's base asset.
type Leg struct {
	Venue  string
	Symbol string
	Side   OrderSide
	From   string
	To     string
	Price  float64
	Amount float64
}

// Opportunity is a detected profitable cycle.
type Opportunity struct {
	ID               string
	Kind             OpportunityKind
	Path             []string
	Venues           []string
	Legs             []Leg
	ExpectedProfit   float64
	ProfitPercentage float64
	MinCapital       float64
	DiscoveredAt     time.Time
}

// EntryAsset is the asset spent by the first leg.
func (o Opportunity) EntryAsset() string {
	if len(o.Legs) == 0 {
		return ""
	}
	return o.Legs[0].From
}

// EntryVenue is the venue of the first leg.
func (o Opportunity) EntryVenue() string {
	if len(o.Venues) == 0 {
		return ""
	}
	return o.Venues[0]
}

type RiskClass string

const (
	RiskLow    RiskClass = "low"
	RiskMedium RiskClass = "medium"
	RiskHigh   RiskClass = "high"
)

// RiskAssessment is the gating decision for one opportunity.
type RiskAssessment struct {
	OpportunityID  string
	LiquidityRatio float64
	Volatility     float64
	Slippage       float64
	RiskClass      RiskClass
	Accepted       bool
	Reason         string
}

type PriceLevel struct {
	Price  float64
	Volume float64
}

type OrderBook struct {
	Venue  string
	Symbol string
	Bids   []PriceLevel
	Asks   []PriceLevel
}

// OrderRequest describes an order to place on a venue.
type OrderRequest struct {
	ClientID string
	Symbol   string
	Side     OrderSide
	Type     OrderType
	Amount   float64
	Price    float64
}

type OrderState string

const (
	OrderOpen     OrderState = "open"
	OrderClosed   OrderState = "closed"
	OrderCanceled OrderState = "canceled"
	OrderRejected OrderState = "rejected"
)

// OrderStatus is a venue's view of a placed order.
type OrderStatus struct {
	ID        string
	State     OrderState
	Filled    float64
	Remaining float64
	FillPrice float64
	Fee       float64
}

// Done reports whether the order reached a terminal state.
func (s OrderStatus) Done() bool {
	return s.State == OrderClosed || s.State == OrderCanceled || s.State == OrderRejected
}

// TradeResult is the outcome of one confirmed order.
type TradeResult struct {
	Venue           string    `json:"venue"`
	Symbol          string    `json:"symbol"`
	Side            OrderSide `json:"side"`
	OrderID         string    `json:"order_id"`
	RequestedAmount float64   `json:"requested_amount"`
	FilledAmount    float64   `json:"filled_amount"`
	FillPrice       float64   `json:"fill_price"`
	Fee             float64   `json:"fee"`
	ExecutedAt      time.Time `json:"executed_at"`
}

// Notional is the quote value of the fill.
func (t TradeResult) Notional() float64 {
	return t.FilledAmount * t.FillPrice
}

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionExecuting SessionStatus = "executing"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

var ErrIllegalTransition = errors.New("illegal session transition")

// Compensation is one rollback order issued for a filled trade.
type Compensation struct {
	Venue   string    `json:"venue"`
	Symbol  string    `json:"symbol"`
	Side    OrderSide `json:"side"`
	Amount  float64   `json:"amount"`
	OrderID string    `json:"order_id,omitempty"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

// RollbackReport summarizes the compensations of a failed session.
type RollbackReport struct {
	Attempted     int            `json:"attempted"`
	Succeeded     int            `json:"succeeded"`
	Failed        int            `json:"failed"`
	Compensations []Compensation `json:"compensations"`
}

// Session is one execution attempt of an accepted opportunity.
type Session struct {
	ID                string          `json:"id"`
	OpportunityID     string          `json:"opportunity_id"`
	Kind              OpportunityKind `json:"kind"`
	StartedAt         time.Time       `json:"started_at"`
	EndedAt           time.Time       `json:"ended_at"`
	Status            SessionStatus   `json:"status"`
	Trades            []TradeResult   `json:"trades"`
	TargetProfit      float64         `json:"target_profit"`
	RunningProfit     float64         `json:"running_profit"`
	RealizedProfit    float64         `json:"realized_profit"`
	RealizedProfitPct float64         `json:"realized_profit_pct"`
	Errors            []string        `json:"errors"`
	Rollback          *RollbackReport `json:"rollback,omitempty"`
}

// NewSession creates a pending session for opp.
func NewSession(id string, opp Opportunity, now time.Time) *Session {
	return &Session{
		ID:            id,
		OpportunityID: opp.ID,
		Kind:          opp.Kind,
		StartedAt:     now,
		Status:        SessionPending,
		TargetProfit:  opp.ExpectedProfit,
	}
}

// Transition moves the session to next. Only Pending->Executing and
// Executing->{Completed,Failed} are legal.
func (s *Session) Transition(next SessionStatus) error {
	switch {
	case s.Status == SessionPending && next == SessionExecuting:
	case s.Status == SessionExecuting && next.Terminal():
	default:
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Status, next)
	}
	s.Status = next
	return nil
}

// AddTrade appends a confirmed trade.
func (s *Session) AddTrade(t TradeResult) {
	s.Trades = append(s.Trades, t)
}

// Fail records an error message.
func (s *Session) Fail(format string, args ...any) {
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Rank orders severities for filtering.
func (s Severity) Rank() int {
	switch s {
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}
