package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"arbiter/internal/model"
)

const (
	paperLevels    = 5
	paperLevelStep = 0.0005

	// notional per level when a quote carries no volume
	paperLevelNotional = 10_000.0
)

// PaperGateway simulates a venue in memory. Prices come from a PriceBook and
// marketable orders fill immediately at the quoted bid or ask. Fees are
// taken from the received asset.
type PaperGateway struct {
	name   string
	fee    float64
	book   *PriceBook
	logger *slog.Logger

	mu       sync.Mutex
	balances map[string]float64
	orders   map[string]model.OrderStatus
}

// NewPaperGateway creates a simulated venue with the given starting balances.
func NewPaperGateway(name string, fee float64, book *PriceBook, balances map[string]float64, logger *slog.Logger) *PaperGateway {
	b := make(map[string]float64, len(balances))
	for k, v := range balances {
		b[k] = v
	}
	return &PaperGateway{
		name:     name,
		fee:      fee,
		book:     book,
		logger:   logger.With(slog.String("component", "paper_gateway"), slog.String("venue", name)),
		balances: b,
		orders:   make(map[string]model.OrderStatus),
	}
}

func (p *PaperGateway) Name() string {
	return p.name
}

func (p *PaperGateway) TradingFee() float64 {
	return p.fee
}

func (p *PaperGateway) quote(symbol string) (model.PricePoint, error) {
	q, ok := p.book.Latest(p.name, symbol)
	if !ok || q.BestBid() <= 0 || q.BestAsk() <= 0 {
		return model.PricePoint{}, fmt.Errorf("paper %s: %w for %s", p.name, ErrNoPrice, symbol)
	}
	return q, nil
}

// FetchOrderBook synthesizes a few levels around the latest quote.
func (p *PaperGateway) FetchOrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error) {
	q, err := p.quote(symbol)
	if err != nil {
		return model.OrderBook{}, err
	}
	levels := paperLevels
	if depth > 0 && depth < levels {
		levels = depth
	}
	ob := model.OrderBook{Venue: p.name, Symbol: symbol}
	for i := 0; i < levels; i++ {
		step := 1 + paperLevelStep*float64(i)
		bid := q.BestBid() / step
		ask := q.BestAsk() * step
		ob.Bids = append(ob.Bids, model.PriceLevel{Price: bid, Volume: levelVolume(q, bid)})
		ob.Asks = append(ob.Asks, model.PriceLevel{Price: ask, Volume: levelVolume(q, ask)})
	}
	return ob, nil
}

func levelVolume(q model.PricePoint, price float64) float64 {
	if q.Volume > 0 {
		return q.Volume / paperLevels
	}
	return paperLevelNotional / price
}

func (p *PaperGateway) FetchBalance(ctx context.Context, asset string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[asset], nil
}

// PlaceOrder fills marketable orders immediately; a limit order priced
// through the book stays open until cancelled.
func (p *PaperGateway) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	base, quote, ok := model.SplitSymbol(req.Symbol)
	if !ok {
		return "", fmt.Errorf("paper %s: invalid symbol %q", p.name, req.Symbol)
	}
	if req.Amount <= 0 {
		return "", fmt.Errorf("paper %s: non-positive amount %v", p.name, req.Amount)
	}
	q, err := p.quote(req.Symbol)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	status := model.OrderStatus{ID: id, State: model.OrderOpen, Remaining: req.Amount}

	fillPrice := q.BestAsk()
	if req.Side == model.Sell {
		fillPrice = q.BestBid()
	}
	marketable := req.Type == model.Market ||
		(req.Side == model.Buy && req.Price >= fillPrice) ||
		(req.Side == model.Sell && req.Price <= fillPrice)

	p.mu.Lock()
	defer p.mu.Unlock()

	if marketable {
		notional := req.Amount * fillPrice
		switch req.Side {
		case model.Buy:
			if p.balances[quote] < notional {
				return "", fmt.Errorf("paper %s: %w: need %.8f %s", p.name, ErrInsufficientFunds, notional, quote)
			}
			p.balances[quote] -= notional
			p.balances[base] += req.Amount * (1 - p.fee)
		case model.Sell:
			if p.balances[base] < req.Amount {
				return "", fmt.Errorf("paper %s: %w: need %.8f %s", p.name, ErrInsufficientFunds, req.Amount, base)
			}
			p.balances[base] -= req.Amount
			p.balances[quote] += notional * (1 - p.fee)
		}
		status.State = model.OrderClosed
		status.Filled = req.Amount
		status.Remaining = 0
		status.FillPrice = fillPrice
		status.Fee = notional * p.fee
	}

	p.orders[id] = status
	p.logger.Debug("order placed", "order_id", id, "symbol", req.Symbol, "side", req.Side, "amount", req.Amount, "state", status.State)
	return id, nil
}

func (p *PaperGateway) GetOrderStatus(ctx context.Context, orderID string) (model.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.orders[orderID]
	if !ok {
		return model.OrderStatus{}, fmt.Errorf("paper %s: %w: %s", p.name, ErrOrderNotFound, orderID)
	}
	return s, nil
}

func (p *PaperGateway) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper %s: %w: %s", p.name, ErrOrderNotFound, orderID)
	}
	if !s.Done() {
		s.State = model.OrderCanceled
		p.orders[orderID] = s
	}
	return nil
}
