package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"arbiter/internal/model"
)

// BinanceGateway trades on Binance spot through the go-binance REST client.
type BinanceGateway struct {
	name   string
	fee    float64
	client *binance.Client
	logger *slog.Logger

	// order id -> venue-native symbol, needed to query and cancel orders
	symbols sync.Map
	// venue-native symbol -> symbolRules
	rules sync.Map
}

// symbolRules are the LOT_SIZE and PRICE_FILTER constraints of a symbol.
// A zero value means the filter is absent.
type symbolRules struct {
	stepSize decimal.Decimal
	minQty   decimal.Decimal
	tickSize decimal.Decimal
}

// NewBinanceGateway creates a live gateway. An empty baseURL uses the
// client's default endpoint.
func NewBinanceGateway(name, baseURL, apiKey, apiSecret string, fee float64, logger *slog.Logger) *BinanceGateway {
	client := binance.NewClient(apiKey, apiSecret)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	client.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	return &BinanceGateway{
		name:   name,
		fee:    fee,
		client: client,
		logger: logger.With(slog.String("component", "binance_gateway"), slog.String("venue", name)),
	}
}

func (b *BinanceGateway) Name() string {
	return b.name
}

func (b *BinanceGateway) TradingFee() float64 {
	return b.fee
}

// binanceDepthLimit rounds depth up to a limit the depth endpoint accepts.
func binanceDepthLimit(depth int) int {
	for _, l := range []int{5, 10, 20, 50, 100, 500, 1000} {
		if depth <= l {
			return l
		}
	}
	return 1000
}

func parseLevel(price, qty string) (model.PriceLevel, error) {
	p, err := strconv.ParseFloat(price, 64)
	if err != nil {
		return model.PriceLevel{}, err
	}
	q, err := strconv.ParseFloat(qty, 64)
	if err != nil {
		return model.PriceLevel{}, err
	}
	return model.PriceLevel{Price: p, Volume: q}, nil
}

func (b *BinanceGateway) FetchOrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error) {
	resp, err := b.client.NewDepthService().
		Symbol(binanceSymbol(symbol)).
		Limit(binanceDepthLimit(depth)).
		Do(ctx)
	if err != nil {
		return model.OrderBook{}, fmt.Errorf("binance: depth %s: %w", symbol, err)
	}

	ob := model.OrderBook{Venue: b.name, Symbol: symbol}
	for _, l := range resp.Bids {
		level, err := parseLevel(l.Price, l.Quantity)
		if err != nil {
			return model.OrderBook{}, fmt.Errorf("binance: parse bids: %w", err)
		}
		ob.Bids = append(ob.Bids, level)
	}
	for _, l := range resp.Asks {
		level, err := parseLevel(l.Price, l.Quantity)
		if err != nil {
			return model.OrderBook{}, fmt.Errorf("binance: parse asks: %w", err)
		}
		ob.Asks = append(ob.Asks, level)
	}
	if depth > 0 && len(ob.Bids) > depth {
		ob.Bids = ob.Bids[:depth]
	}
	if depth > 0 && len(ob.Asks) > depth {
		ob.Asks = ob.Asks[:depth]
	}
	return ob, nil
}

func (b *BinanceGateway) FetchBalance(ctx context.Context, asset string) (float64, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance: account: %w", err)
	}
	for _, bal := range account.Balances {
		if bal.Asset == asset {
			free, err := strconv.ParseFloat(bal.Free, 64)
			if err != nil {
				return 0, fmt.Errorf("binance: parse balance %s: %w", asset, err)
			}
			return free, nil
		}
	}
	return 0, nil
}

func parseFilterValue(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// symbolRules loads the trading filters of a symbol once and caches them.
func (b *BinanceGateway) symbolRules(ctx context.Context, native string) (symbolRules, error) {
	if r, ok := b.rules.Load(native); ok {
		return r.(symbolRules), nil
	}
	info, err := b.client.NewExchangeInfoService().Symbol(native).Do(ctx)
	if err != nil {
		return symbolRules{}, fmt.Errorf("binance: exchange info %s: %w", native, err)
	}
	var rules symbolRules
	found := false
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != native {
			continue
		}
		found = true
		if f := s.LotSizeFilter(); f != nil {
			rules.stepSize = parseFilterValue(f.StepSize)
			rules.minQty = parseFilterValue(f.MinQuantity)
		}
		if f := s.PriceFilter(); f != nil {
			rules.tickSize = parseFilterValue(f.TickSize)
		}
	}
	if !found {
		return symbolRules{}, fmt.Errorf("binance: exchange info has no symbol %s", native)
	}
	b.rules.Store(native, rules)
	return rules, nil
}

// quantity rounds v down to the step size.
func (r symbolRules) quantity(v float64) (string, error) {
	q := decimal.NewFromFloat(v)
	if r.stepSize.IsPositive() {
		q = q.Div(r.stepSize).Floor().Mul(r.stepSize)
	} else {
		q = q.Truncate(8)
	}
	if !q.IsPositive() || q.LessThan(r.minQty) {
		return "", fmt.Errorf("binance: quantity %v below LOT_SIZE minimum %s", v, r.minQty)
	}
	return q.String(), nil
}

// price rounds v to the tick size, down for buys and up for sells so the
// limit never becomes more aggressive than requested.
func (r symbolRules) price(v float64, side model.OrderSide) string {
	p := decimal.NewFromFloat(v)
	if !r.tickSize.IsPositive() {
		return p.Truncate(8).String()
	}
	ticks := p.Div(r.tickSize)
	if side == model.Sell {
		ticks = ticks.Ceil()
	} else {
		ticks = ticks.Floor()
	}
	return ticks.Mul(r.tickSize).String()
}

func (b *BinanceGateway) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	native := binanceSymbol(req.Symbol)
	rules, err := b.symbolRules(ctx, native)
	if err != nil {
		return "", err
	}
	qty, err := rules.quantity(req.Amount)
	if err != nil {
		return "", err
	}

	side := binance.SideTypeBuy
	if req.Side == model.Sell {
		side = binance.SideTypeSell
	}
	svc := b.client.NewCreateOrderService().
		Symbol(native).
		Side(side).
		Quantity(qty)
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	if req.Type == model.Limit {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(rules.price(req.Price, req.Side))
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return "", fmt.Errorf("binance: create order %s: %w", req.Symbol, err)
	}
	id := strconv.FormatInt(resp.OrderID, 10)
	b.symbols.Store(id, native)
	b.logger.Info("order placed", "order_id", id, "symbol", req.Symbol, "side", req.Side, "type", req.Type, "quantity", qty)
	return id, nil
}

func (b *BinanceGateway) orderRef(orderID string) (string, int64, error) {
	native, ok := b.symbols.Load(orderID)
	if !ok {
		return "", 0, fmt.Errorf("binance: %w: %s", ErrOrderNotFound, orderID)
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("binance: %w: %s", ErrOrderNotFound, orderID)
	}
	return native.(string), id, nil
}

func binanceState(status string) model.OrderState {
	switch status {
	case "FILLED":
		return model.OrderClosed
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return model.OrderCanceled
	case "REJECTED":
		return model.OrderRejected
	default:
		return model.OrderOpen
	}
}

func (b *BinanceGateway) GetOrderStatus(ctx context.Context, orderID string) (model.OrderStatus, error) {
	native, id, err := b.orderRef(orderID)
	if err != nil {
		return model.OrderStatus{}, err
	}
	order, err := b.client.NewGetOrderService().Symbol(native).OrderID(id).Do(ctx)
	if err != nil {
		return model.OrderStatus{}, fmt.Errorf("binance: get order %s: %w", orderID, err)
	}

	orig, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	filled, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	quoteQty, _ := strconv.ParseFloat(order.CummulativeQuoteQuantity, 64)
	status := model.OrderStatus{
		ID:        orderID,
		State:     binanceState(string(order.Status)),
		Filled:    filled,
		Remaining: orig - filled,
		Fee:       quoteQty * b.fee,
	}
	if filled > 0 {
		status.FillPrice = quoteQty / filled
	}
	return status, nil
}

func (b *BinanceGateway) CancelOrder(ctx context.Context, orderID string) error {
	native, id, err := b.orderRef(orderID)
	if err != nil {
		return err
	}
	if _, err := b.client.NewCancelOrderService().Symbol(native).OrderID(id).Do(ctx); err != nil {
		return fmt.Errorf("binance: cancel order %s: %w", orderID, err)
	}
	return nil
}
