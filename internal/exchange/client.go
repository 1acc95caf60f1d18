package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"arbiter/internal/model"
)

var (
	ErrUnknownVenue      = errors.New("unknown venue")
	ErrOrderNotFound     = errors.New("order not found")
	ErrNoPrice           = errors.New("no price available")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Gateway defines the uniform trading interface implemented once per venue.
type Gateway interface {
	Name() string
	FetchOrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error)
	FetchBalance(ctx context.Context, asset string) (float64, error)
	PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error)
	GetOrderStatus(ctx context.Context, orderID string) (model.OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
	// TradingFee returns the taker fee as a fraction, e.g. 0.001 for 0.1%.
	TradingFee() float64
}

// Streamer defines the standard interface for market data streaming clients.
type Streamer interface {
	GetName() string
	StartStream(ctx context.Context, priceChan chan<- model.PricePoint, symbols []string) error
}

// Registry resolves venue names to gateways.
type Registry map[string]Gateway

// NewRegistry indexes gateways by name.
func NewRegistry(gateways ...Gateway) Registry {
	r := make(Registry, len(gateways))
	for _, g := range gateways {
		r[g.Name()] = g
	}
	return r
}

// Get returns the gateway for venue.
func (r Registry) Get(venue string) (Gateway, error) {
	g, ok := r[venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, venue)
	}
	return g, nil
}

// Fees returns every venue's taker fee fraction.
func (r Registry) Fees() map[string]float64 {
	fees := make(map[string]float64, len(r))
	for name, g := range r {
		fees[name] = g.TradingFee()
	}
	return fees
}

// Names returns the registered venues in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
