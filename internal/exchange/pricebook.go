package exchange

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"arbiter/internal/model"
)

// PriceBook keeps the latest quote per venue and symbol. It is fed by
// streamers and serves snapshots to the scan loop.
type PriceBook struct {
	mu     sync.RWMutex
	prices map[string]model.PricePoint
	maxAge time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewPriceBook creates a PriceBook. Quotes older than maxAge are left out of
// snapshots; a zero maxAge keeps every quote.
func NewPriceBook(logger *slog.Logger, maxAge time.Duration) *PriceBook {
	return &PriceBook{
		prices: make(map[string]model.PricePoint),
		maxAge: maxAge,
		now:    time.Now,
		logger: logger.With(slog.String("component", "pricebook")),
	}
}

func bookKey(venue, symbol string) string {
	return venue + "|" + symbol
}

// Update stores p if it is newer than the stored quote.
func (b *PriceBook) Update(p model.PricePoint) {
	if p.Timestamp.IsZero() {
		p.Timestamp = b.now()
	}
	key := bookKey(p.Venue, p.Symbol)

	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.prices[key]; ok && cur.Timestamp.After(p.Timestamp) {
		return
	}
	b.prices[key] = p
}

// Latest returns the stored quote for venue and symbol.
func (b *PriceBook) Latest(venue, symbol string) (model.PricePoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.prices[bookKey(venue, symbol)]
	return p, ok
}

// PriceSnapshot returns all fresh quotes sorted by venue and symbol.
func (b *PriceBook) PriceSnapshot(ctx context.Context) ([]model.PricePoint, error) {
	now := b.now()

	b.mu.RLock()
	out := make([]model.PricePoint, 0, len(b.prices))
	for _, p := range b.prices {
		if b.maxAge > 0 && now.Sub(p.Timestamp) > b.maxAge {
			continue
		}
		out = append(out, p)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

// Consume applies price points from ch until ctx is done or ch is closed.
// Extra sinks, such as a shared cache, receive every point as well.
func (b *PriceBook) Consume(ctx context.Context, ch <-chan model.PricePoint, sinks ...func(context.Context, model.PricePoint) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-ch:
			if !ok {
				return nil
			}
			b.Update(p)
			for _, sink := range sinks {
				if err := sink(ctx, p); err != nil {
					b.logger.Warn("price sink failed", "venue", p.Venue, "symbol", p.Symbol, "error", err)
				}
			}
		}
	}
}
