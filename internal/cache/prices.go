package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"arbiter/internal/model"
)

const priceIndexKey = "prices"

// PriceStore shares the latest quotes between processes. Every quote is a
// hash at "price:{venue}:{symbol}"; the set "prices" indexes the keys.
type PriceStore struct {
	rdb    *redis.Client
	maxAge time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewPriceStore creates a PriceStore. Quotes older than maxAge are skipped in
// snapshots and expire from Redis after twice that age.
func NewPriceStore(c *Client, maxAge time.Duration, logger *slog.Logger) *PriceStore {
	return &PriceStore{
		rdb:    c.rdb,
		maxAge: maxAge,
		now:    time.Now,
		logger: logger.With(slog.String("component", "price_store")),
	}
}

func priceKey(venue, symbol string) string {
	return "price:" + venue + ":" + symbol
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Put stores p as the latest quote for its venue and symbol.
func (ps *PriceStore) Put(ctx context.Context, p model.PricePoint) error {
	if p.Timestamp.IsZero() {
		p.Timestamp = ps.now()
	}
	key := priceKey(p.Venue, p.Symbol)
	fields := map[string]interface{}{
		"venue":  p.Venue,
		"symbol": p.Symbol,
		"price":  formatFloat(p.Price),
		"bid":    formatFloat(p.Bid),
		"ask":    formatFloat(p.Ask),
		"volume": formatFloat(p.Volume),
		"ts":     strconv.FormatInt(p.Timestamp.UnixNano(), 10),
	}

	pipe := ps.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if ps.maxAge > 0 {
		pipe.Expire(ctx, key, 2*ps.maxAge)
	}
	pipe.SAdd(ctx, priceIndexKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put price %s: %w", key, err)
	}
	return nil
}

// PriceSnapshot returns all fresh quotes sorted by venue and symbol.
func (ps *PriceStore) PriceSnapshot(ctx context.Context) ([]model.PricePoint, error) {
	keys, err := ps.rdb.SMembers(ctx, priceIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list prices: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := ps.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: read prices: %w", err)
	}

	now := ps.now()
	var expired []interface{}
	out := make([]model.PricePoint, 0, len(keys))
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			expired = append(expired, keys[i])
			continue
		}
		p, err := parsePrice(vals)
		if err != nil {
			ps.logger.Warn("skipping unreadable price", "key", keys[i], "error", err)
			continue
		}
		if ps.maxAge > 0 && now.Sub(p.Timestamp) > ps.maxAge {
			continue
		}
		out = append(out, p)
	}
	if len(expired) > 0 {
		if err := ps.rdb.SRem(ctx, priceIndexKey, expired...).Err(); err != nil {
			ps.logger.Warn("failed to prune price index", "error", err)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

func parsePrice(vals map[string]string) (model.PricePoint, error) {
	p := model.PricePoint{Venue: vals["venue"], Symbol: vals["symbol"]}
	for field, dst := range map[string]*float64{"price": &p.Price, "bid": &p.Bid, "ask": &p.Ask, "volume": &p.Volume} {
		raw, ok := vals[field]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return model.PricePoint{}, fmt.Errorf("parse %s: %w", field, err)
		}
		*dst = v
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return model.PricePoint{}, fmt.Errorf("parse ts: %w", err)
	}
	p.Timestamp = time.Unix(0, ts)
	return p, nil
}
