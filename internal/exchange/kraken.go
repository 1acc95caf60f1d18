package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"arbiter/internal/model"
)

const krakenStreamURL = "wss://ws.kraken.com"

// KrakenClient streams ticker quotes from Kraken.
type KrakenClient struct {
	name   string
	url    string
	logger *slog.Logger
}

// NewKrakenClient creates a new KrakenClient publishing quotes under venue name.
func NewKrakenClient(name string, logger *slog.Logger) *KrakenClient {
	return &KrakenClient{name: name, url: krakenStreamURL, logger: logger.With(slog.String("component", "kraken_stream"))}
}

func (k *KrakenClient) GetName() string {
	return k.name
}

// Kraken names bitcoin XBT.
func krakenPair(symbol string) string {
	base, quote, ok := model.SplitSymbol(symbol)
	if !ok {
		return symbol
	}
	if base == "BTC" {
		base = "XBT"
	}
	if quote == "BTC" {
		quote = "XBT"
	}
	return base + "/" + quote
}

// StartStream connects to the Kraken WebSocket API and subscribes to tickers for symbols.
func (k *KrakenClient) StartStream(ctx context.Context, priceChan chan<- model.PricePoint, symbols []string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("kraken: no symbols to stream")
	}
	native := make(map[string]string, len(symbols))
	pairs := make([]string, 0, len(symbols))
	for _, s := range symbols {
		p := krakenPair(s)
		native[p] = s
		pairs = append(pairs, p)
	}

	session := wsSession{
		url: k.url,
		subscribe: func(c *websocket.Conn) error {
			subscription := map[string]interface{}{
				"event": "subscribe",
				"pair":  pairs,
				"subscription": map[string]string{
					"name": "ticker",
				},
			}
			return c.WriteJSON(subscription)
		},
		parse: func(message []byte) ([]model.PricePoint, error) {
			return parseKrakenTicker(k.name, native, message, time.Now())
		},
	}
	return runStream(ctx, k.logger, session, priceChan)
}

// Kraken mixes strings and integers inside ticker arrays.
type krakenTicker struct {
	Ask   []any `json:"a"`
	Bid   []any `json:"b"`
	Close []any `json:"c"`
	Vol   []any `json:"v"`
}

func krakenField(values []any, i int) (float64, error) {
	if len(values) <= i {
		return 0, fmt.Errorf("missing field %d", i)
	}
	switch v := values[i].(type) {
	case string:
		return strconv.ParseFloat(v, 64)
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected field type %T", v)
	}
}

// parseKrakenTicker handles [channelID, tickerData, "ticker", pair] frames.
// Event objects such as heartbeats yield no points.
func parseKrakenTicker(venue string, native map[string]string, message []byte, now time.Time) ([]model.PricePoint, error) {
	trimmed := strings.TrimSpace(string(message))
	if strings.HasPrefix(trimmed, "{") {
		return nil, nil
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(message, &frame); err != nil {
		return nil, err
	}
	if len(frame) < 4 {
		return nil, fmt.Errorf("kraken: short frame of %d elements", len(frame))
	}
	var channel, pair string
	if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil || channel != "ticker" {
		return nil, nil
	}
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil {
		return nil, fmt.Errorf("kraken: parse pair: %w", err)
	}
	symbol, ok := native[pair]
	if !ok {
		return nil, fmt.Errorf("kraken: unexpected pair %q", pair)
	}

	var t krakenTicker
	if err := json.Unmarshal(frame[1], &t); err != nil {
		return nil, fmt.Errorf("kraken: parse ticker: %w", err)
	}
	bid, err := krakenField(t.Bid, 0)
	if err != nil {
		return nil, fmt.Errorf("kraken: parse bid: %w", err)
	}
	ask, err := krakenField(t.Ask, 0)
	if err != nil {
		return nil, fmt.Errorf("kraken: parse ask: %w", err)
	}
	price := (bid + ask) / 2
	if last, err := krakenField(t.Close, 0); err == nil && last > 0 {
		price = last
	}
	// 24h volume
	volume, _ := krakenField(t.Vol, 1)

	return []model.PricePoint{{
		Venue:     venue,
		Symbol:    symbol,
		Price:     price,
		Bid:       bid,
		Ask:       ask,
		Volume:    volume,
		Timestamp: now,
	}}, nil
}
