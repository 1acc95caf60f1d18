package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"arbiter/internal/model"
)

const binanceStreamURL = "wss://stream.binance.com:9443/stream"

// BinanceClient streams best bid/ask quotes from Binance.
type BinanceClient struct {
	name   string
	url    string
	logger *slog.Logger
}

// NewBinanceClient creates a new BinanceClient publishing quotes under venue name.
func NewBinanceClient(name string, logger *slog.Logger) *BinanceClient {
	return &BinanceClient{name: name, url: binanceStreamURL, logger: logger.With(slog.String("component", "binance_stream"))}
}

func (b *BinanceClient) GetName() string {
	return b.name
}

// binanceSymbol converts BTC/USDT to BTCUSDT.
func binanceSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// StartStream connects to the Binance combined bookTicker stream for symbols.
func (b *BinanceClient) StartStream(ctx context.Context, priceChan chan<- model.PricePoint, symbols []string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("binance: no symbols to stream")
	}
	native := make(map[string]string, len(symbols))
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		n := binanceSymbol(s)
		native[n] = s
		streams = append(streams, strings.ToLower(n)+"@bookTicker")
	}

	session := wsSession{
		url: b.url + "?streams=" + strings.Join(streams, "/"),
		parse: func(message []byte) ([]model.PricePoint, error) {
			return parseBinanceTicker(b.name, native, message, time.Now())
		},
	}
	return runStream(ctx, b.logger, session, priceChan)
}

type binanceEnvelope struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string `json:"s"`
		Bid    string `json:"b"`
		BidQty string `json:"B"`
		Ask    string `json:"a"`
		AskQty string `json:"A"`
	} `json:"data"`
}

func parseBinanceTicker(venue string, native map[string]string, message []byte, now time.Time) ([]model.PricePoint, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return nil, err
	}
	symbol, ok := native[env.Data.Symbol]
	if !ok {
		return nil, fmt.Errorf("binance: unexpected symbol %q", env.Data.Symbol)
	}
	bid, err := strconv.ParseFloat(env.Data.Bid, 64)
	if err != nil {
		return nil, fmt.Errorf("binance: parse bid: %w", err)
	}
	ask, err := strconv.ParseFloat(env.Data.Ask, 64)
	if err != nil {
		return nil, fmt.Errorf("binance: parse ask: %w", err)
	}
	bidQty, _ := strconv.ParseFloat(env.Data.BidQty, 64)
	askQty, _ := strconv.ParseFloat(env.Data.AskQty, 64)

	return []model.PricePoint{{
		Venue:     venue,
		Symbol:    symbol,
		Price:     (bid + ask) / 2,
		Bid:       bid,
		Ask:       ask,
		Volume:    bidQty + askQty,
		Timestamp: now,
	}}, nil
}
