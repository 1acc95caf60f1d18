package exchange

import (
	"fmt"
	"log/slog"

	"arbiter/internal/config"
)

// NewGateway creates the trading gateway for a venue based on its configuration.
func NewGateway(name string, logger *slog.Logger, cfg config.ExchangeConfig, book *PriceBook) (Gateway, error) {
	switch cfg.Mode {
	case "paper", "":
		return NewPaperGateway(name, cfg.Fee(), book, cfg.Balances, logger), nil
	case "live":
		if cfg.Stream != "binance" {
			return nil, fmt.Errorf("exchange %s: live trading is only supported for binance", name)
		}
		return NewBinanceGateway(name, cfg.BaseURL, cfg.APIKey, cfg.APISecret, cfg.Fee(), logger), nil
	default:
		return nil, fmt.Errorf("exchange %s: unknown mode %q", name, cfg.Mode)
	}
}

// NewClient creates the market data streamer for a venue. It returns nil when
// the venue has no stream configured.
func NewClient(name string, logger *slog.Logger, cfg config.ExchangeConfig) (Streamer, error) {
	switch cfg.Stream {
	case "kraken":
		return NewKrakenClient(name, logger), nil
	case "binance":
		return NewBinanceClient(name, logger), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown exchange stream: %s", cfg.Stream)
	}
}
