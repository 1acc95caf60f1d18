package exchange

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"arbiter/internal/model"
)

const maxBackoff = 16 * time.Second

// wsSession describes one venue-specific websocket feed.
type wsSession struct {
	url       string
	subscribe func(c *websocket.Conn) error
	parse     func(message []byte) ([]model.PricePoint, error)
}

// runStream connects to the feed, reconnecting with exponential backoff, and
// forwards parsed price points until ctx is done.
func runStream(ctx context.Context, logger *slog.Logger, s wsSession, priceChan chan<- model.PricePoint) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			logger.Info("context cancelled, shutting down")
			return nil
		}

		logger.Info("connecting to WebSocket", "url", s.url, "backoff", backoff)
		c, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err == nil && s.subscribe != nil {
			if err = s.subscribe(c); err != nil {
				c.Close()
			}
		}
		if err != nil {
			logger.Error("WebSocket connection failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}

		// Reset backoff on successful connection
		backoff = time.Second
		logger.Info("connected successfully")

		if done := readLoop(ctx, logger, c, s, priceChan); done {
			return nil
		}
	}
}

// readLoop reads messages until the connection breaks (false) or ctx is done (true).
func readLoop(ctx context.Context, logger *slog.Logger, c *websocket.Conn, s wsSession, priceChan chan<- model.PricePoint) bool {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()
	defer c.Close()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("context cancelled, closing connection")
				return true
			}
			logger.Error("failed to read message", "error", err)
			return false
		}

		points, err := s.parse(message)
		if err != nil {
			logger.Warn("failed to parse message", "error", err)
			continue
		}
		for _, p := range points {
			select {
			case priceChan <- p:
				logger.Debug("sent price point", "symbol", p.Symbol, "bid", p.Bid, "ask", p.Ask)
			case <-ctx.Done():
				return true
			}
		}
	}
}
