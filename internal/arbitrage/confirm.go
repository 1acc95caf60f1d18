package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"arbiter/internal/exchange"
	"arbiter/internal/model"
)

// confirmer polls a venue until an order reaches a terminal state.
type confirmer struct {
	interval time.Duration
	attempts int
	logger   *slog.Logger
}

// confirm returns the final status of a filled order. Cancelled or rejected
// orders yield ErrOrderRejected; an order still open after every attempt
// yields ErrConfirmationTimeout.
func (c confirmer) confirm(ctx context.Context, gw exchange.Gateway, orderID string) (model.OrderStatus, error) {
	var last model.OrderStatus
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		status, err := gw.GetOrderStatus(ctx, orderID)
		switch {
		case err != nil:
			lastErr = err
			c.logger.Warn("order status query failed", "venue", gw.Name(), "order_id", orderID, "attempt", attempt, "error", err)
		case status.State == model.OrderClosed:
			return status, nil
		case status.State == model.OrderCanceled || status.State == model.OrderRejected:
			return status, fmt.Errorf("%w: order %s on %s is %s", ErrOrderRejected, orderID, gw.Name(), status.State)
		default:
			last = status
		}

		if attempt == c.attempts {
			break
		}
		if err := sleepContext(ctx, c.interval); err != nil {
			return last, err
		}
	}

	if lastErr != nil {
		return last, fmt.Errorf("%w: order %s on %s after %d attempts: %v", ErrConfirmationTimeout, orderID, gw.Name(), c.attempts, lastErr)
	}
	return last, fmt.Errorf("%w: order %s on %s after %d attempts", ErrConfirmationTimeout, orderID, gw.Name(), c.attempts)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
