// Package backup persists terminal sessions to durable stores off the
// execution path.
package backup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"arbiter/internal/model"
)

// Sink is a durable store for terminal sessions.
type Sink interface {
	Name() string
	Store(ctx context.Context, s *model.Session) error
}

// Dispatcher queues sessions and writes them to every sink from a single
// background worker. A failing sink is logged and never reaches the caller.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan *model.Session
	done   chan struct{}
}

// NewDispatcher starts the worker. timeout bounds every sink write.
func NewDispatcher(logger *slog.Logger, buffer int, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 16
	}
	d := &Dispatcher{
		sinks:   sinks,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "backup")),
		queue:   make(chan *model.Session, buffer),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// PersistSessionOutcome enqueues a copy of s. It never blocks; when the queue
// is full the session is dropped and logged.
func (d *Dispatcher) PersistSessionOutcome(_ context.Context, s *model.Session) {
	c := snapshot(s)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn("backup closed, dropping session", "session_id", s.ID)
		return
	}
	select {
	case d.queue <- c:
	default:
		d.logger.Error("backup queue full, dropping session", "session_id", s.ID, "status", s.Status)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for s := range d.queue {
		for _, sink := range d.sinks {
			d.store(sink, s)
		}
	}
}

func (d *Dispatcher) store(sink Sink, s *model.Session) {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	if err := sink.Store(ctx, s); err != nil {
		d.logger.Error("failed to persist session", "sink", sink.Name(), "session_id", s.ID, "error", err)
		return
	}
	d.logger.Debug("session persisted", "sink", sink.Name(), "session_id", s.ID)
}

// Close stops accepting sessions and waits for the queue to drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("backup: queue not drained"), ctx.Err())
	}
}

func snapshot(s *model.Session) *model.Session {
	c := *s
	c.Trades = append([]model.TradeResult(nil), s.Trades...)
	c.Errors = append([]string(nil), s.Errors...)
	if s.Rollback != nil {
		r := *s.Rollback
		r.Compensations = append([]model.Compensation(nil), s.Rollback.Compensations...)
		c.Rollback = &r
	}
	return &c
}
