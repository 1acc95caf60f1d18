// Package notify delivers operator alerts to chat channels. Alerts are
// filtered by severity and sent in the background so the scan loop never
// waits on a chat API.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arbiter/internal/model"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	Send(ctx context.Context, alert Alert) error
	Name() string
}

// Alert is one formatted notification.
type Alert struct {
	Severity model.Severity
	Title    string
	Fields   []Field
	Time     time.Time
}

type Field struct {
	Name  string
	Value string
}

// Text renders the alert as plain lines.
func (a Alert) Text() string {
	var b strings.Builder
	for _, f := range a.Fields {
		fmt.Fprintf(&b, "%s: %s\n", f.Name, f.Value)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Notifier dispatches alerts to every Sender.
type Notifier struct {
	senders     []Sender
	minSeverity model.Severity
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewNotifier(logger *slog.Logger, minSeverity model.Severity, timeout time.Duration, senders ...Sender) *Notifier {
	return &Notifier{
		senders:     senders,
		minSeverity: minSeverity,
		timeout:     timeout,
		logger:      logger.With(slog.String("component", "notifier")),
		now:         time.Now,
	}
}

// Notify formats and sends an alert in the background. Alerts below the
// configured severity, or raised after Close, are dropped.
func (n *Notifier) Notify(ctx context.Context, severity model.Severity, message string, fields map[string]string) {
	if severity.Rank() < n.minSeverity.Rank() {
		n.logger.Debug("alert filtered out", "severity", severity, "message", message)
		return
	}
	alert := Alert{
		Severity: severity,
		Title:    message,
		Fields:   formatFields(fields),
		Time:     n.now(),
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		n.logger.Warn("notifier closed, dropping alert", "severity", severity, "message", message)
		return
	}

	sendCtx := context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if n.timeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(sendCtx, n.timeout)
			defer cancel()
		}
		_ = n.dispatch(sendCtx, alert)
	}()
}

// dispatch sends to all senders; one failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, alert Alert) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, alert); err != nil {
			n.logger.Error("sender failed", slog.String("sender", s.Name()), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.Debug("notification sent", slog.String("sender", s.Name()), slog.String("title", alert.Title))
	}
	return errors.Join(errs...)
}

// Close stops accepting alerts and waits for pending ones.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify: pending alerts: %w", ctx.Err())
	}
}

// formatFields sorts fields by name and trims trailing zeros from numbers.
func formatFields(fields map[string]string) []Field {
	out := make([]Field, 0, len(fields))
	for k, v := range fields {
		if d, err := decimal.NewFromString(v); err == nil {
			v = d.String()
		}
		out = append(out, Field{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LogSender writes alerts to the structured log.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With(slog.String("component", "alerts"))}
}

func (l *LogSender) Send(ctx context.Context, alert Alert) error {
	level := slog.LevelInfo
	switch alert.Severity {
	case model.SeverityWarning:
		level = slog.LevelWarn
	case model.SeverityError:
		level = slog.LevelError
	}
	attrs := make([]any, 0, len(alert.Fields))
	for _, f := range alert.Fields {
		attrs = append(attrs, slog.String(f.Name, f.Value))
	}
	l.logger.Log(ctx, level, alert.Title, attrs...)
	return nil
}

func (l *LogSender) Name() string { return "log" }
