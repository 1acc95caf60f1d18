package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"arbiter/internal/model"
)

// Recorder exports engine activity to Prometheus.
type Recorder struct {
	scans          prometheus.Counter
	skippedTicks   prometheus.Counter
	scanDuration   prometheus.Histogram
	detected       prometheus.Counter
	assessments    *prometheus.CounterVec
	sessions       *prometheus.CounterVec
	realizedProfit *prometheus.CounterVec
	compensations  *prometheus.CounterVec
	priceUpdates   *prometheus.CounterVec
	lastPrice      *prometheus.GaugeVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		scans: f.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_scans_total",
			Help: "Total number of completed scans",
		}),
		skippedTicks: f.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_skipped_ticks_total",
			Help: "Ticks skipped because a session was in flight",
		}),
		scanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbiter_scan_duration_seconds",
			Help:    "Duration of snapshot and detection per scan",
			Buckets: prometheus.DefBuckets,
		}),
		detected: f.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_opportunities_detected_total",
			Help: "Opportunities above the profit threshold",
		}),
		assessments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_risk_assessments_total",
			Help: "Risk assessments by opportunity kind and outcome",
		}, []string{"kind", "risk_class", "accepted"}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_sessions_total",
			Help: "Terminal sessions by kind and status",
		}, []string{"kind", "status"}),
		realizedProfit: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_realized_profit_total",
			Help: "Sum of positive realized profit of completed sessions",
		}, []string{"kind"}),
		compensations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_compensations_total",
			Help: "Rollback orders by outcome",
		}, []string{"outcome"}),
		priceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_price_updates_total",
			Help: "Price updates received per venue",
		}, []string{"venue"}),
		lastPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arbiter_last_price",
			Help: "Last quoted price per venue and symbol",
		}, []string{"venue", "symbol"}),
	}
}

func (r *Recorder) RecordScan(d time.Duration, detected int) {
	r.scans.Inc()
	r.scanDuration.Observe(d.Seconds())
	r.detected.Add(float64(detected))
}

func (r *Recorder) RecordAssessment(kind model.OpportunityKind, ra model.RiskAssessment) {
	accepted := "false"
	if ra.Accepted {
		accepted = "true"
	}
	class := string(ra.RiskClass)
	if class == "" {
		class = "unknown"
	}
	r.assessments.WithLabelValues(string(kind), class, accepted).Inc()
}

func (r *Recorder) RecordSession(s *model.Session) {
	r.sessions.WithLabelValues(string(s.Kind), string(s.Status)).Inc()
	if s.Status == model.SessionCompleted && s.RealizedProfit > 0 {
		r.realizedProfit.WithLabelValues(string(s.Kind)).Add(s.RealizedProfit)
	}
	if s.Rollback != nil {
		r.compensations.WithLabelValues("succeeded").Add(float64(s.Rollback.Succeeded))
		r.compensations.WithLabelValues("failed").Add(float64(s.Rollback.Failed))
	}
}

func (r *Recorder) RecordSkippedTick() {
	r.skippedTicks.Inc()
}

// ObservePrice is a price book sink.
func (r *Recorder) ObservePrice(_ context.Context, p model.PricePoint) error {
	r.priceUpdates.WithLabelValues(p.Venue).Inc()
	r.lastPrice.WithLabelValues(p.Venue, p.Symbol).Set(p.Price)
	return nil
}
