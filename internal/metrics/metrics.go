// Package metrics exposes hedging counters and cycle timings to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/eddiefleurent/delta_hedger/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "delta_hedger"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry    *prometheus.Registry
	cycles      *prometheus.CounterVec
	cycleTime   *prometheus.HistogramVec
	adjustments *prometheus.CounterVec
	promotions  *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	purged      prometheus.Counter
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Reconciliation cycles per account by kind and outcome.",
		}, []string{"kind", "account", "success"}),
		cycleTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one account's reconciliation cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"kind"}),
		adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adjustments_total",
			Help:      "Roll attempts by outcome (success, failed, inconsistent).",
		}, []string{"account", "outcome"}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_promotions_total",
			Help:      "Filled order records promoted to position records.",
		}, []string{"account"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_skipped_total",
			Help:      "Timer fires skipped because the previous cycle was still running.",
		}, []string{"kind"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_order_records_total",
			Help:      "Order records removed by the purge sweep.",
		}),
	}
	m.registry.MustRegister(
		m.cycles, m.cycleTime, m.adjustments, m.promotions, m.skipped, m.purged,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveCycle records one finished account cycle and its adjustments.
func (m *Metrics) ObserveCycle(res models.CycleResult) {
	m.cycles.WithLabelValues(string(res.Kind), res.AccountID, strconv.FormatBool(res.Success)).Inc()
	if !res.FinishedAt.IsZero() && !res.StartedAt.IsZero() {
		m.cycleTime.WithLabelValues(string(res.Kind)).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	}
	for _, a := range res.Adjustments {
		m.adjustments.WithLabelValues(res.AccountID, outcome(a)).Inc()
	}
	if n := len(res.Promoted); n > 0 {
		m.promotions.WithLabelValues(res.AccountID).Add(float64(n))
	}
}

// ObserveSkip counts a timer fire dropped by the overlap guard.
func (m *Metrics) ObserveSkip(kind models.CycleKind) {
	m.skipped.WithLabelValues(string(kind)).Inc()
}

// ObservePurge counts records deleted by one purge sweep.
func (m *Metrics) ObservePurge(n int64, _ time.Duration) {
	if n > 0 {
		m.purged.Add(float64(n))
	}
}

func outcome(a models.AdjustmentResult) string {
	switch {
	case a.Success:
		return "success"
	case a.Inconsistent:
		return "inconsistent"
	default:
		return "failed"
	}
}
