// Package metrics exposes Prometheus instrumentation for the check cycle.
// Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kleinwatch"

// Trigger labels distinguish scheduled sweeps from user-requested checks.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

type Metrics struct {
	SweepsTotal           *prometheus.CounterVec
	SweepDurationSeconds  prometheus.Histogram
	SweepRunning          prometheus.Gauge
	SubscriberChecksTotal *prometheus.CounterVec
	ListingsTotal         *prometheus.CounterVec
	DeliveryFailuresTotal prometheus.Counter
	ProcessingErrorsTotal prometheus.Counter
	FetchRequestsTotal    *prometheus.CounterVec
	FetchDurationSeconds  prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New registers all collectors with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		SweepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "total",
			Help:      "Fleet sweeps by outcome (ran, skipped)",
		}, []string{"result"}),
		SweepDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Wall time of a completed fleet sweep",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		SweepRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "running",
			Help:      "1 while a fleet sweep is in progress",
		}),
		SubscriberChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_checks_total",
			Help:      "Per-subscriber checks by trigger and result",
		}, []string{"trigger", "result"}),
		ListingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listings_total",
			Help:      "Listings seen on search pages, identified as new, and delivered",
		}, []string{"stage"}),
		DeliveryFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Notifications that failed every delivery attempt",
		}),
		ProcessingErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_errors_total",
			Help:      "Listings dropped after an unexpected processing error",
		}),
		FetchRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Page fetch attempts by result",
		}, []string{"result"}),
		FetchDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Duration of a single page fetch attempt",
			Buckets:   prometheus.DefBuckets,
		}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFetch(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.FetchRequestsTotal.WithLabelValues(result).Inc()
	m.FetchDurationSeconds.Observe(d.Seconds())
}

func (m *Metrics) SweepSkipped() {
	if m == nil {
		return
	}
	m.SweepsTotal.WithLabelValues("skipped").Inc()
}

// SweepStarted marks a sweep as running. Call the returned func when done.
func (m *Metrics) SweepStarted() func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.SweepRunning.Set(1)
	return func() {
		m.SweepRunning.Set(0)
		m.SweepsTotal.WithLabelValues("ran").Inc()
		m.SweepDurationSeconds.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) SubscriberChecked(trigger string, total, fresh, sent int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SubscriberChecksTotal.WithLabelValues(trigger, result).Inc()
	m.ListingsTotal.WithLabelValues("found").Add(float64(total))
	m.ListingsTotal.WithLabelValues("new").Add(float64(fresh))
	m.ListingsTotal.WithLabelValues("sent").Add(float64(sent))
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.DeliveryFailuresTotal.Inc()
}

func (m *Metrics) ProcessingError() {
	if m == nil {
		return
	}
	m.ProcessingErrorsTotal.Inc()
}
