package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "delivery_engine"

// Metrics holds the Prometheus collectors for the delivery engine on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	consumed     *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	deactivated  prometheus.Counter
	retried      *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	duplicates   prometheus.Counter
	auditFailure prometheus.Counter
	dispatchTime prometheus.Histogram
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Notification events accepted for processing, by source.",
		}, []string{"source"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_outcomes_total",
			Help:      "Per-token dispatch outcomes by platform and result.",
		}, []string{"platform", "result"}),
		deactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_deactivated_total",
			Help:      "Device tokens deactivated after a gateway reported them invalid.",
		}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_retries_total",
			Help:      "Gateway calls retried after a transient failure.",
		}, []string{"platform"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rate_limited_total",
			Help:      "Events suppressed by the per-actor rate limiter.",
		}, []string{"action"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Events suppressed because their dedup key was already claimed.",
		}),
		auditFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_failures_total",
			Help:      "Notification records that could not be persisted.",
		}),
		dispatchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time of one logical send, resolution through aggregation.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.consumed, m.outcomes, m.deactivated, m.retried,
		m.rateLimited, m.duplicates, m.auditFailure, m.dispatchTime,
	)
	return m
}

func (m *Metrics) IncConsumed(source string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(source).Inc()
}

func (m *Metrics) IncOutcome(platform, result string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(platform, result).Inc()
}

func (m *Metrics) IncDeactivated() {
	if m == nil {
		return
	}
	m.deactivated.Inc()
}

func (m *Metrics) IncRetried(platform string) {
	if m == nil {
		return
	}
	m.retried.WithLabelValues(platform).Inc()
}

func (m *Metrics) IncRateLimited(action string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(action).Inc()
}

func (m *Metrics) IncDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) IncAuditFailure() {
	if m == nil {
		return
	}
	m.auditFailure.Inc()
}

func (m *Metrics) ObserveDispatch(d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTime.Observe(d.Seconds())
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
