// Package metrics holds the gateway's Prometheus collectors.
//
// All collectors register on a dedicated registry so tests and multiple
// containers in one process never collide on the default registry. Every
// method is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "llmgw"

// Metrics contains the gateway collectors.
type Metrics struct {
	registry *prometheus.Registry

	quotaDecisions   *prometheus.CounterVec
	quotaStoreErrors *prometheus.CounterVec
	reconcileEntries *prometheus.CounterVec

	rateLimitDecisions *prometheus.CounterVec

	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	failovers        prometheus.Counter
	providerHealthy  *prometheus.GaugeVec

	usageEvents *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		quotaDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_decisions_total",
			Help:      "Quota reservation decisions by deciding tier and outcome",
		}, []string{"tier", "outcome"}),

		quotaStoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_store_errors_total",
			Help:      "Errors returned by quota backing stores",
		}, []string{"store"}),

		reconcileEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_reconcile_entries_total",
			Help:      "Counter entries written back to the ledger by the reconciler",
		}, []string{"outcome"}),

		rateLimitDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit decisions by backend and outcome",
		}, []string{"backend", "outcome"}),

		upstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_upstream_requests_total",
			Help:      "Upstream provider calls by provider, pool and outcome",
		}, []string{"provider", "pool", "outcome"}),

		upstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "router_upstream_duration_seconds",
			Help:      "Upstream call latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30, 60},
		}, []string{"provider", "pool"}),

		failovers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_failovers_total",
			Help:      "Cross-pool failovers issued after a primary timeout",
		}),

		providerHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_healthy",
			Help:      "1 when the provider is considered healthy, 0 otherwise",
		}, []string{"provider"}),

		usageEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_events_total",
			Help:      "Usage adjustment events by outcome",
		}, []string{"outcome"}),
	}
}

// Registry returns the registry backing these collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// QuotaDecision counts a reservation outcome ("granted", "denied", "error").
func (m *Metrics) QuotaDecision(tier, outcome string) {
	if m == nil {
		return
	}
	m.quotaDecisions.WithLabelValues(tier, outcome).Inc()
}

// QuotaStoreError counts a backing store failure.
func (m *Metrics) QuotaStoreError(store string) {
	if m == nil {
		return
	}
	m.quotaStoreErrors.WithLabelValues(store).Inc()
}

// ReconcileEntry counts one reconciler entry ("written", "skipped", "failed").
func (m *Metrics) ReconcileEntry(outcome string) {
	if m == nil {
		return
	}
	m.reconcileEntries.WithLabelValues(outcome).Inc()
}

// RateLimitDecision counts a limiter outcome ("allowed", "denied", "fail_open", "fail_closed").
func (m *Metrics) RateLimitDecision(backend, outcome string) {
	if m == nil {
		return
	}
	m.rateLimitDecisions.WithLabelValues(backend, outcome).Inc()
}

// UpstreamRequest records one upstream attempt.
func (m *Metrics) UpstreamRequest(provider, pool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(provider, pool, outcome).Inc()
	m.upstreamDuration.WithLabelValues(provider, pool).Observe(elapsed.Seconds())
}

// Failover counts a cross-pool failover.
func (m *Metrics) Failover() {
	if m == nil {
		return
	}
	m.failovers.Inc()
}

// ProviderHealth sets the health gauge for provider.
func (m *Metrics) ProviderHealth(provider string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.providerHealthy.WithLabelValues(provider).Set(v)
}

// UsageEvent counts a processed usage event ("released", "recorded", "dropped", "error").
func (m *Metrics) UsageEvent(outcome string) {
	if m == nil {
		return
	}
	m.usageEvents.WithLabelValues(outcome).Inc()
}
