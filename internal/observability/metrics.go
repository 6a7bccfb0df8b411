package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Turnstile.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	DiagnosticsTotal  *prometheus.CounterVec

	// Template cache metrics.
	TemplateCacheHits   prometheus.Counter
	TemplateCacheMisses prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    prometheus.Counter

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "turnstile",
			Subsystem: "runner",
			Name:      "executions_total",
			Help:      "Total script and template executions.",
		}, []string{"kind", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "turnstile",
			Subsystem: "runner",
			Name:      "execution_duration_seconds",
			Help:      "Execution duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"kind"}),

		DiagnosticsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "turnstile",
			Subsystem: "runner",
			Name:      "diagnostics_total",
			Help:      "Total failure diagnostics rendered, by category.",
		}, []string{"category"}),

		TemplateCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "turnstile",
			Subsystem: "template_cache",
			Name:      "hits_total",
			Help:      "Compiled templates served from the cache.",
		}),

		TemplateCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "turnstile",
			Subsystem: "template_cache",
			Name:      "misses_total",
			Help:      "Templates compiled because no valid cache entry existed.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "turnstile",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "turnstile",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "turnstile",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "turnstile",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.DiagnosticsTotal,
		m.TemplateCacheHits,
		m.TemplateCacheMisses,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.ActiveRequests,
	)

	return m
}

// TemplateCacheHit counts a template cache hit. Safe on a nil collector.
func (m *MetricsCollector) TemplateCacheHit() {
	if m != nil {
		m.TemplateCacheHits.Inc()
	}
}

// TemplateCacheMiss counts a template cache miss. Safe on a nil collector.
func (m *MetricsCollector) TemplateCacheMiss() {
	if m != nil {
		m.TemplateCacheMisses.Inc()
	}
}

// RateLimited counts a request rejected by the rate limiter.
func (m *MetricsCollector) RateLimited() {
	if m != nil {
		m.RateLimitedTotal.Inc()
	}
}
