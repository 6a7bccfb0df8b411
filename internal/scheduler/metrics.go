package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the journal pruner.
type Metrics struct {
	Runs          prometheus.Counter
	Failures      prometheus.Counter
	EntriesPruned prometheus.Counter
	RunDuration   prometheus.Histogram
}

// NewMetrics creates and registers pruner metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "turnstile",
			Subsystem: "journal",
			Name:      "prune_runs_total",
			Help:      "Total journal prune runs.",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "turnstile",
			Subsystem: "journal",
			Name:      "prune_failures_total",
			Help:      "Total journal prune runs that failed.",
		}),
		EntriesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "turnstile",
			Subsystem: "journal",
			Name:      "entries_pruned_total",
			Help:      "Total journal entries deleted by the pruner.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "turnstile",
			Subsystem: "journal",
			Name:      "prune_duration_seconds",
			Help:      "Duration of each prune run.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}

	reg.MustRegister(
		m.Runs,
		m.Failures,
		m.EntriesPruned,
		m.RunDuration,
	)

	return m
}
