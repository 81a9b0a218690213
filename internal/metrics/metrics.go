// Package metrics provides Prometheus metrics for billscope.
// All metrics use the "billscope" namespace and are registered with the default
// registry via promauto, so they are served on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "billscope"

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeNoData  = "no_data"
)

var (
	// DetectionRunsTotal counts detection runs by outcome.
	DetectionRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_runs_total",
			Help:      "Total number of anomaly detection runs by outcome.",
		},
		[]string{"outcome"},
	)

	// AnomalyFindingsTotal counts reported findings by type and severity.
	AnomalyFindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomaly_findings_total",
			Help:      "Total number of anomaly findings by type and severity.",
		},
		[]string{"type", "severity"},
	)

	// SimulationRunsTotal counts what-if simulations by basis and outcome.
	// basis: BILL | USAGE | none
	SimulationRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simulation_runs_total",
			Help:      "Total number of what-if simulations by basis and outcome.",
		},
		[]string{"basis", "outcome"},
	)

	DetectionDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_duration_seconds",
			Help:      "Duration of anomaly detection runs in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	SimulationDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "simulation_duration_seconds",
			Help:      "Duration of what-if simulations in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	// RateLimitedTotal counts requests rejected by the velocity limiter.
	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the per-user rate limit.",
		},
	)
)

// ObserveDetection records one detection run.
func ObserveDetection(outcome string, started time.Time) {
	DetectionRunsTotal.WithLabelValues(outcome).Inc()
	DetectionDurationSeconds.Observe(time.Since(started).Seconds())
}

// ObserveSimulation records one simulation.
func ObserveSimulation(basis, outcome string, started time.Time) {
	if basis == "" {
		basis = "none"
	}
	SimulationRunsTotal.WithLabelValues(basis, outcome).Inc()
	SimulationDurationSeconds.Observe(time.Since(started).Seconds())
}

// CountFinding records one reported finding.
func CountFinding(findingType, severity string) {
	AnomalyFindingsTotal.WithLabelValues(findingType, severity).Inc()
}
