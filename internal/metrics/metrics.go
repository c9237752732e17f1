// Package metrics exposes Prometheus instrumentation for tuning runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gaintune"

// Outcome labels for evaluations.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Metrics groups the collectors updated by the evaluator and the server.
type Metrics struct {
	Evaluations        *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	Episodes           prometheus.Counter
	Falls              prometheus.Counter
	BestScore          *prometheus.GaugeVec
	ActiveRuns         prometheus.Gauge
	Runs               *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is convenient in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Objective evaluations by outcome.",
		}, []string{"outcome"}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Wall time of one objective evaluation.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Episodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodes_total",
			Help:      "Simulated episodes run.",
		}),
		Falls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "falls_total",
			Help:      "Episodes cut short by a fall or instability.",
		}),
		BestScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_score",
			Help:      "Best score found so far per run.",
		}, []string{"run"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Tuning runs currently executing.",
		}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished tuning runs by final status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Evaluations,
			m.EvaluationDuration,
			m.Episodes,
			m.Falls,
			m.BestScore,
			m.ActiveRuns,
			m.Runs,
		)
	}
	return m
}

// ObserveEvaluation records one finished evaluation. It is safe on a nil
// receiver.
func (m *Metrics) ObserveEvaluation(elapsed time.Duration, failed bool) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if failed {
		outcome = OutcomeFailed
	}
	m.Evaluations.WithLabelValues(outcome).Inc()
	m.EvaluationDuration.Observe(elapsed.Seconds())
}

// ObserveEpisode records one finished episode.
func (m *Metrics) ObserveEpisode(fell bool) {
	if m == nil {
		return
	}
	m.Episodes.Inc()
	if fell {
		m.Falls.Inc()
	}
}
