package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_policy_evaluations_total",
			Help: "Total number of safety policy evaluations",
		},
		[]string{"decision", "mode"},
	)

	policyEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solver_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating safety policies",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"mode"},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_policy_errors_total",
			Help: "Policy evaluation errors",
		},
		[]string{"mode"},
	)

	policyCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_policy_cache_lookups_total",
			Help: "Decision cache lookups by result",
		},
		[]string{"result"},
	)

	policiesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "solver_policies_loaded",
			Help: "Number of policy modules currently compiled",
		},
	)
)

func recordEvaluation(d *Decision, mode string, seconds float64) {
	decision := "allow"
	switch {
	case d.DryRun:
		decision = "dry_run_deny"
	case !d.Allow:
		decision = "deny"
	}
	policyEvaluations.WithLabelValues(decision, mode).Inc()
	policyEvaluationDuration.WithLabelValues(mode).Observe(seconds)
}

func recordError(mode string) {
	policyErrors.WithLabelValues(mode).Inc()
}

func recordCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	policyCacheLookups.WithLabelValues(result).Inc()
}

func recordPolicyLoad(count int) {
	policiesLoaded.Set(float64(count))
}
