package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "solver_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"name", "from_state", "to_state"},
	)

	breakerRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_circuit_breaker_rejected_total",
			Help: "Calls rejected without reaching the upstream",
		},
		[]string{"name"},
	)

	breakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "solver_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the circuit breaker entered open state (0 if not open)",
		},
		[]string{"name"},
	)
)

func observe(b *Breaker) {
	breakerState.WithLabelValues(b.name).Set(float64(StateClosed))
}

func stateChanged(name string, from, to State) {
	breakerStateChanges.WithLabelValues(name, from.String(), to.String()).Inc()
	breakerState.WithLabelValues(name).Set(float64(to))
	if to == StateOpen {
		breakerOpenSince.WithLabelValues(name).SetToCurrentTime()
	} else if from == StateOpen {
		breakerOpenSince.WithLabelValues(name).Set(0)
	}
}

func recordRejected(name string) {
	breakerRejected.WithLabelValues(name).Inc()
}
