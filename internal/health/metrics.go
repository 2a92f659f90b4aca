package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "switch_bank_circuit_state",
		Help: "Circuit state per bank (0=closed, 1=open, 2=half-open)",
	}, []string{"bank"})

	circuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switch_bank_circuit_transitions_total",
		Help: "Circuit transitions per bank and target state",
	}, []string{"bank", "to"})

	bankCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switch_bank_calls_total",
		Help: "Calls to participant banks by outcome",
	}, []string{"bank", "outcome"})

	bankLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "switch_bank_call_duration_seconds",
		Help:    "Latency of calls to participant banks",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"bank"})
)
