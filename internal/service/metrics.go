package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sagaTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switch_saga_transitions_total",
			Help: "Persisted saga transitions",
		},
		[]string{"from", "to"},
	)

	terminalOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switch_transactions_terminal_total",
			Help: "Transactions reaching a terminal state",
		},
		[]string{"state"},
	)

	// Time spent in the switch itself, excluding bank round trips.
	switchOverhead = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "switch_overhead_seconds",
			Help:    "Saga wall time minus time waiting on banks",
			Buckets: []float64{.001, .005, .01, .025, .05, .075, .1, .25, .5, 1},
		},
	)

	reversalAlerts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switch_reversal_alerts_total",
			Help: "Reversals that exceeded the retry alert threshold",
		},
	)

	ownershipLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switch_saga_ownership_lost_total",
			Help: "Sagas that stopped after a version conflict",
		},
	)

	recovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switch_recovery_resumed_total",
			Help: "Stale transactions claimed by the recovery sweep",
		},
	)

	idempotentReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switch_idempotent_replays_total",
			Help: "Submissions answered from an existing transaction",
		},
		[]string{"result"},
	)
)
