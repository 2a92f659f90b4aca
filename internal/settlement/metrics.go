package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switch_settlement_batches_closed_total",
			Help: "Settlement batches formed and closed",
		},
	)

	batchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switch_settlement_batches_finalized_total",
			Help: "Reconciled settlement batches by outcome",
		},
		[]string{"status"},
	)

	batchVolume = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "switch_settlement_batch_volume",
			Help:    "Interbank volume per batch in minor units",
			Buckets: prometheus.ExponentialBuckets(100, 10, 10),
		},
	)
)
