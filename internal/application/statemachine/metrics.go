package statemachine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "negotiation"
	subsystem        = "statemachine"
)

var (
	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "cycles_total",
			Help:      "Total number of polling cycles run by a driver",
		},
		[]string{"driver"},
	)

	// outcome: "modified", "unmodified", "failed", "save_failed"
	processedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "entities_processed_total",
			Help:      "Total number of entities processed, by state and outcome",
		},
		[]string{"driver", "state", "outcome"},
	)

	processingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "entity_processing_duration_seconds",
			Help:      "Time taken to process one leased entity",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"driver", "state"},
	)

	storeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "store_errors_total",
			Help:      "Total number of store operations that failed during a cycle",
		},
		[]string{"driver", "operation"},
	)

	batchSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "last_batch_size",
			Help:      "Number of entities leased in the last cycle",
		},
		[]string{"driver"},
	)
)
