package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initStorageMetrics() {
	r.StorageOperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "scavenger_storage_operations_total",
			Help: "Total number of key-value store operations",
		},
		[]string{"store", "operation"},
	)

	r.StorageOperationDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scavenger_storage_operation_duration_seconds",
			Help:    "Key-value store operation duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"store", "operation"},
	)

	r.StorageBytesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "scavenger_storage_bytes_total",
			Help: "Bytes moved through the key-value store",
		},
		[]string{"store", "operation"},
	)
}
