package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics of one scavenger process. Every method is safe on
// a nil *Registry so components can run without metrics in tests.
type Registry struct {
	// Storage
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	StorageBytesTotal        *prometheus.CounterVec

	// Scavenge
	ScavengeRunsTotal          *prometheus.CounterVec
	ScavengePhaseDuration      *prometheus.HistogramVec
	ScavengeCurrentPhase       prometheus.Gauge
	ScavengeStreamsCalculated  prometheus.Counter
	ScavengeRecordsTotal       *prometheus.CounterVec
	ScavengeChunksTotal        *prometheus.CounterVec
	ScavengeBytesReclaimed     prometheus.Counter
	ScavengeIndexEntriesTotal  *prometheus.CounterVec
	ScavengeAccumulatedRecords prometheus.Counter

	// Collisions
	CollidingNames       prometheus.Gauge
	HashCacheLookupTotal *prometheus.CounterVec

	// Existence filter
	FilterLookupsTotal *prometheus.CounterVec
	FilterFlushesTotal *prometheus.CounterVec
	FilterRebuildTotal prometheus.Counter
	FilterCheckpoint   prometheus.Gauge

	registry *prometheus.Registry
}

// NewRegistry creates a registry with every metric initialized.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.initStorageMetrics()
	r.initScavengeMetrics()
	r.initFilterMetrics()
	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}
