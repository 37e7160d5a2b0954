package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initScavengeMetrics() {
	r.ScavengeRunsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "scavenger_scavenge_runs_total",
			Help: "Completed scavenge runs by final status",
		},
		[]string{"status"},
	)

	r.ScavengePhaseDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scavenger_scavenge_phase_duration_seconds",
			Help:    "Time spent in each scavenge phase",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"phase"},
	)

	r.ScavengeCurrentPhase = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "scavenger_scavenge_current_phase",
			Help: "Ordinal of the phase currently executing, 0 when idle",
		},
	)

	r.ScavengeStreamsCalculated = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "scavenger_scavenge_streams_calculated_total",
			Help: "Streams whose discard points were calculated",
		},
	)

	r.ScavengeRecordsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "scavenger_scavenge_records_total",
			Help: "Log records examined during chunk rewrites",
		},
		[]string{"outcome"},
	)

	r.ScavengeChunksTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "scavenger_scavenge_chunks_total",
			Help: "Physical chunks visited by the chunk executor",
		},
		[]string{"outcome"},
	)

	r.ScavengeBytesReclaimed = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "scavenger_scavenge_bytes_reclaimed_total",
			Help: "Bytes removed from chunk files by rewrites",
		},
	)

	r.ScavengeIndexEntriesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "scavenger_scavenge_index_entries_total",
			Help: "Index entries evaluated by the index executor",
		},
		[]string{"outcome"},
	)

	r.ScavengeAccumulatedRecords = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "scavenger_scavenge_accumulated_records_total",
			Help: "Log records read by the accumulator",
		},
	)

	r.CollidingNames = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "scavenger_collisions_names",
			Help: "Stream names known to share a hash with another stream",
		},
	)

	r.HashCacheLookupTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "scavenger_hash_cache_lookups_total",
			Help: "Hash to name cache lookups",
		},
		[]string{"result"},
	)
}
