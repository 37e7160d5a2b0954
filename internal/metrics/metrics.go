package metrics

import (
	"time"

	pebblestore "github.com/rzbill/scavenger/internal/storage/pebble"
)

// RecordStorageOperation records one key-value store operation.
func (r *Registry) RecordStorageOperation(store, operation string, duration time.Duration, bytes int) {
	if r == nil {
		return
	}
	r.StorageOperationsTotal.WithLabelValues(store, operation).Inc()
	r.StorageOperationDuration.WithLabelValues(store, operation).Observe(duration.Seconds())
	if bytes > 0 {
		r.StorageBytesTotal.WithLabelValues(store, operation).Add(float64(bytes))
	}
}

// StorageHook adapts the registry to pebblestore.MetricsHook for one store.
func (r *Registry) StorageHook(store string) pebblestore.MetricsHook {
	if r == nil {
		return pebblestore.NoopMetrics{}
	}
	return storageHook{r: r, store: store}
}

type storageHook struct {
	r     *Registry
	store string
}

func (h storageHook) ObserveWrite(d time.Duration, bytes int) {
	h.r.RecordStorageOperation(h.store, "write", d, bytes)
}

func (h storageHook) ObserveRead(d time.Duration, bytes int) {
	h.r.RecordStorageOperation(h.store, "read", d, bytes)
}

func (h storageHook) ObserveBatchCommit(d time.Duration, _ int, bytes int) {
	h.r.RecordStorageOperation(h.store, "commit", d, bytes)
}

// RecordRun records the final status of a scavenge run.
func (r *Registry) RecordRun(status string) {
	if r == nil {
		return
	}
	r.ScavengeRunsTotal.WithLabelValues(status).Inc()
	r.ScavengeCurrentPhase.Set(0)
}

// PhaseStarted publishes the ordinal of the phase now executing.
func (r *Registry) PhaseStarted(ordinal int) {
	if r == nil {
		return
	}
	r.ScavengeCurrentPhase.Set(float64(ordinal))
}

// RecordPhase records how long a phase took.
func (r *Registry) RecordPhase(phase string, duration time.Duration) {
	if r == nil {
		return
	}
	r.ScavengePhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

func (r *Registry) AddStreamsCalculated(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.ScavengeStreamsCalculated.Add(float64(n))
}

func (r *Registry) AddAccumulatedRecords(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.ScavengeAccumulatedRecords.Add(float64(n))
}

// RecordChunk records the outcome of one physical chunk visit: rewritten or skipped.
func (r *Registry) RecordChunk(outcome string, kept, discarded int, reclaimed int64) {
	if r == nil {
		return
	}
	r.ScavengeChunksTotal.WithLabelValues(outcome).Inc()
	r.ScavengeRecordsTotal.WithLabelValues("kept").Add(float64(kept))
	r.ScavengeRecordsTotal.WithLabelValues("discarded").Add(float64(discarded))
	if reclaimed > 0 {
		r.ScavengeBytesReclaimed.Add(float64(reclaimed))
	}
}

func (r *Registry) RecordIndexEntries(kept, discarded int) {
	if r == nil {
		return
	}
	r.ScavengeIndexEntriesTotal.WithLabelValues("kept").Add(float64(kept))
	r.ScavengeIndexEntriesTotal.WithLabelValues("discarded").Add(float64(discarded))
}

func (r *Registry) SetCollidingNames(n int) {
	if r == nil {
		return
	}
	r.CollidingNames.Set(float64(n))
}

func (r *Registry) RecordHashCacheLookup(hit bool) {
	if r == nil {
		return
	}
	if hit {
		r.HashCacheLookupTotal.WithLabelValues("hit").Inc()
		return
	}
	r.HashCacheLookupTotal.WithLabelValues("miss").Inc()
}

func (r *Registry) RecordFilterLookup(mightExist bool) {
	if r == nil {
		return
	}
	if mightExist {
		r.FilterLookupsTotal.WithLabelValues("maybe").Inc()
		return
	}
	r.FilterLookupsTotal.WithLabelValues("absent").Inc()
}

func (r *Registry) RecordFilterFlush(err error, checkpoint int64) {
	if r == nil {
		return
	}
	if err != nil {
		r.FilterFlushesTotal.WithLabelValues("error").Inc()
		return
	}
	r.FilterFlushesTotal.WithLabelValues("ok").Inc()
	r.FilterCheckpoint.Set(float64(checkpoint))
}

func (r *Registry) RecordFilterRebuild() {
	if r == nil {
		return
	}
	r.FilterRebuildTotal.Inc()
}
