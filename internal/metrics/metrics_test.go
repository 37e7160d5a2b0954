package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r.ScavengeRunsTotal == nil || r.FilterLookupsTotal == nil || r.StorageOperationsTotal == nil {
		t.Fatal("metrics not initialized")
	}
	if r.GetPrometheusRegistry() == nil {
		t.Fatal("prometheus registry not initialized")
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	r.RecordRun("success")
	r.RecordPhase("calculating", time.Second)
	r.RecordChunk("rewritten", 1, 2, 3)
	r.RecordFilterFlush(nil, 10)
	if r.GetPrometheusRegistry() != nil {
		t.Fatal("nil registry must expose nil prometheus registry")
	}
	r.StorageHook("state").ObserveRead(time.Millisecond, 10)
}

func TestScavengeCounters(t *testing.T) {
	r := NewRegistry()
	r.RecordRun("success")
	r.RecordRun("stopped")
	r.RecordRun("success")
	if got := testutil.ToFloat64(r.ScavengeRunsTotal.WithLabelValues("success")); got != 2 {
		t.Fatalf("success runs = %v", got)
	}

	r.RecordChunk("rewritten", 5, 3, 1024)
	r.RecordChunk("skipped", 0, 0, 0)
	if got := testutil.ToFloat64(r.ScavengeRecordsTotal.WithLabelValues("discarded")); got != 3 {
		t.Fatalf("discarded = %v", got)
	}
	if got := testutil.ToFloat64(r.ScavengeBytesReclaimed); got != 1024 {
		t.Fatalf("reclaimed = %v", got)
	}

	r.PhaseStarted(3)
	if got := testutil.ToFloat64(r.ScavengeCurrentPhase); got != 3 {
		t.Fatalf("current phase = %v", got)
	}
}

func TestStorageHookAndFilter(t *testing.T) {
	r := NewRegistry()
	h := r.StorageHook("index")
	h.ObserveBatchCommit(time.Millisecond, 4, 128)
	h.ObserveRead(time.Millisecond, 16)
	if got := testutil.ToFloat64(r.StorageBytesTotal.WithLabelValues("index", "commit")); got != 128 {
		t.Fatalf("commit bytes = %v", got)
	}

	r.RecordFilterFlush(nil, 42)
	r.RecordFilterFlush(errors.New("disk full"), 43)
	if got := testutil.ToFloat64(r.FilterCheckpoint); got != 42 {
		t.Fatalf("checkpoint gauge = %v", got)
	}
	if got := testutil.ToFloat64(r.FilterFlushesTotal.WithLabelValues("error")); got != 1 {
		t.Fatalf("flush errors = %v", got)
	}
}
