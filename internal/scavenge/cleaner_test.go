package scavenge

import (
	"context"
	"testing"
)

func (h *harness) clean() {
	h.t.Helper()
	if _, err := h.scav.clean(context.Background(), h.scav.logger, Cleaning{Point: testPoint}); err != nil {
		h.t.Fatalf("clean: %v", err)
	}
}

func (h *harness) hasStreamData(handle StreamHandle) bool {
	h.t.Helper()
	_, ok, err := h.state.StreamData(handle)
	if err != nil {
		h.t.Fatalf("stream data %s: %v", handle, err)
	}
	return ok
}

func TestCleanKeepsTombstonedStreamsWhileChunksCarryWeight(t *testing.T) {
	opts := testOptions()
	opts.UnsafeIgnoreHardDeletes = true
	h := newHarness(t, opts)
	s := ForHash(testHasher.Hash("s"))
	h.seed(s, StreamData{IsTombstoned: true, Status: StatusSpent, LastMetadataPosition: NoPosition})
	h.setWeight(1, discardWeight)

	h.clean()
	if !h.hasStreamData(s) {
		t.Fatalf("tombstoned stream dropped while chunk 1 still holds its records")
	}

	// chunk 1 rewritten
	if err := h.state.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := h.state.ResetChunkWeights(1, 1); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := h.state.Commit(context.Background(), Cleaning{Point: testPoint}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	h.clean()
	if h.hasStreamData(s) {
		t.Fatalf("tombstoned stream kept after every chunk was rewritten")
	}
}

func TestCleanSafeModeKeepsTombstonedStreams(t *testing.T) {
	h := newHarness(t, testOptions())
	s := ForHash(testHasher.Hash("s"))
	h.seed(s, StreamData{IsTombstoned: true, Status: StatusSpent, LastMetadataPosition: NoPosition})

	h.clean()
	if !h.hasStreamData(s) {
		t.Fatalf("safe mode dropped tombstoned stream data")
	}
}
