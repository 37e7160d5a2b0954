package scavenge

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// registerNames runs collision detection for names in one committed transaction.
func (h *harness) registerNames(names ...string) {
	h.t.Helper()
	if err := h.state.Begin(); err != nil {
		h.t.Fatalf("begin: %v", err)
	}
	for _, n := range names {
		if err := h.scav.detectCollisions(n); err != nil {
			h.t.Fatalf("detect %q: %v", n, err)
		}
	}
	if err := h.state.Commit(context.Background(), Accumulating{Point: testPoint}); err != nil {
		h.t.Fatalf("commit: %v", err)
	}
}

func (h *harness) predicate(unsafe bool) *IndexKeepPredicate {
	return NewIndexKeepPredicate(h.state, h.scav.deps.Tracker, h.names, testPoint, unsafe)
}

func entry(name string, evnum, pos int64) IndexEntry {
	return IndexEntry{Hash: testHasher.Hash(name), EventNumber: evnum, Position: pos}
}

func mustKeep(t *testing.T, p *IndexKeepPredicate, e IndexEntry) bool {
	t.Helper()
	ok, err := p.Keep(context.Background(), e)
	if err != nil {
		t.Fatalf("keep %+v: %v", e, err)
	}
	return ok
}

func TestIndexKeepPredicateKeepAllDiscardsNothing(t *testing.T) {
	h := newHarness(t, testOptions())
	h.registerNames("s")
	h.seed(ForHash(testHasher.Hash("s")), StreamData{LastMetadataPosition: NoPosition})

	p := h.predicate(false)
	for n := int64(0); n < 50; n++ {
		if !mustKeep(t, p, entry("s", n, n)) {
			t.Fatalf("event %d of a KeepAll stream discarded", n)
		}
	}
}

func TestIndexKeepPredicateAppliesDiscardPoint(t *testing.T) {
	h := newHarness(t, testOptions())
	h.registerNames("s")
	h.seed(ForHash(testHasher.Hash("s")), StreamData{DiscardPoint: DiscardIncluding(2)})

	p := h.predicate(false)
	for n, want := range []bool{false, false, false, true, true} {
		if got := mustKeep(t, p, entry("s", int64(n), int64(n))); got != want {
			t.Fatalf("event %d: want keep=%v, got %v", n, want, got)
		}
	}
	// entries past the scavenge point are out of scope
	if !mustKeep(t, p, entry("s", 0, testPoint.Position)) {
		t.Fatalf("entry at the scavenge point discarded")
	}
	// unknown streams keep everything
	if !mustKeep(t, p, entry("zzz", 0, 1)) {
		t.Fatalf("entry of unknown stream discarded")
	}
}

func TestIndexKeepPredicateResolvesCollisionsByPosition(t *testing.T) {
	h := newHarness(t, testOptions())
	h.registerNames("a-1", "a-2")
	h.seed(ForID("a-1"), StreamData{DiscardPoint: DiscardIncluding(5)})
	h.seed(ForID("a-2"), StreamData{})
	h.names.byPos[10] = "a-1"
	h.names.byPos[11] = "a-2"

	p := h.predicate(false)
	if mustKeep(t, p, entry("a-1", 3, 10)) {
		t.Fatalf("a-1 event 3 kept")
	}
	if !mustKeep(t, p, entry("a-2", 3, 11)) {
		t.Fatalf("a-2 event 3 discarded")
	}
	if mustKeep(t, p, entry("a-1", 4, 10)) {
		t.Fatalf("a-1 event 4 kept after a-2 in focus")
	}
	// no record at the position: nothing owns the entry
	if mustKeep(t, p, entry("a-1", 100, 12)) {
		t.Fatalf("unresolvable entry kept")
	}
}

func TestIndexKeepPredicateTombstones(t *testing.T) {
	h := newHarness(t, testOptions())
	h.registerNames("s", "$$s")
	h.seed(ForHash(testHasher.Hash("s")), StreamData{IsTombstoned: true, DiscardPoint: DiscardIncluding(2)})
	h.seed(ForHash(testHasher.Hash("$$s")), StreamData{IsTombstoned: true, IsMetastream: true})

	safe := h.predicate(false)
	if !mustKeep(t, safe, entry("s", math.MaxInt64, 5)) {
		t.Fatalf("tombstone discarded in safe mode")
	}
	if !mustKeep(t, safe, entry("s", 3, 3)) {
		t.Fatalf("event after discard point discarded in safe mode")
	}
	if mustKeep(t, safe, entry("$$s", 0, 4)) {
		t.Fatalf("tombstoned metastream entry kept")
	}

	unsafe := h.predicate(true)
	if mustKeep(t, unsafe, entry("s", math.MaxInt64, 5)) {
		t.Fatalf("tombstone kept in unsafe mode")
	}
}

func TestIndexKeepPredicateIsIdempotent(t *testing.T) {
	h := newHarness(t, testOptions())
	names := []string{"a-1", "a-2", "b-1", "c-1"}
	h.registerNames(names...)
	h.seed(ForID("a-1"), StreamData{DiscardPoint: DiscardIncluding(3)})
	h.seed(ForID("a-2"), StreamData{IsTombstoned: true, DiscardPoint: DiscardIncluding(1)})
	h.seed(ForHash(testHasher.Hash("b-1")), StreamData{DiscardPoint: DiscardIncluding(6)})
	for i, n := range names {
		for ev := int64(0); ev < 10; ev++ {
			h.names.byPos[int64(i)*100+ev] = n
		}
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	p := h.predicate(false)

	properties.Property("keep is stable for a repeated entry", prop.ForAll(
		func(stream int, evnum int64, unresolvable bool) bool {
			pos := int64(stream)*100 + evnum
			if unresolvable {
				pos += 50
			}
			e := entry(names[stream], evnum, pos)
			first, err1 := p.Keep(context.Background(), e)
			second, err2 := p.Keep(context.Background(), e)
			return err1 == nil && err2 == nil && first == second
		},
		gen.IntRange(0, len(names)-1),
		gen.Int64Range(0, 9),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestIndexKeepPredicatePollsCancellation(t *testing.T) {
	h := newHarness(t, testOptions())
	h.registerNames("s")
	h.seed(ForHash(testHasher.Hash("s")), StreamData{LastMetadataPosition: NoPosition})

	p := h.predicate(false)
	p.cancelPeriod = 3
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for n := int64(0); n < 2; n++ {
		if _, err := p.Keep(ctx, entry("s", n, n)); err != nil {
			t.Fatalf("call %d checked ctx before the period: %v", n, err)
		}
	}
	if _, err := p.Keep(ctx, entry("s", 2, 2)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled on the third call, got %v", err)
	}
}
