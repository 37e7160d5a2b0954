package scavenge

import (
	"context"
	"errors"
	"testing"
	"time"
)

// endToEnd lays out stream "s" with events 0..4 and a max-count 2 metadata
// event in read-only chunk c0, followed by an empty active chunk.
func endToEnd(h *harness) {
	h.points.nextPosition = 2000
	ts := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	h.chunks.contents = map[string][]ChunkRecord{}
	var c0 []ChunkRecord
	for n := int64(0); n <= 4; n++ {
		h.chunks.records = append(h.chunks.records, AccumulatorRecord{
			Type: OriginalStreamRecord, Stream: "s", EventNumber: n, Position: 10 + n, TimeStamp: ts,
		})
		h.index.add("s", n, 10+n)
		c0 = append(c0, event("s", n, 10+n))
	}
	h.chunks.records = append(h.chunks.records, AccumulatorRecord{
		Type: MetastreamRecord, Stream: "$$s", Original: "s", EventNumber: 0, Position: 15, TimeStamp: ts,
		Metadata: StreamMetadata{MaxCount: i64(2)},
	})
	h.index.add("$$s", 0, 15)
	c0 = append(c0, event("$$s", 0, 15))

	h.chunks.physical = []PhysicalChunk{
		{Start: 0, End: 0, ReadOnly: true, Name: "c0", Size: int64(len(c0))},
		{Start: 1, End: 1, Name: "c1"},
	}
	h.chunks.contents["c0"] = c0
}

func TestRunCompletesEveryPhase(t *testing.T) {
	h := newHarness(t, testOptions())
	endToEnd(h)

	res, err := h.scav.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != RunSuccess || res.Phase != PhaseDone {
		t.Fatalf("result: %+v", res)
	}
	if res.Point.EventNumber != 0 || res.Point.Position != 2000 {
		t.Fatalf("point: %+v", res.Point)
	}
	for _, phase := range []Phase{PhaseAccumulating, PhaseCalculating, PhaseExecutingChunks, PhaseExecutingIndex, PhaseCleaning} {
		if _, ok := res.PhaseTimings[phase.String()]; !ok {
			t.Fatalf("no timing for %s", phase)
		}
	}

	got := h.chunks.contents["c0"]
	if len(got) != 3 || got[0].EventNumber != 3 || got[1].EventNumber != 4 || got[2].Stream != "$$s" {
		t.Fatalf("c0 after rewrite: %+v", got)
	}
	if len(h.index.removed) != 3 {
		t.Fatalf("index: want 3 entries removed, got %+v", h.index.removed)
	}
	if _, ok, _ := h.state.Checkpoint(); ok {
		t.Fatalf("checkpoint left after completion")
	}
	last, ok, _ := h.state.LastScavengePoint()
	if !ok || last != res.Point {
		t.Fatalf("last completed: ok=%v %+v", ok, last)
	}

	// the next run appends a fresh point
	res2, err := h.scav.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res2.Point.EventNumber != 1 {
		t.Fatalf("second point: %+v", res2.Point)
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t, testOptions())
	endToEnd(h)
	h.registerNames("s")
	h.seed(ForHash(testHasher.Hash("s")), StreamData{DiscardPoint: DiscardIncluding(0)})
	sp := ScavengePoint{Position: 2000, EventNumber: 9}
	if err := h.scav.transition(context.Background(), ExecutingIndex{Point: sp}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	res, err := h.scav.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Point != sp {
		t.Fatalf("resumed point: want %+v, got %+v", sp, res.Point)
	}
	if len(h.points.points) != 0 {
		t.Fatalf("resume created a scavenge point")
	}
	if len(h.chunks.switched) != 0 {
		t.Fatalf("chunks rewritten on resume past chunk execution")
	}
	if len(h.index.removed) != 1 {
		t.Fatalf("index: want event 0 removed, got %+v", h.index.removed)
	}
}

func TestRunConflictingPointCreationErrors(t *testing.T) {
	h := newHarness(t, testOptions())
	h.scav.deps.Points = conflictingPoints{}

	res, err := h.scav.Run(context.Background())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("want conflict, got %v", err)
	}
	if res.Status != RunErrored {
		t.Fatalf("status: %s", res.Status)
	}
}

type conflictingPoints struct{}

func (conflictingPoints) LatestScavengePoint(context.Context) (ScavengePoint, bool, error) {
	return ScavengePoint{}, false, nil
}

func (conflictingPoints) AddScavengePoint(context.Context, int64, float64) (ScavengePoint, error) {
	return ScavengePoint{}, ErrConflict
}

func TestServiceRejectsConcurrentRun(t *testing.T) {
	h := newHarness(t, testOptions())
	h.points.block = make(chan struct{})
	svc := NewService(h.scav, nil)

	runID, err := svc.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Start(context.Background()); !errors.Is(err, ErrScavengeInProgress) {
		t.Fatalf("want ErrScavengeInProgress, got %v", err)
	}
	if _, err := svc.RunSync(context.Background()); !errors.Is(err, ErrScavengeInProgress) {
		t.Fatalf("want ErrScavengeInProgress from RunSync, got %v", err)
	}
	if st := svc.Status(); !st.Running || st.RunID != runID {
		t.Fatalf("status: %+v", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopped, err := svc.Stop(ctx)
	if err != nil || !stopped {
		t.Fatalf("stop: stopped=%v err=%v", stopped, err)
	}
	st := svc.Status()
	if st.Running || st.Last == nil || st.Last.Status != RunStopped || st.Last.ID != runID {
		t.Fatalf("status after stop: %+v", st)
	}
	if stopped, _ := svc.Stop(ctx); stopped {
		t.Fatalf("stop without a run reported true")
	}
}

func TestServiceRunSync(t *testing.T) {
	h := newHarness(t, testOptions())
	endToEnd(h)
	svc := NewService(h.scav, nil)

	res, err := svc.RunSync(context.Background())
	if err != nil || res.Status != RunSuccess {
		t.Fatalf("run sync: status=%s err=%v", res.Status, err)
	}
	if st := svc.Status(); st.Running || st.Last == nil || st.Last.ID != res.ID {
		t.Fatalf("status: %+v", st)
	}
}
