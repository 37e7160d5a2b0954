package scavenge

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func i64(v int64) *int64                 { return &v }
func dur(d time.Duration) *time.Duration { return &d }

var testPoint = ScavengePoint{
	Position:     10_000,
	EventNumber:  0,
	EffectiveNow: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
}

func active(md StreamMetadata) StreamData {
	return StreamData{Metadata: md, Status: StatusActive, LastMetadataPosition: NoPosition}
}

func (h *harness) calculate(ctx context.Context, cp Calculating) error {
	_, err := h.scav.calculate(ctx, h.scav.logger, cp)
	return err
}

func TestCalculateMaxCountKeepsLastTwo(t *testing.T) {
	h := newHarness(t, testOptions())
	s := ForHash(testHasher.Hash("s"))
	h.seed(s, active(StreamMetadata{MaxCount: i64(2)}))
	for n := int64(0); n <= 4; n++ {
		h.index.add("s", n, 10+n)
	}

	if err := h.calculate(context.Background(), Calculating{Point: testPoint}); err != nil {
		t.Fatalf("calculate: %v", err)
	}
	d := h.streamData(s)
	if d.DiscardPoint != DiscardIncluding(2) {
		t.Fatalf("discard point: want %s, got %s", DiscardIncluding(2), d.DiscardPoint)
	}
	if d.MaybeDiscardPoint != DiscardIncluding(2) {
		t.Fatalf("maybe discard point: want %s, got %s", DiscardIncluding(2), d.MaybeDiscardPoint)
	}
	w, err := h.state.ChunkWeight(0)
	if err != nil {
		t.Fatalf("weight: %v", err)
	}
	if w != 3*discardWeight {
		t.Fatalf("chunk weight: want %v, got %v", 3*discardWeight, w)
	}
	cp, ok, err := h.state.Checkpoint()
	if err != nil || !ok {
		t.Fatalf("checkpoint: ok=%v err=%v", ok, err)
	}
	if _, isExec := cp.(ExecutingChunks); !isExec {
		t.Fatalf("want ExecutingChunks checkpoint, got %T", cp)
	}
}

func TestCalculateMaxAgeUsesChunkTimeRanges(t *testing.T) {
	h := newHarness(t, testOptions())
	now := testPoint.EffectiveNow
	if err := h.state.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	ranges := map[int][]time.Time{
		0: {now.Add(-5 * time.Hour), now.Add(-4 * time.Hour)},
		1: {now.Add(-2 * time.Hour), now.Add(-10 * time.Minute)},
		2: {now.Add(-5 * time.Minute), now.Add(-time.Minute)},
	}
	for chunk, times := range ranges {
		for _, ts := range times {
			if err := h.state.ExtendChunkTimeStampRange(chunk, ts); err != nil {
				t.Fatalf("extend: %v", err)
			}
		}
	}
	if err := h.state.Commit(context.Background(), Calculating{Point: testPoint}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	s := ForHash(testHasher.Hash("s"))
	h.seed(s, active(StreamMetadata{MaxAge: dur(time.Hour)}))
	h.index.add("s", 0, 10)
	h.index.add("s", 1, 1010)
	h.index.add("s", 2, 2010)
	h.index.add("s", 3, 2020)

	if err := h.calculate(context.Background(), Calculating{Point: testPoint}); err != nil {
		t.Fatalf("calculate: %v", err)
	}
	d := h.streamData(s)
	if d.DiscardPoint != DiscardIncluding(0) {
		t.Fatalf("discard point: got %s", d.DiscardPoint)
	}
	if d.MaybeDiscardPoint != DiscardIncluding(1) {
		t.Fatalf("maybe discard point: got %s", d.MaybeDiscardPoint)
	}
	if w, _ := h.state.ChunkWeight(1); w != maybeDiscardWeight {
		t.Fatalf("chunk 1 weight: got %v", w)
	}
}

func TestCalculateTombstonedStreamIsSpent(t *testing.T) {
	h := newHarness(t, testOptions())
	s := ForHash(testHasher.Hash("s"))
	d := active(StreamMetadata{})
	d.IsTombstoned = true
	h.seed(s, d)
	for n := int64(0); n <= 2; n++ {
		h.index.add("s", n, 10+n)
	}
	h.index.add("s", math.MaxInt64, 20)

	if err := h.calculate(context.Background(), Calculating{Point: testPoint}); err != nil {
		t.Fatalf("calculate: %v", err)
	}
	got := h.streamData(s)
	if got.DiscardPoint != DiscardIncluding(2) {
		t.Fatalf("discard point: got %s", got.DiscardPoint)
	}
	if got.Status != StatusSpent {
		t.Fatalf("status: want spent, got %d", got.Status)
	}
	if got.DiscardPoint.ShouldDiscard(math.MaxInt64) {
		t.Fatalf("tombstone must survive")
	}
	streams, err := h.state.ActiveStreams(nil, 0)
	if err != nil {
		t.Fatalf("active streams: %v", err)
	}
	if len(streams) != 0 {
		t.Fatalf("spent stream still active: %v", streams)
	}
}

func TestCalculateUnsafeModeWeighsTombstone(t *testing.T) {
	for _, unsafe := range []bool{false, true} {
		opts := testOptions()
		opts.UnsafeIgnoreHardDeletes = unsafe
		h := newHarness(t, opts)
		s := ForHash(testHasher.Hash("s"))
		d := active(StreamMetadata{})
		d.IsTombstoned = true
		h.seed(s, d)
		h.index.add("s", math.MaxInt64, 3*testChunkSize+5)

		if err := h.calculate(context.Background(), Calculating{Point: testPoint}); err != nil {
			t.Fatalf("calculate (unsafe=%v): %v", unsafe, err)
		}
		w, err := h.state.ChunkWeight(3)
		if err != nil {
			t.Fatalf("weight: %v", err)
		}
		want := 0.0
		if unsafe {
			want = discardWeight
		}
		if w != want {
			t.Fatalf("unsafe=%v: tombstone chunk weight want %v, got %v", unsafe, want, w)
		}
	}
}

func TestCalculateEmptyStreamKeepsAll(t *testing.T) {
	h := newHarness(t, testOptions())
	s := ForHash(testHasher.Hash("s"))
	h.seed(s, active(StreamMetadata{TruncateBefore: i64(10)}))

	if err := h.calculate(context.Background(), Calculating{Point: testPoint}); err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if d := h.streamData(s); !d.DiscardPoint.IsKeepAll() {
		t.Fatalf("want KeepAll, got %s", d.DiscardPoint)
	}
}

func TestCalculateWithoutKeepBoundaryFails(t *testing.T) {
	h := newHarness(t, testOptions())
	s := ForHash(testHasher.Hash("s"))
	h.seed(s, active(StreamMetadata{MaxCount: i64(1)}))
	for n := int64(0); n <= 3; n++ {
		h.index.add("s", n, 10+n)
	}
	// the last event number lies beyond every readable entry
	h.index.lastOverride = map[string]int64{"s": 5}

	err := h.calculate(context.Background(), Calculating{Point: testPoint})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("want invariant violation, got %v", err)
	}
	if h.state.InTransaction() {
		t.Fatalf("transaction left open")
	}
	if d := h.streamData(s); !d.DiscardPoint.IsKeepAll() {
		t.Fatalf("failed calculation must not persist, got %s", d.DiscardPoint)
	}
}

var calcStreams = []string{"a", "b", "c", "d", "e", "f"}

func seedCalcStreams(h *harness) {
	for i, name := range calcStreams {
		h.seed(ForHash(testHasher.Hash(name)), active(StreamMetadata{MaxCount: i64(int64(i%3 + 1))}))
		for n := int64(0); n < 5; n++ {
			h.index.add(name, n, int64(i)*1000+n)
		}
	}
}

func TestCalculateCancelAndResumeMatchesUninterrupted(t *testing.T) {
	ctx := context.Background()

	want := newHarness(t, testOptions())
	seedCalcStreams(want)
	if err := want.calculate(ctx, Calculating{Point: testPoint}); err != nil {
		t.Fatalf("uninterrupted: %v", err)
	}

	got := newHarness(t, testOptions())
	seedCalcStreams(got)
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	got.index.onLast = func(h StreamHandle) {
		if h == ForHash(testHasher.Hash("d")) {
			cancel()
		}
	}
	err := got.calculate(cctx, Calculating{Point: testPoint})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want cancellation, got %v", err)
	}

	cp, ok, err := got.state.Checkpoint()
	if err != nil || !ok {
		t.Fatalf("checkpoint: ok=%v err=%v", ok, err)
	}
	calc, isCalc := cp.(Calculating)
	if !isCalc || calc.DoneStreamHandle == nil {
		t.Fatalf("want Calculating with a stream, got %#v", cp)
	}
	if *calc.DoneStreamHandle != ForHash(testHasher.Hash("b")) {
		t.Fatalf("checkpoint at %s, want last committed stream b", calc.DoneStreamHandle)
	}
	if d := got.streamData(ForHash(testHasher.Hash("c"))); !d.DiscardPoint.IsKeepAll() {
		t.Fatalf("uncommitted stream c leaked: %s", d.DiscardPoint)
	}

	got.index.onLast = nil
	if err := got.calculate(ctx, calc); err != nil {
		t.Fatalf("resume: %v", err)
	}
	for i, name := range calcStreams {
		hdl := ForHash(testHasher.Hash(name))
		w, g := want.streamData(hdl), got.streamData(hdl)
		if w.DiscardPoint != g.DiscardPoint || w.MaybeDiscardPoint != g.MaybeDiscardPoint || w.Status != g.Status {
			t.Fatalf("stream %s: want %+v, got %+v", name, w, g)
		}
		ww, _ := want.state.ChunkWeight(i)
		gw, _ := got.state.ChunkWeight(i)
		if ww != gw {
			t.Fatalf("chunk %d weight: want %v, got %v", i, ww, gw)
		}
	}
}

func TestCalculateStopsWhenCancelledInsideLongStream(t *testing.T) {
	opts := testOptions()
	opts.CancellationCheckPeriod = 1000
	h := newHarness(t, opts)
	s := ForHash(testHasher.Hash("s"))
	h.seed(s, active(StreamMetadata{MaxCount: i64(1)}))
	for n := int64(0); n < 200; n++ {
		h.index.add("s", n, 10+n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reads := 0
	h.index.onRead = func(StreamHandle, int64) {
		reads++
		cancel()
	}
	if err := h.calculate(ctx, Calculating{Point: testPoint}); !errors.Is(err, context.Canceled) {
		t.Fatalf("want cancellation, got %v", err)
	}
	if reads != 1 {
		t.Fatalf("stream scan continued after cancellation: %d batch reads", reads)
	}
	if d := h.streamData(s); !d.DiscardPoint.IsKeepAll() {
		t.Fatalf("cancelled stream committed discard point %s", d.DiscardPoint)
	}
	if w, err := h.state.ChunkWeight(0); err != nil || w != 0 {
		t.Fatalf("cancelled stream committed chunk weight %v (err %v)", w, err)
	}
	cp, ok, err := h.state.Checkpoint()
	if err != nil || !ok {
		t.Fatalf("checkpoint: ok=%v err=%v", ok, err)
	}
	if calc, isCalc := cp.(Calculating); !isCalc || calc.DoneStreamHandle != nil {
		t.Fatalf("cancelled calculation moved the checkpoint: %#v", cp)
	}
}

func TestCalculateNeverMovesDiscardPointBackward(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("discard points are monotonic across recalculation", prop.ForAll(
		func(first, second int64, events int) bool {
			h := newHarness(t, testOptions())
			s := ForHash(testHasher.Hash("s"))
			h.seed(s, active(StreamMetadata{MaxCount: i64(first)}))
			for n := int64(0); n < int64(events); n++ {
				h.index.add("s", n, 10+n)
			}
			if err := h.calculate(context.Background(), Calculating{Point: testPoint}); err != nil {
				return false
			}
			before := h.streamData(s)

			changed := before
			changed.Metadata = StreamMetadata{MaxCount: i64(second)}
			changed.Status = StatusActive
			h.seed(s, changed)
			if err := h.calculate(context.Background(), Calculating{Point: testPoint}); err != nil {
				return false
			}
			after := h.streamData(s)
			return before.DiscardPoint.Compare(after.DiscardPoint) <= 0 &&
				before.MaybeDiscardPoint.Compare(after.MaybeDiscardPoint) <= 0 &&
				after.DiscardPoint.Compare(after.MaybeDiscardPoint) <= 0
		},
		gen.Int64Range(1, 8),
		gen.Int64Range(1, 8),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
