package scavenge

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/rzbill/scavenger/internal/collisions"
	"github.com/rzbill/scavenger/internal/hashing"
	pebblestore "github.com/rzbill/scavenger/internal/storage/pebble"
)

const testChunkSize = 1000

func newTestState(t *testing.T) *State {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewState(db)
}

func testOptions() Options {
	return Options{
		ChunkSize:               testChunkSize,
		Threshold:               0,
		CalculatorCommitPeriod:  2,
		CancellationCheckPeriod: 1,
		IndexReadBatchSize:      2,
		MergeChunks:             true,
		StopAtLightChunk:        true,
	}
}

// testHasher hashes a name to its first byte so that names sharing a first
// letter collide.
var testHasher = hashing.HumanReadable

type harness struct {
	t      *testing.T
	state  *State
	index  *fakeIndex
	chunks *fakeChunks
	names  *fakeNames
	points *fakePoints
	scav   *Scavenger
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	state := newTestState(t)
	tracker, err := collisions.New(state, testHasher, 16)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	h := &harness{
		t:      t,
		state:  state,
		index:  newFakeIndex(testHasher),
		chunks: &fakeChunks{},
		names:  &fakeNames{byPos: map[int64]string{}},
		points: &fakePoints{},
	}
	h.scav, err = New(Dependencies{
		State:          state,
		Tracker:        tracker,
		Chunks:         h.chunks,
		Index:          h.index,
		ChunkManager:   h.chunks,
		IndexScavenger: h.index,
		Names:          h.names,
		Points:         h.points,
	}, opts)
	if err != nil {
		t.Fatalf("new scavenger: %v", err)
	}
	return h
}

// seed writes stream data directly in its own transaction.
func (h *harness) seed(handle StreamHandle, d StreamData) {
	h.t.Helper()
	if err := h.state.Begin(); err != nil {
		h.t.Fatalf("begin: %v", err)
	}
	if err := h.state.SetStreamData(handle, d); err != nil {
		h.t.Fatalf("seed %s: %v", handle, err)
	}
	if err := h.state.Commit(context.Background(), Calculating{Point: ScavengePoint{}}); err != nil {
		h.t.Fatalf("commit seed: %v", err)
	}
}

func (h *harness) streamData(handle StreamHandle) StreamData {
	h.t.Helper()
	d, ok, err := h.state.StreamData(handle)
	if err != nil || !ok {
		h.t.Fatalf("stream data %s: ok=%v err=%v", handle, ok, err)
	}
	return d
}

// fakeIndex is an in-memory stream index keyed by stream name.
type fakeIndex struct {
	hasher  hashing.Hasher
	entries map[string][]EventInfo
	// lastOverride replaces the last event number reported for a stream.
	lastOverride map[string]int64
	// onLast observes LastEventNumber calls.
	onLast func(StreamHandle)
	// onRead observes ReadEventInfoForward calls.
	onRead  func(StreamHandle, int64)
	removed []IndexEntry
}

func newFakeIndex(hasher hashing.Hasher) *fakeIndex {
	return &fakeIndex{hasher: hasher, entries: map[string][]EventInfo{}}
}

func (f *fakeIndex) add(stream string, evnum, pos int64) {
	f.entries[stream] = append(f.entries[stream], EventInfo{EventNumber: evnum, Position: pos})
	sort.Slice(f.entries[stream], func(i, j int) bool {
		return f.entries[stream][i].EventNumber < f.entries[stream][j].EventNumber
	})
}

func (f *fakeIndex) eventsOf(h StreamHandle, sp ScavengePoint) []EventInfo {
	var out []EventInfo
	for name, infos := range f.entries {
		if h.IsID() && name != h.ID() {
			continue
		}
		if h.IsHash() && f.hasher.Hash(name) != h.Hash() {
			continue
		}
		for _, e := range infos {
			if e.Position < sp.Position {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventNumber < out[j].EventNumber })
	return out
}

func (f *fakeIndex) LastEventNumber(_ context.Context, h StreamHandle, sp ScavengePoint) (int64, bool, error) {
	if f.onLast != nil {
		f.onLast(h)
	}
	for name, last := range f.lastOverride {
		if (h.IsID() && h.ID() == name) || (h.IsHash() && f.hasher.Hash(name) == h.Hash()) {
			return last, true, nil
		}
	}
	infos := f.eventsOf(h, sp)
	if len(infos) == 0 {
		return 0, false, nil
	}
	return infos[len(infos)-1].EventNumber, true, nil
}

func (f *fakeIndex) ReadEventInfoForward(_ context.Context, h StreamHandle, from int64, max int, sp ScavengePoint) ([]EventInfo, error) {
	if f.onRead != nil {
		f.onRead(h, from)
	}
	var out []EventInfo
	for _, e := range f.eventsOf(h, sp) {
		if e.EventNumber >= from && len(out) < max {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeIndex) ScavengeIndex(ctx context.Context, sp ScavengePoint, keep func(context.Context, IndexEntry) (bool, error)) (int, int, error) {
	kept, discarded := 0, 0
	names := make([]string, 0, len(f.entries))
	for n := range f.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		var survivors []EventInfo
		for _, e := range f.entries[n] {
			entry := IndexEntry{Hash: f.hasher.Hash(n), EventNumber: e.EventNumber, Position: e.Position}
			ok, err := keep(ctx, entry)
			if err != nil {
				return kept, discarded, err
			}
			if ok {
				kept++
				survivors = append(survivors, e)
				continue
			}
			discarded++
			f.removed = append(f.removed, entry)
		}
		f.entries[n] = survivors
	}
	return kept, discarded, nil
}

// fakeChunks serves both the accumulator's logical view and the executor's
// physical view of a chunk directory.
type fakeChunks struct {
	records  []AccumulatorRecord
	physical []PhysicalChunk
	contents map[string][]ChunkRecord
	switched []string
}

func (f *fakeChunks) ReadChunkRecords(_ context.Context, logicalChunk int, fn func(AccumulatorRecord) error) error {
	for _, r := range f.records {
		if int(r.Position/testChunkSize) != logicalChunk {
			continue
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeChunks) PhysicalChunks(_ context.Context, upTo int64) ([]PhysicalChunk, error) {
	var out []PhysicalChunk
	for _, c := range f.physical {
		if int64(c.Start)*testChunkSize < upTo {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeChunks) ReadRecords(_ context.Context, c PhysicalChunk, fn func(ChunkRecord) error) error {
	for _, r := range f.contents[c.Name] {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeChunks) NewChunkWriter(_ context.Context, c PhysicalChunk) (ChunkWriter, error) {
	return &fakeWriter{chunk: c}, nil
}

func (f *fakeChunks) SwitchChunk(_ context.Context, w ChunkWriter) (PhysicalChunk, error) {
	fw := w.(*fakeWriter)
	f.contents[fw.chunk.Name] = fw.records
	f.switched = append(f.switched, fw.chunk.Name)
	c := fw.chunk
	c.Size = int64(len(fw.records))
	return c, nil
}

type fakeWriter struct {
	chunk   PhysicalChunk
	records []ChunkRecord
	aborted bool
}

func (w *fakeWriter) Write(r ChunkRecord) error {
	w.records = append(w.records, r)
	return nil
}

func (w *fakeWriter) Abort() error {
	w.aborted = true
	return nil
}

type fakeNames struct {
	byPos map[int64]string
}

func (f *fakeNames) StreamNameAt(_ context.Context, pos int64) (string, bool, error) {
	n, ok := f.byPos[pos]
	return n, ok, nil
}

type fakePoints struct {
	points []ScavengePoint
	// block, when set, holds LatestScavengePoint until closed or cancelled.
	block chan struct{}
	// nextPosition is the position stamped on the next appended point.
	nextPosition int64
}

func (f *fakePoints) LatestScavengePoint(ctx context.Context) (ScavengePoint, bool, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ScavengePoint{}, false, ctx.Err()
		}
	}
	if len(f.points) == 0 {
		return ScavengePoint{}, false, nil
	}
	return f.points[len(f.points)-1], true, nil
}

func (f *fakePoints) AddScavengePoint(_ context.Context, expectedVersion int64, threshold float64) (ScavengePoint, error) {
	latest := int64(-1)
	if len(f.points) > 0 {
		latest = f.points[len(f.points)-1].EventNumber
	}
	if latest != expectedVersion {
		return ScavengePoint{}, ErrConflict
	}
	sp := ScavengePoint{
		Position:     f.nextPosition,
		EventNumber:  latest + 1,
		EffectiveNow: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Threshold:    threshold,
	}
	f.points = append(f.points, sp)
	return sp, nil
}
