package scavenge

import (
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Phase enumerates the stages of a run in execution order.
type Phase uint8

const (
	PhaseAccumulating Phase = iota + 1
	PhaseCalculating
	PhaseExecutingChunks
	PhaseExecutingIndex
	PhaseMerging
	PhaseCleaning
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseAccumulating:
		return "accumulating"
	case PhaseCalculating:
		return "calculating"
	case PhaseExecutingChunks:
		return "executing_chunks"
	case PhaseExecutingIndex:
		return "executing_index"
	case PhaseMerging:
		return "merging"
	case PhaseCleaning:
		return "cleaning"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// Checkpoint is the resumable position of a run. Each variant carries only
// what its phase needs to resume.
type Checkpoint interface {
	Phase() Phase
	ScavengePoint() ScavengePoint
	isCheckpoint()
}

type Accumulating struct {
	Point ScavengePoint
	// DoneLogicalChunk is the last fully accumulated logical chunk, nil before the first.
	DoneLogicalChunk *int
}

type Calculating struct {
	Point ScavengePoint
	// DoneStreamHandle is the last stream whose calculation was committed.
	DoneStreamHandle *StreamHandle
}

type ExecutingChunks struct {
	Point            ScavengePoint
	DoneLogicalChunk *int
}

type ExecutingIndex struct{ Point ScavengePoint }

type Merging struct{ Point ScavengePoint }

type Cleaning struct{ Point ScavengePoint }

type Done struct{ Point ScavengePoint }

func (Accumulating) Phase() Phase    { return PhaseAccumulating }
func (Calculating) Phase() Phase     { return PhaseCalculating }
func (ExecutingChunks) Phase() Phase { return PhaseExecutingChunks }
func (ExecutingIndex) Phase() Phase  { return PhaseExecutingIndex }
func (Merging) Phase() Phase         { return PhaseMerging }
func (Cleaning) Phase() Phase        { return PhaseCleaning }
func (Done) Phase() Phase            { return PhaseDone }

func (c Accumulating) ScavengePoint() ScavengePoint    { return c.Point }
func (c Calculating) ScavengePoint() ScavengePoint     { return c.Point }
func (c ExecutingChunks) ScavengePoint() ScavengePoint { return c.Point }
func (c ExecutingIndex) ScavengePoint() ScavengePoint  { return c.Point }
func (c Merging) ScavengePoint() ScavengePoint         { return c.Point }
func (c Cleaning) ScavengePoint() ScavengePoint        { return c.Point }
func (c Done) ScavengePoint() ScavengePoint            { return c.Point }

func (Accumulating) isCheckpoint()    {}
func (Calculating) isCheckpoint()     {}
func (ExecutingChunks) isCheckpoint() {}
func (ExecutingIndex) isCheckpoint()  {}
func (Merging) isCheckpoint()         {}
func (Cleaning) isCheckpoint()        {}
func (Done) isCheckpoint()            {}

type pointRecord struct {
	Position     int64   `msgpack:"p"`
	EventNumber  int64   `msgpack:"n"`
	EffectiveNow int64   `msgpack:"t"`
	Threshold    float64 `msgpack:"w"`
}

func toPointRecord(sp ScavengePoint) pointRecord {
	return pointRecord{
		Position:     sp.Position,
		EventNumber:  sp.EventNumber,
		EffectiveNow: unixNano(sp.EffectiveNow),
		Threshold:    sp.Threshold,
	}
}

func (r pointRecord) point() ScavengePoint {
	return ScavengePoint{
		Position:     r.Position,
		EventNumber:  r.EventNumber,
		EffectiveNow: fromUnixNano(r.EffectiveNow),
		Threshold:    r.Threshold,
	}
}

// unixNano maps the zero time to 0 so that it survives a round trip.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// checkpointRecord is the persisted form: discriminant plus payload.
type checkpointRecord struct {
	Phase  Phase       `msgpack:"k"`
	Point  pointRecord `msgpack:"sp"`
	Chunk  *int        `msgpack:"c,omitempty"`
	Handle []byte      `msgpack:"h,omitempty"`
}

func encodeCheckpoint(cp Checkpoint) ([]byte, error) {
	rec := checkpointRecord{Phase: cp.Phase(), Point: toPointRecord(cp.ScavengePoint())}
	switch c := cp.(type) {
	case Accumulating:
		rec.Chunk = c.DoneLogicalChunk
	case Calculating:
		if c.DoneStreamHandle != nil {
			rec.Handle = c.DoneStreamHandle.appendKey(nil)
		}
	case ExecutingChunks:
		rec.Chunk = c.DoneLogicalChunk
	}
	b, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, errors.Wrap(err, "marshal checkpoint")
	}
	return b, nil
}

func decodeCheckpoint(b []byte) (Checkpoint, error) {
	var rec checkpointRecord
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return nil, errors.Wrap(err, "unmarshal checkpoint")
	}
	sp := rec.Point.point()
	switch rec.Phase {
	case PhaseAccumulating:
		return Accumulating{Point: sp, DoneLogicalChunk: rec.Chunk}, nil
	case PhaseCalculating:
		c := Calculating{Point: sp}
		if len(rec.Handle) > 0 {
			h, err := decodeHandle(rec.Handle)
			if err != nil {
				return nil, errors.Wrap(err, "checkpoint handle")
			}
			c.DoneStreamHandle = &h
		}
		return c, nil
	case PhaseExecutingChunks:
		return ExecutingChunks{Point: sp, DoneLogicalChunk: rec.Chunk}, nil
	case PhaseExecutingIndex:
		return ExecutingIndex{Point: sp}, nil
	case PhaseMerging:
		return Merging{Point: sp}, nil
	case PhaseCleaning:
		return Cleaning{Point: sp}, nil
	case PhaseDone:
		return Done{Point: sp}, nil
	default:
		return nil, errors.Errorf("unknown checkpoint phase %d", rec.Phase)
	}
}

func intPtr(v int) *int { return &v }
