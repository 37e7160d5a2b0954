package scavenge

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrScavengeInProgress rejects a second concurrent run.
	ErrScavengeInProgress = errors.New("scavenge already in progress")
	// ErrInvariantViolation marks a state the discard logic must never reach.
	ErrInvariantViolation = errors.New("scavenge invariant violated")
	// ErrConflict is returned when the scavenge point stream moved underneath
	// a creation attempt. It is not retried.
	ErrConflict = errors.New("scavenge point conflict")
	// ErrNoTransaction guards writes made outside Begin/Commit.
	ErrNoTransaction = errors.New("no open scavenge state transaction")
)

// ScavengePoint bounds one run. Records at or past Position are out of scope.
type ScavengePoint struct {
	Position     int64
	EventNumber  int64
	EffectiveNow time.Time
	Threshold    float64
}

// Name is the human handle of the point, derived from its event number.
func (sp ScavengePoint) Name() string { return fmt.Sprintf("SP-%d", sp.EventNumber) }

func (sp ScavengePoint) String() string {
	return fmt.Sprintf("%s@%d", sp.Name(), sp.Position)
}

// StreamMetadata is the retention policy read from a metastream.
type StreamMetadata struct {
	MaxAge         *time.Duration
	MaxCount       *int64
	TruncateBefore *int64
}

// IsEmpty reports whether no retention rule is set.
func (m StreamMetadata) IsEmpty() bool {
	return m.MaxAge == nil && m.MaxCount == nil && m.TruncateBefore == nil
}

// CalculationStatus tracks whether a stream still needs the calculator.
type CalculationStatus uint8

const (
	StatusNone CalculationStatus = iota
	// StatusActive streams are recalculated every run.
	StatusActive
	// StatusSpent streams are tombstoned and already calculated.
	StatusSpent
)

// NoPosition marks an unknown log position.
const NoPosition int64 = -1

// StreamData is the per-stream scavenge record for original streams and
// metastreams alike.
type StreamData struct {
	DiscardPoint      DiscardPoint
	MaybeDiscardPoint DiscardPoint
	IsTombstoned      bool
	IsMetastream      bool
	Metadata          StreamMetadata
	Status            CalculationStatus
	// LastMetadataPosition is the position of the newest metadata event, for
	// metastreams. Superseded metadata events weigh on its chunk.
	LastMetadataPosition int64
}

// ChunkTimeStampRange holds the oldest and newest record time in a logical chunk.
type ChunkTimeStampRange struct {
	Min time.Time
	Max time.Time
}

// Extend widens the range to cover t.
func (r ChunkTimeStampRange) Extend(t time.Time) ChunkTimeStampRange {
	if r.Min.IsZero() || t.Before(r.Min) {
		r.Min = t
	}
	if r.Max.IsZero() || t.After(r.Max) {
		r.Max = t
	}
	return r
}

// EventInfo is one index entry of a stream as seen by the calculator.
type EventInfo struct {
	EventNumber int64
	Position    int64
}

// IndexEntry is a physical index entry presented to the index executor.
type IndexEntry struct {
	Hash        uint64
	EventNumber int64
	Position    int64
}

// RecordType classifies records for accumulation.
type RecordType uint8

const (
	OriginalStreamRecord RecordType = iota + 1
	MetastreamRecord
	TombstoneRecord
)

// AccumulatorRecord is a classified log record.
type AccumulatorRecord struct {
	Type        RecordType
	Stream      string
	EventNumber int64
	Position    int64
	TimeStamp   time.Time
	// Original names the described stream of a metadata record.
	Original string
	// Metastream names the metastream of a tombstoned stream.
	Metastream string
	// Metadata is the parsed policy carried by a metadata record.
	Metadata StreamMetadata
}

// ChunkRecord is a record read from a physical chunk for rewriting.
type ChunkRecord struct {
	// IsEvent is false for system records, which are always kept.
	IsEvent     bool
	Stream      string
	EventNumber int64
	Position    int64
	TimeStamp   time.Time
	// Raw is the encoded record, handed back to the writer untouched.
	Raw []byte
}

// PhysicalChunk is a chunk file covering logical chunks Start..End inclusive.
type PhysicalChunk struct {
	Start    int
	End      int
	ReadOnly bool
	Size     int64
	Name     string
}

func (c PhysicalChunk) String() string {
	return fmt.Sprintf("chunk %d-%d", c.Start, c.End)
}

// RunStatus is the final state of a run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunStopped RunStatus = "stopped"
	RunErrored RunStatus = "errored"
)
