package scavenge

import "context"

// ChunkReaderForAccumulator yields the classified records of one logical chunk
// in position order.
type ChunkReaderForAccumulator interface {
	ReadChunkRecords(ctx context.Context, logicalChunk int, fn func(AccumulatorRecord) error) error
}

// IndexReaderForCalculator reads a stream's index entries as of a scavenge point.
type IndexReaderForCalculator interface {
	// LastEventNumber returns the highest event number below sp. ok is false
	// for a stream with no entries.
	LastEventNumber(ctx context.Context, h StreamHandle, sp ScavengePoint) (last int64, ok bool, err error)
	// ReadEventInfoForward returns up to max entries with event numbers >= from,
	// ascending. Hash handles are served from the index alone.
	ReadEventInfoForward(ctx context.Context, h StreamHandle, from int64, max int, sp ScavengePoint) ([]EventInfo, error)
}

// ChunkManager exposes the physical chunk directory for rewriting.
type ChunkManager interface {
	// PhysicalChunks lists chunks starting below upTo, in position order.
	PhysicalChunks(ctx context.Context, upTo int64) ([]PhysicalChunk, error)
	ReadRecords(ctx context.Context, c PhysicalChunk, fn func(ChunkRecord) error) error
	NewChunkWriter(ctx context.Context, c PhysicalChunk) (ChunkWriter, error)
	// SwitchChunk verifies the written chunk and atomically replaces the
	// chunk it was created for, returning the new chunk.
	SwitchChunk(ctx context.Context, w ChunkWriter) (PhysicalChunk, error)
}

// ChunkWriter accumulates the kept records of a rewrite.
type ChunkWriter interface {
	Write(r ChunkRecord) error
	// Abort drops the partially written chunk.
	Abort() error
}

// IndexScavenger applies a keep predicate to every index entry below sp.
type IndexScavenger interface {
	ScavengeIndex(ctx context.Context, sp ScavengePoint, keep func(context.Context, IndexEntry) (bool, error)) (kept, discarded int, err error)
}

// StreamNameLookup resolves the stream of the record at a log position.
type StreamNameLookup interface {
	StreamNameAt(ctx context.Context, pos int64) (name string, ok bool, err error)
}

// ChunkMerger joins adjacent small read-only chunks.
type ChunkMerger interface {
	MergeChunks(ctx context.Context, sp ScavengePoint) (merged int, err error)
}

// ScavengePointSource reads and appends scavenge points.
type ScavengePointSource interface {
	LatestScavengePoint(ctx context.Context) (sp ScavengePoint, ok bool, err error)
	// AddScavengePoint appends a new point. expectedVersion is the event number
	// of the latest point, or -1 when there is none; a mismatch yields ErrConflict.
	AddScavengePoint(ctx context.Context, expectedVersion int64, threshold float64) (ScavengePoint, error)
}
