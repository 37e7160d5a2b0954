package eventlog

import (
	"context"
	"hash"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/rzbill/scavenger/internal/scavenge"
)

// ReadChunkRecords classifies the events of logical chunk n for accumulation.
func (l *Log) ReadChunkRecords(ctx context.Context, n int, fn func(scavenge.AccumulatorRecord) error) error {
	c, ok := l.chunkFor(n)
	if !ok {
		return nil
	}
	lo, hi := int64(n)*l.opts.ChunkSize, int64(n+1)*l.opts.ChunkSize
	return l.forEachRecord(ctx, c, func(rec []byte) error {
		h, err := decodeHeader(rec)
		if err != nil {
			return err
		}
		if h.Kind != KindEvent || h.Position < lo || h.Position >= hi {
			return nil
		}
		r := scavenge.AccumulatorRecord{
			Type:        scavenge.OriginalStreamRecord,
			Stream:      h.Stream,
			EventNumber: h.EventNumber,
			Position:    h.Position,
			TimeStamp:   h.Time(),
		}
		switch {
		case h.EventNumber == TombstoneEventNumber:
			r.Type = scavenge.TombstoneRecord
			r.Metastream = MetastreamOf(h.Stream)
		case IsMetastream(h.Stream) && h.EventType == MetadataEventType:
			full, err := decodeFull(rec)
			if err != nil {
				return err
			}
			r.Type = scavenge.MetastreamRecord
			r.Original = h.Stream[len(MetastreamPrefix):]
			r.Metadata = DecodeMetadata(full.Payload)
		}
		return fn(r)
	})
}

func (l *Log) physical(c chunkFile, readOnly bool) scavenge.PhysicalChunk {
	return scavenge.PhysicalChunk{Start: c.start, End: c.end, ReadOnly: readOnly, Size: c.size, Name: c.name()}
}

// PhysicalChunks lists the chunk files starting below upTo. Every chunk but
// the active one is read-only.
func (l *Log) PhysicalChunks(_ context.Context, upTo int64) ([]scavenge.PhysicalChunk, error) {
	chunks := l.snapshot()
	var out []scavenge.PhysicalChunk
	for i, c := range chunks {
		if int64(c.start)*l.opts.ChunkSize >= upTo {
			break
		}
		out = append(out, l.physical(c, i < len(chunks)-1))
	}
	return out, nil
}

// ReadRecords yields every record of c, system records included.
func (l *Log) ReadRecords(ctx context.Context, c scavenge.PhysicalChunk, fn func(scavenge.ChunkRecord) error) error {
	cf := chunkFile{start: c.Start, end: c.End}
	return l.forEachRecord(ctx, cf, func(rec []byte) error {
		h, err := decodeHeader(rec)
		if err != nil {
			return err
		}
		return fn(scavenge.ChunkRecord{
			IsEvent:     h.Kind == KindEvent,
			Stream:      h.Stream,
			EventNumber: h.EventNumber,
			Position:    h.Position,
			TimeStamp:   h.Time(),
			Raw:         rec,
		})
	})
}

// chunkWriter writes the kept records of one chunk into a temp file.
type chunkWriter struct {
	target chunkFile
	path   string
	f      *os.File
	size   int64
	crc    hash.Hash32
	closed bool
}

// NewChunkWriter starts the replacement of chunk c.
func (l *Log) NewChunkWriter(_ context.Context, c scavenge.PhysicalChunk) (scavenge.ChunkWriter, error) {
	target := chunkFile{start: c.Start, end: c.End}
	path := filepath.Join(l.opts.Dir, target.name()+".scavenge"+tmpSuffix)
	_ = os.Remove(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w := &chunkWriter{target: target, path: path, f: f, crc: crc32.New(castagnoli)}
	if err := w.write(chunkHeader(c.Start, c.End)); err != nil {
		w.Abort()
		return nil, err
	}
	return w, nil
}

func (w *chunkWriter) write(b []byte) error {
	if _, err := w.f.Write(b); err != nil {
		return err
	}
	w.crc.Write(b)
	w.size += int64(len(b))
	return nil
}

func (w *chunkWriter) Write(r scavenge.ChunkRecord) error {
	if w.closed {
		return errors.New("eventlog: chunk writer closed")
	}
	return w.write(frameBytes(r.Raw))
}

func (w *chunkWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.f.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// finish syncs the temp file and checks it reads back intact.
func (w *chunkWriter) finish() error {
	w.closed = true
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Close(); err != nil {
		return err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	if int64(len(data)) != w.size || crc32.Checksum(data, castagnoli) != w.crc.Sum32() {
		return errors.Wrapf(ErrBadChunk, "verify %s", w.path)
	}
	return checkChunkHeader(data, w.target.start, w.target.end)
}

// SwitchChunk replaces the original chunk with the one written by w.
func (l *Log) SwitchChunk(_ context.Context, cw scavenge.ChunkWriter) (scavenge.PhysicalChunk, error) {
	w, ok := cw.(*chunkWriter)
	if !ok {
		return scavenge.PhysicalChunk{}, errors.Errorf("eventlog: foreign chunk writer %T", cw)
	}
	if err := w.finish(); err != nil {
		os.Remove(w.path)
		return scavenge.PhysicalChunk{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var cur *chunkFile
	for i, c := range l.chunks {
		if c.start == w.target.start && c.end == w.target.end && i < len(l.chunks)-1 {
			cur = c
		}
	}
	if cur == nil {
		os.Remove(w.path)
		return scavenge.PhysicalChunk{}, errors.Errorf("eventlog: %s is not a read-only chunk", w.target.name())
	}
	if err := os.Rename(w.path, l.chunkPath(cur)); err != nil {
		return scavenge.PhysicalChunk{}, err
	}
	if err := syncDir(l.opts.Dir); err != nil {
		return scavenge.PhysicalChunk{}, err
	}
	cur.size = w.size
	return l.physical(*cur, true), nil
}

// MergeChunks joins runs of adjacent read-only chunks below sp whose
// combined records fit in one chunk.
func (l *Log) MergeChunks(ctx context.Context, sp scavenge.ScavengePoint) (int, error) {
	chunks := l.snapshot()
	limit := sp.Position / l.opts.ChunkSize
	merged := 0
	for i := 0; i < len(chunks)-1; {
		j, total := i, chunks[i].size
		for j+1 < len(chunks)-1 && int64(chunks[j+1].end) < limit &&
			total+chunks[j+1].size-chunkHeaderSize <= l.opts.ChunkSize {
			j++
			total += chunks[j].size - chunkHeaderSize
		}
		if j > i && int64(chunks[i].end) < limit {
			if err := ctx.Err(); err != nil {
				return merged, err
			}
			if err := l.mergeRun(ctx, chunks[i:j+1]); err != nil {
				return merged, errors.Wrapf(err, "merge %s..%s", chunks[i].name(), chunks[j].name())
			}
			merged += j - i + 1
		}
		i = j + 1
	}
	return merged, nil
}

func (l *Log) mergeRun(ctx context.Context, run []chunkFile) error {
	out := chunkFile{start: run[0].start, end: run[len(run)-1].end}
	tmp := filepath.Join(l.opts.Dir, out.name()+tmpSuffix)
	_ = os.Remove(tmp)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := &chunkWriter{target: out, path: tmp, f: f, crc: crc32.New(castagnoli)}
	if err := w.write(chunkHeader(out.start, out.end)); err != nil {
		w.Abort()
		return err
	}
	for _, c := range run {
		err := l.forEachRecord(ctx, c, func(rec []byte) error { return w.write(frameBytes(rec)) })
		if err != nil {
			w.Abort()
			return err
		}
	}
	if err := w.finish(); err != nil {
		os.Remove(tmp)
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Rename(tmp, filepath.Join(l.opts.Dir, out.name())); err != nil {
		return err
	}
	if err := syncDir(l.opts.Dir); err != nil {
		return err
	}
	out.size = w.size
	kept := make([]*chunkFile, 0, len(l.chunks))
	for _, c := range l.chunks {
		switch {
		case c.start == out.start:
			kept = append(kept, &out)
		case c.start > out.start && c.end <= out.end:
		default:
			kept = append(kept, c)
		}
	}
	l.chunks = kept
	for _, c := range run {
		if err := os.Remove(filepath.Join(l.opts.Dir, c.name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
