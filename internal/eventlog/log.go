package eventlog

import (
	"context"
	"encoding/binary"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rzbill/scavenger/internal/existence"
	"github.com/rzbill/scavenger/internal/hashing"
	pebblestore "github.com/rzbill/scavenger/internal/storage/pebble"
	logpkg "github.com/rzbill/scavenger/pkg/log"
)

// ErrRecordTooLarge rejects a record that cannot fit in one logical chunk.
var ErrRecordTooLarge = errors.New("eventlog: record larger than a chunk")

// Options configures a Log.
type Options struct {
	// Dir holds the chunk files.
	Dir string
	// ChunkSize is the number of positions in one logical chunk. Positions
	// are byte offsets into the logical log.
	ChunkSize int64
	// Sync fsyncs the active chunk after every append.
	Sync   bool
	Hasher hashing.Hasher
	// Filter, when set, learns every stream name written.
	Filter *existence.Filter
	// IndexCommitBatch bounds the deletes in one index scavenging commit.
	IndexCommitBatch int
	Logger           logpkg.Logger
	Now              func() time.Time
}

// Log is an append-only event log stored in chunk files and indexed by
// stream hash in Pebble.
type Log struct {
	db     *pebblestore.DB
	opts   Options
	logger logpkg.Logger

	mu     sync.RWMutex
	chunks []*chunkFile // ordered; the last one is active
	active *os.File
	next   int64 // position of the next record
}

// Open opens or creates the log in opts.Dir. Records written after the last
// index commit are re-indexed.
func Open(ctx context.Context, db *pebblestore.DB, opts Options) (*Log, error) {
	if opts.Dir == "" {
		return nil, errors.New("eventlog: Options.Dir is required")
	}
	if opts.ChunkSize <= chunkHeaderSize {
		return nil, errors.Errorf("eventlog: chunk size %d too small", opts.ChunkSize)
	}
	if opts.Hasher == nil {
		opts.Hasher = hashing.Stream
	}
	if opts.IndexCommitBatch <= 0 {
		opts.IndexCommitBatch = 1024
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	l := &Log{db: db, opts: opts, logger: opts.Logger.WithComponent("eventlog")}

	chunks, err := scanChunkDir(opts.Dir)
	if err != nil {
		return nil, err
	}
	l.chunks = chunks
	if err := l.openActive(); err != nil {
		return nil, err
	}
	if err := l.reindex(ctx); err != nil {
		l.Close()
		return nil, errors.Wrap(err, "eventlog: reindex")
	}
	return l, nil
}

// openActive reopens the last chunk for appends, truncating a torn tail, or
// starts a fresh chunk.
func (l *Log) openActive() error {
	if len(l.chunks) == 0 {
		return l.startChunk(0)
	}
	last := l.chunks[len(l.chunks)-1]
	if last.start != last.end {
		return l.startChunk(last.end + 1)
	}
	path := filepath.Join(l.opts.Dir, last.name())
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := checkChunkHeader(data, last.start, last.end); err != nil {
		return err
	}
	next := int64(last.start) * l.opts.ChunkSize
	good, err := readFrames(data[chunkHeaderSize:], func(_ int64, rec []byte) error {
		h, err := decodeHeader(rec)
		if err != nil {
			return err
		}
		next = h.Position + int64(4+len(rec))
		return nil
	})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	end := chunkHeaderSize + good
	if end < int64(len(data)) {
		l.logger.Warn("truncating torn chunk tail",
			logpkg.Str("chunk", last.name()), logpkg.Int64("at", end))
		if err := f.Truncate(end); err != nil {
			f.Close()
			return err
		}
	}
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	last.size = end
	l.active = f
	l.next = next
	if next == int64(last.start)*l.opts.ChunkSize {
		return l.writeSystemRecord()
	}
	return nil
}

// startChunk creates the file for logical chunk n and makes it active.
func (l *Log) startChunk(n int) error {
	if err := l.openChunk(n); err != nil {
		return err
	}
	return l.writeSystemRecord()
}

// openChunk creates an empty file for logical chunk n and makes it active.
func (l *Log) openChunk(n int) error {
	f, err := createChunk(l.opts.Dir, n, n)
	if err != nil {
		return err
	}
	if err := syncDir(l.opts.Dir); err != nil {
		f.Close()
		return err
	}
	l.chunks = append(l.chunks, &chunkFile{start: n, end: n, size: chunkHeaderSize})
	l.active = f
	l.next = int64(n) * l.opts.ChunkSize
	return nil
}

func systemRecord(pos, ts int64) Record {
	return Record{Header: Header{Kind: KindSystem, TimeStamp: ts, Position: pos}}
}

func (l *Log) writeSystemRecord() error {
	frame, err := encodeFrame(systemRecord(l.next, l.opts.Now().UnixNano()))
	if err != nil {
		return err
	}
	return l.writeFrame(frame)
}

func (l *Log) writeFrame(frame []byte) error {
	if _, err := l.active.Write(frame); err != nil {
		return err
	}
	l.chunks[len(l.chunks)-1].size += int64(len(frame))
	l.next += int64(len(frame))
	return nil
}

// placement is one framed record. system, when set, is the opening record
// of a new chunk that must be written first.
type placement struct {
	system []byte
	frame  []byte
}

// plan assigns positions to recs as if they were written from l.next,
// rotating to a new chunk when a record would cross a logical chunk
// boundary. Nothing is written, so a record too large for any chunk
// rejects the whole batch.
func (l *Log) plan(recs []Record, now int64) ([]placement, error) {
	out := make([]placement, len(recs))
	chunk := int64(l.chunks[len(l.chunks)-1].end)
	pos := l.next
	for i := range recs {
		r := &recs[i]
		for rotated := false; ; rotated = true {
			r.Position = pos
			frame, err := encodeFrame(*r)
			if err != nil {
				return nil, err
			}
			if pos-chunk*l.opts.ChunkSize+int64(len(frame)) <= l.opts.ChunkSize {
				out[i].frame = frame
				pos += int64(len(frame))
				break
			}
			if rotated {
				return nil, ErrRecordTooLarge
			}
			chunk++
			sys, err := encodeFrame(systemRecord(chunk*l.opts.ChunkSize, now))
			if err != nil {
				return nil, err
			}
			out[i].system = sys
			pos = chunk*l.opts.ChunkSize + int64(len(sys))
		}
	}
	return out, nil
}

// write writes a placement produced by plan.
func (l *Log) write(p placement) error {
	if p.system != nil {
		if err := l.active.Sync(); err != nil {
			return err
		}
		if err := l.active.Close(); err != nil {
			return err
		}
		if err := l.openChunk(l.chunks[len(l.chunks)-1].end + 1); err != nil {
			return err
		}
		if err := l.writeFrame(p.system); err != nil {
			return err
		}
	}
	return l.writeFrame(p.frame)
}

// appendMark is the log tail before an append.
type appendMark struct {
	chunks int
	size   int64
	next   int64
}

func (l *Log) mark() appendMark {
	return appendMark{chunks: len(l.chunks), size: l.chunks[len(l.chunks)-1].size, next: l.next}
}

// undo drops every frame written since m, removing chunks opened since,
// and returns cause.
func (l *Log) undo(m appendMark, cause error) error {
	if len(l.chunks) > m.chunks {
		l.active.Close()
		for _, c := range l.chunks[m.chunks:] {
			if err := os.Remove(l.chunkPath(c)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				l.logger.Warn("remove chunk after failed append", logpkg.Str("chunk", c.name()), logpkg.Err(err))
			}
		}
		l.chunks = l.chunks[:m.chunks]
		f, err := os.OpenFile(l.chunkPath(l.chunks[len(l.chunks)-1]), os.O_RDWR, 0o644)
		if err != nil {
			l.logger.Error("reopen chunk after failed append", logpkg.Err(err))
			l.active = nil
			return cause
		}
		l.active = f
	}
	err := l.active.Truncate(m.size)
	if err == nil {
		_, err = l.active.Seek(m.size, io.SeekStart)
	}
	if err != nil {
		l.logger.Error("truncate chunk after failed append", logpkg.Err(err))
	}
	l.chunks[len(l.chunks)-1].size = m.size
	l.next = m.next
	return cause
}

// Close closes the active chunk. The Pebble store is owned by the caller.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return nil
	}
	err := l.active.Sync()
	if cerr := l.active.Close(); err == nil {
		err = cerr
	}
	l.active = nil
	return err
}

// Position returns the position the next record will get.
func (l *Log) Position() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next
}

// ChunkSize returns the logical chunk size.
func (l *Log) ChunkSize() int64 { return l.opts.ChunkSize }

func (l *Log) chunkPath(c *chunkFile) string { return filepath.Join(l.opts.Dir, c.name()) }

// snapshot copies the chunk list.
func (l *Log) snapshot() []chunkFile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]chunkFile, len(l.chunks))
	for i, c := range l.chunks {
		out[i] = *c
	}
	return out
}

// forEachRecord reads chunk c and calls fn with every encoded record.
func (l *Log) forEachRecord(ctx context.Context, c chunkFile, fn func(rec []byte) error) error {
	l.mu.RLock()
	data, err := os.ReadFile(l.chunkPath(&c))
	l.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := checkChunkHeader(data, c.start, c.end); err != nil {
		return err
	}
	n := 0
	_, err = readFrames(data[chunkHeaderSize:], func(_ int64, rec []byte) error {
		n++
		if n%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		return fn(rec)
	})
	return err
}

// chunkFor returns the physical chunk holding logical chunk n.
func (l *Log) chunkFor(n int) (chunkFile, bool) {
	for _, c := range l.snapshot() {
		if c.start <= n && n <= c.end {
			return c, true
		}
	}
	return chunkFile{}, false
}

// recordAt decodes the event record at pos. A chunk swapped out by a
// concurrent merge is looked up again.
func (l *Log) recordAt(ctx context.Context, pos int64) (Record, bool, error) {
	r, ok, err := l.readRecordAt(ctx, pos)
	if errors.Is(err, fs.ErrNotExist) {
		return l.readRecordAt(ctx, pos)
	}
	return r, ok, err
}

func (l *Log) readRecordAt(ctx context.Context, pos int64) (Record, bool, error) {
	c, ok := l.chunkFor(int(pos / l.opts.ChunkSize))
	if !ok {
		return Record{}, false, nil
	}
	if r, ok := l.readDirect(c, pos); ok {
		return r, true, nil
	}
	var out Record
	found := false
	err := l.forEachRecord(ctx, c, func(rec []byte) error {
		h, err := decodeHeader(rec)
		if err != nil {
			return err
		}
		if h.Position < pos {
			return nil
		}
		if h.Position == pos && h.Kind == KindEvent {
			r, err := decodeFull(rec)
			if err != nil {
				return err
			}
			out, found = r, true
		}
		return io.EOF
	})
	return out, found, err
}

// readDirect reads the record at pos from the offset it was written at. It
// misses once the chunk has been rewritten or merged.
func (l *Log) readDirect(c chunkFile, pos int64) (Record, bool) {
	off := chunkHeaderSize + pos - int64(c.start)*l.opts.ChunkSize
	if off+4 > c.size {
		return Record{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	f, err := os.Open(l.chunkPath(&c))
	if err != nil {
		return Record{}, false
	}
	defer f.Close()
	var lb [4]byte
	if _, err := f.ReadAt(lb[:], off); err != nil {
		return Record{}, false
	}
	n := int64(binary.BigEndian.Uint32(lb[:]))
	if n == 0 || off+4+n > c.size {
		return Record{}, false
	}
	rec := make([]byte, n)
	if _, err := f.ReadAt(rec, off+4); err != nil {
		return Record{}, false
	}
	r, err := decodeFull(rec)
	if err != nil || r.Position != pos || r.Kind != KindEvent {
		return Record{}, false
	}
	return r, true
}

// reindex indexes every event at or after the persisted index position.
func (l *Log) reindex(ctx context.Context) error {
	from := int64(0)
	if v, ok, err := l.db.Lookup(keyIndexedTo); err != nil {
		return err
	} else if ok && len(v) == 8 {
		from = int64(binary.BigEndian.Uint64(v))
	}
	b := l.db.NewBatch()
	defer b.Close()
	versions := make(map[string]int64)
	n := 0
	for _, c := range l.snapshot() {
		if int64(c.end+1)*l.opts.ChunkSize <= from {
			continue
		}
		err := l.forEachRecord(ctx, c, func(rec []byte) error {
			h, err := decodeHeader(rec)
			if err != nil || h.Position < from || h.Kind != KindEvent {
				return err
			}
			n++
			if cur, ok := versions[h.Stream]; !ok || h.EventNumber > cur {
				versions[h.Stream] = h.EventNumber
			}
			return b.Set(KeyIndexEntry(l.opts.Hasher.Hash(h.Stream), h.EventNumber, h.Position), nil, nil)
		})
		if err != nil {
			return err
		}
	}
	if n == 0 {
		return nil
	}
	for stream, v := range versions {
		if cur, ok, err := l.version(stream); err != nil {
			return err
		} else if ok && cur > v {
			continue
		}
		if err := b.Set(KeyStreamVersion(stream), appendBE8(nil, uint64(v)), nil); err != nil {
			return err
		}
	}
	if err := b.Set(keyIndexedTo, appendBE8(nil, uint64(l.next)), nil); err != nil {
		return err
	}
	l.logger.Info("reindexed log tail", logpkg.Int64("from", from), logpkg.Int("events", n))
	return l.db.CommitBatch(ctx, b)
}

// version returns the last event number of stream.
func (l *Log) version(stream string) (int64, bool, error) {
	v, ok, err := l.db.Lookup(KeyStreamVersion(stream))
	if err != nil || !ok || len(v) != 8 {
		return 0, false, err
	}
	return int64(binary.BigEndian.Uint64(v)), true, nil
}

// isDeleted reports whether a last event number marks a tombstoned stream.
func isDeleted(version int64) bool { return version == math.MaxInt64 }
