// Package existence implements the stream existence filter: a persisted bloom
// filter answering "has this stream ever been written". It may answer yes for
// a stream that never existed but never answers no for one that did.
//
// Two files live in the filter directory. The data file holds the bloom bit
// array followed by a crc32c trailer; the checkpoint file holds the highest
// log position reflected in the data, also crc protected. Flushes write the
// data file first and the checkpoint second, each through a temp file and a
// rename, so a crash between the two only causes extra replay.
package existence

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/willf/bloom"

	"github.com/rzbill/scavenger/internal/hashing"
	"github.com/rzbill/scavenger/internal/metrics"
	logpkg "github.com/rzbill/scavenger/pkg/log"
)

const (
	DataFileName       = "streamExistenceFilter.dat"
	CheckpointFileName = "streamExistenceFilter.chk"

	// BeforeTheBeginning is the checkpoint of a filter that reflects nothing.
	BeforeTheBeginning int64 = -1
)

// ErrCorrupt marks an unreadable or inconsistent filter file.
var ErrCorrupt = errors.New("existence filter corrupt")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// NameSource replays every stream name recorded in the log after a position.
type NameSource interface {
	EnumerateNames(ctx context.Context, after int64, fn func(name string, position int64) error) error
}

// Options configures a Filter.
type Options struct {
	Dir                      string
	Capacity                 uint
	FalsePositiveProbability float64
	// UseHashes stores the 64-bit stream hash instead of the raw name.
	UseHashes bool
	Hasher    hashing.Hasher
	Logger    logpkg.Logger
	Metrics   *metrics.Registry
}

// Filter is safe for concurrent use.
type Filter struct {
	opts   Options
	logger logpkg.Logger

	mu           sync.RWMutex
	bits         *bloom.BloomFilter
	checkpoint   int64
	dirty        bool
	needsRebuild bool
	onAdd        func()

	flushMu sync.Mutex
}

// Open loads the filter from opts.Dir. A missing or corrupt data file is not
// an error: the filter starts empty at BeforeTheBeginning and NeedsRebuild
// reports true.
func Open(opts Options) (*Filter, error) {
	if opts.Dir == "" {
		return nil, errors.New("existence: Options.Dir is required")
	}
	if opts.Capacity == 0 {
		opts.Capacity = 1_000_000
	}
	if opts.FalsePositiveProbability <= 0 || opts.FalsePositiveProbability >= 1 {
		opts.FalsePositiveProbability = 0.01
	}
	if opts.Hasher == nil {
		opts.Hasher = hashing.Stream
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}

	f := &Filter{
		opts:       opts,
		logger:     opts.Logger.WithComponent("existence"),
		checkpoint: BeforeTheBeginning,
	}

	bits, err := f.readData()
	switch {
	case err == nil:
		f.bits = bits
		cp, cerr := f.readCheckpoint()
		if cerr != nil {
			f.logger.Warn("existence filter checkpoint unreadable, replaying from the beginning", logpkg.Err(cerr))
			cp = BeforeTheBeginning
		}
		f.checkpoint = cp
	case os.IsNotExist(errors.Cause(err)):
		f.bits = f.fresh()
		f.needsRebuild = true
	default:
		f.logger.Warn("existence filter corrupt, scheduling rebuild", logpkg.Err(err))
		f.bits = f.fresh()
		f.needsRebuild = true
		f.dirty = true
	}
	return f, nil
}

func (f *Filter) fresh() *bloom.BloomFilter {
	return bloom.NewWithEstimates(f.opts.Capacity, f.opts.FalsePositiveProbability)
}

func (f *Filter) key(name string) []byte {
	if f.opts.UseHashes {
		return hashKey(f.opts.Hasher.Hash(name))
	}
	return []byte(name)
}

func hashKey(h uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], h)
	return b[:]
}

// SetOnAdd installs a callback run after every Add, used to trigger a
// debounced flush.
func (f *Filter) SetOnAdd(fn func()) {
	f.mu.Lock()
	f.onAdd = fn
	f.mu.Unlock()
}

// Add records name and advances the checkpoint to position. Positions at or
// below the current checkpoint leave it unchanged.
func (f *Filter) Add(name string, position int64) {
	f.addKey(f.key(name), position)
}

// AddHash records a precomputed stream hash. Only meaningful with UseHashes.
func (f *Filter) AddHash(hash uint64, position int64) {
	f.addKey(hashKey(hash), position)
}

func (f *Filter) addKey(k []byte, position int64) {
	f.mu.Lock()
	f.bits.Add(k)
	if position > f.checkpoint {
		f.checkpoint = position
	}
	f.dirty = true
	notify := f.onAdd
	f.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// MightExist reports whether name may have been added.
func (f *Filter) MightExist(name string) bool {
	f.mu.RLock()
	ok := f.bits.Test(f.key(name))
	f.mu.RUnlock()
	f.opts.Metrics.RecordFilterLookup(ok)
	return ok
}

// MightExistHash tests a precomputed stream hash. Without UseHashes the
// filter cannot answer from a hash and conservatively says yes.
func (f *Filter) MightExistHash(hash uint64) bool {
	if !f.opts.UseHashes {
		return true
	}
	f.mu.RLock()
	ok := f.bits.Test(hashKey(hash))
	f.mu.RUnlock()
	f.opts.Metrics.RecordFilterLookup(ok)
	return ok
}

// Checkpoint returns the highest position reflected in memory.
func (f *Filter) Checkpoint() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.checkpoint
}

// NeedsRebuild reports whether Open found no usable data file.
func (f *Filter) NeedsRebuild() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.needsRebuild
}

// Dirty reports whether there are adds not yet flushed.
func (f *Filter) Dirty() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dirty
}

// Flush persists the bit array and then the checkpoint. Concurrent adds keep
// going against memory while the snapshot is written.
func (f *Filter) Flush() error {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	f.mu.Lock()
	if !f.dirty {
		f.mu.Unlock()
		return nil
	}
	var buf bytes.Buffer
	if _, err := f.bits.WriteTo(&buf); err != nil {
		f.mu.Unlock()
		return errors.Wrap(err, "encode bloom")
	}
	cp := f.checkpoint
	f.dirty = false
	f.mu.Unlock()

	err := f.writeFiles(buf.Bytes(), cp)
	if err != nil {
		f.mu.Lock()
		f.dirty = true
		f.mu.Unlock()
	}
	f.opts.Metrics.RecordFilterFlush(err, cp)
	return err
}

func (f *Filter) writeFiles(data []byte, cp int64) error {
	data = appendCRC(data)
	if err := writeFileAtomic(filepath.Join(f.opts.Dir, DataFileName), data); err != nil {
		return errors.Wrap(err, "write filter data")
	}
	var cpb [8]byte
	binary.BigEndian.PutUint64(cpb[:], uint64(cp))
	if err := writeFileAtomic(filepath.Join(f.opts.Dir, CheckpointFileName), appendCRC(cpb[:])); err != nil {
		return errors.Wrap(err, "write filter checkpoint")
	}
	return nil
}

// Initialize brings the filter up to date with src: a full rebuild when the
// data file was missing or corrupt, otherwise a catch-up from the checkpoint.
func (f *Filter) Initialize(ctx context.Context, src NameSource) error {
	return f.Rebuild(ctx, src)
}

// Rebuild replays every name after the persisted checkpoint and flushes.
// Re-running it is harmless since adds are idempotent.
func (f *Filter) Rebuild(ctx context.Context, src NameSource) error {
	from := f.Checkpoint()
	full := f.NeedsRebuild()
	if full {
		f.logger.Info("rebuilding existence filter")
	}
	n := 0
	err := src.EnumerateNames(ctx, from, func(name string, position int64) error {
		n++
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		f.mu.Lock()
		f.bits.Add(f.key(name))
		if position > f.checkpoint {
			f.checkpoint = position
		}
		f.dirty = true
		f.mu.Unlock()
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "replay stream names")
	}
	f.mu.Lock()
	f.dirty = true
	f.mu.Unlock()
	if err := f.Flush(); err != nil {
		return err
	}
	f.mu.Lock()
	f.needsRebuild = false
	f.mu.Unlock()
	if full {
		f.opts.Metrics.RecordFilterRebuild()
	}
	f.logger.Info("existence filter up to date", logpkg.Int("replayed", n), logpkg.Int64("checkpoint", f.Checkpoint()))
	return nil
}

// Reset discards all contents and marks the filter for a full rebuild.
func (f *Filter) Reset() {
	f.mu.Lock()
	f.bits = f.fresh()
	f.checkpoint = BeforeTheBeginning
	f.needsRebuild = true
	f.dirty = true
	f.mu.Unlock()
}

func (f *Filter) readData() (*bloom.BloomFilter, error) {
	raw, err := os.ReadFile(filepath.Join(f.opts.Dir, DataFileName))
	if err != nil {
		return nil, err
	}
	payload, err := checkCRC(raw)
	if err != nil {
		return nil, err
	}
	bits := &bloom.BloomFilter{}
	if _, err := bits.ReadFrom(bytes.NewReader(payload)); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "decode bloom: %v", err)
	}
	m, k := bloom.EstimateParameters(f.opts.Capacity, f.opts.FalsePositiveProbability)
	if bits.Cap() != m || bits.K() != k {
		return nil, errors.Wrapf(ErrCorrupt, "sizing changed: have m=%d k=%d want m=%d k=%d", bits.Cap(), bits.K(), m, k)
	}
	return bits, nil
}

func (f *Filter) readCheckpoint() (int64, error) {
	raw, err := os.ReadFile(filepath.Join(f.opts.Dir, CheckpointFileName))
	if err != nil {
		return BeforeTheBeginning, err
	}
	payload, err := checkCRC(raw)
	if err != nil {
		return BeforeTheBeginning, err
	}
	if len(payload) != 8 {
		return BeforeTheBeginning, errors.Wrapf(ErrCorrupt, "checkpoint length %d", len(payload))
	}
	return int64(binary.BigEndian.Uint64(payload)), nil
}

func appendCRC(b []byte) []byte {
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], crc32.Checksum(b, castagnoli))
	return append(append([]byte(nil), b...), crc[:]...)
}

func checkCRC(b []byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, errors.Wrap(ErrCorrupt, "short file")
	}
	payload := b[:len(b)-4]
	if crc32.Checksum(payload, castagnoli) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, errors.Wrap(ErrCorrupt, "checksum mismatch")
	}
	return payload, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		return err
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return err
	}
	if err := fh.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
