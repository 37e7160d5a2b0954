package scavenge

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	pebblestore "github.com/rzbill/scavenger/internal/storage/pebble"
)

var (
	keyCheckpoint    = []byte("scav/cp")
	keyLastCompleted = []byte("scav/sp")
	prefixHashName   = []byte("scav/hn/")
	prefixCollision  = []byte("scav/col/")
	prefixStreamData = []byte("scav/sd/")
	prefixActive     = []byte("scav/act/")
	prefixWeight     = []byte("scav/cw/")
	prefixTimeRange  = []byte("scav/ct/")
)

// State is the persistent scavenge state. Mutations are only accepted inside
// a transaction opened with Begin; reads inside a transaction observe its
// uncommitted writes. State is not safe for concurrent use.
type State struct {
	db *pebblestore.DB
	tx *pebble.Batch
}

// NewState wraps db. The caller owns db.
func NewState(db *pebblestore.DB) *State {
	return &State{db: db}
}

// Begin opens a transaction. Nested transactions are rejected.
func (s *State) Begin() error {
	if s.tx != nil {
		return errors.New("scavenge state transaction already open")
	}
	s.tx = s.db.NewIndexedBatch()
	return nil
}

// InTransaction reports whether a transaction is open.
func (s *State) InTransaction() bool { return s.tx != nil }

// Commit writes cp into the open transaction and commits it with fsync.
// Committing Done clears the checkpoint and records the point as the last
// completed one instead.
func (s *State) Commit(ctx context.Context, cp Checkpoint) error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	if err := s.putCheckpoint(cp); err != nil {
		return err
	}
	tx := s.tx
	s.tx = nil
	defer tx.Close()
	if err := s.db.CommitBatchSync(ctx, tx); err != nil {
		return errors.Wrapf(err, "commit %s", cp.Phase())
	}
	return nil
}

// Rollback discards the open transaction. It is a no-op without one.
func (s *State) Rollback() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	return tx.Close()
}

func (s *State) putCheckpoint(cp Checkpoint) error {
	if done, ok := cp.(Done); ok {
		b, err := msgpack.Marshal(toPointRecord(done.Point))
		if err != nil {
			return errors.Wrap(err, "marshal scavenge point")
		}
		if err := s.tx.Set(keyLastCompleted, b, nil); err != nil {
			return err
		}
		return s.tx.Delete(keyCheckpoint, nil)
	}
	b, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	return s.tx.Set(keyCheckpoint, b, nil)
}

// Checkpoint returns the current checkpoint, if a run is in progress.
func (s *State) Checkpoint() (Checkpoint, bool, error) {
	b, ok, err := s.get(keyCheckpoint)
	if err != nil || !ok {
		return nil, false, err
	}
	cp, err := decodeCheckpoint(b)
	if err != nil {
		return nil, false, err
	}
	return cp, true, nil
}

// LastScavengePoint returns the point of the last completed run.
func (s *State) LastScavengePoint() (ScavengePoint, bool, error) {
	b, ok, err := s.get(keyLastCompleted)
	if err != nil || !ok {
		return ScavengePoint{}, false, err
	}
	var rec pointRecord
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return ScavengePoint{}, false, errors.Wrap(err, "unmarshal scavenge point")
	}
	return rec.point(), true, nil
}

// reader serves reads from the open transaction, else from the database.
func (s *State) reader() pebble.Reader {
	if s.tx != nil {
		return s.tx
	}
	return s.db.Reader()
}

func (s *State) writer() (*pebble.Batch, error) {
	if s.tx == nil {
		return nil, ErrNoTransaction
	}
	return s.tx, nil
}

func (s *State) get(key []byte) ([]byte, bool, error) {
	v, closer, err := s.reader().Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), true, nil
}

func (s *State) scan(prefix, lower []byte, fn func(k, v []byte) (bool, error)) error {
	opts := pebblestore.PrefixIterOptions(prefix)
	if lower != nil {
		opts.LowerBound = lower
	}
	it, err := s.reader().NewIter(opts)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		more, err := fn(it.Key(), it.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return it.Error()
}

func join(prefix, suffix []byte) []byte {
	k := make([]byte, 0, len(prefix)+len(suffix))
	return append(append(k, prefix...), suffix...)
}

func be8(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// Hash names and collisions; State satisfies collisions.Store.

func (s *State) GetHashName(hash uint64) (string, bool, error) {
	v, ok, err := s.get(join(prefixHashName, be8(hash)))
	return string(v), ok, err
}

func (s *State) PutHashName(hash uint64, name string) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	return w.Set(join(prefixHashName, be8(hash)), []byte(name), nil)
}

func (s *State) IsCollision(name string) (bool, error) {
	_, ok, err := s.get(join(prefixCollision, []byte(name)))
	return ok, err
}

func (s *State) AddCollision(name string) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	return w.Set(join(prefixCollision, []byte(name)), nil, nil)
}

func (s *State) Collisions() ([]string, error) {
	var names []string
	err := s.scan(prefixCollision, nil, func(k, _ []byte) (bool, error) {
		names = append(names, string(k[len(prefixCollision):]))
		return true, nil
	})
	return names, err
}

// Stream data.

type streamRecord struct {
	Discard        int64  `msgpack:"d"`
	Maybe          int64  `msgpack:"m"`
	Tombstoned     bool   `msgpack:"t,omitempty"`
	Metastream     bool   `msgpack:"ms,omitempty"`
	MaxAge         *int64 `msgpack:"age,omitempty"`
	MaxCount       *int64 `msgpack:"cnt,omitempty"`
	TruncateBefore *int64 `msgpack:"tb,omitempty"`
	Status         uint8  `msgpack:"st"`
	LastMetaPos    int64  `msgpack:"lmp"`
}

func toStreamRecord(d StreamData) streamRecord {
	rec := streamRecord{
		Discard:        d.DiscardPoint.FirstEventNumberToKeep(),
		Maybe:          d.MaybeDiscardPoint.FirstEventNumberToKeep(),
		Tombstoned:     d.IsTombstoned,
		Metastream:     d.IsMetastream,
		MaxCount:       d.Metadata.MaxCount,
		TruncateBefore: d.Metadata.TruncateBefore,
		Status:         uint8(d.Status),
		LastMetaPos:    d.LastMetadataPosition,
	}
	if d.Metadata.MaxAge != nil {
		age := int64(*d.Metadata.MaxAge)
		rec.MaxAge = &age
	}
	return rec
}

func (r streamRecord) data() StreamData {
	d := StreamData{
		DiscardPoint:         DiscardBefore(r.Discard),
		MaybeDiscardPoint:    DiscardBefore(r.Maybe),
		IsTombstoned:         r.Tombstoned,
		IsMetastream:         r.Metastream,
		Status:               CalculationStatus(r.Status),
		LastMetadataPosition: r.LastMetaPos,
	}
	d.Metadata.MaxCount = r.MaxCount
	d.Metadata.TruncateBefore = r.TruncateBefore
	if r.MaxAge != nil {
		age := time.Duration(*r.MaxAge)
		d.Metadata.MaxAge = &age
	}
	return d
}

// StreamData returns the record for h. A missing record reads as the zero
// StreamData with no known metadata position.
func (s *State) StreamData(h StreamHandle) (StreamData, bool, error) {
	v, ok, err := s.get(join(prefixStreamData, h.appendKey(nil)))
	if err != nil || !ok {
		return StreamData{LastMetadataPosition: NoPosition}, false, err
	}
	var rec streamRecord
	if err := msgpack.Unmarshal(v, &rec); err != nil {
		return StreamData{}, false, errors.Wrapf(err, "unmarshal stream data %s", h)
	}
	return rec.data(), true, nil
}

// SetStreamData stores d under h and keeps the set of streams awaiting
// calculation in step with d.Status.
func (s *State) SetStreamData(h StreamHandle, d StreamData) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	b, err := msgpack.Marshal(toStreamRecord(d))
	if err != nil {
		return errors.Wrapf(err, "marshal stream data %s", h)
	}
	hk := h.appendKey(nil)
	if err := w.Set(join(prefixStreamData, hk), b, nil); err != nil {
		return err
	}
	if d.Status == StatusActive && !d.IsMetastream {
		return w.Set(join(prefixActive, hk), nil, nil)
	}
	return w.Delete(join(prefixActive, hk), nil)
}

// MoveStreamData re-keys the record at from to to, used when a hash turns
// out to collide.
func (s *State) MoveStreamData(from, to StreamHandle) (bool, error) {
	d, ok, err := s.StreamData(from)
	if err != nil || !ok {
		return false, err
	}
	if err := s.deleteStreamData(from); err != nil {
		return false, err
	}
	return true, s.SetStreamData(to, d)
}

func (s *State) deleteStreamData(h StreamHandle) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	hk := h.appendKey(nil)
	if err := w.Delete(join(prefixStreamData, hk), nil); err != nil {
		return err
	}
	return w.Delete(join(prefixActive, hk), nil)
}

// ActiveStreams returns up to limit original streams awaiting calculation,
// in handle order, strictly after the given handle when it is non-nil.
func (s *State) ActiveStreams(after *StreamHandle, limit int) ([]StreamHandle, error) {
	var lower []byte
	if after != nil {
		lower = append(join(prefixActive, after.appendKey(nil)), 0)
	}
	var out []StreamHandle
	err := s.scan(prefixActive, lower, func(k, _ []byte) (bool, error) {
		h, err := decodeHandle(k[len(prefixActive):])
		if err != nil {
			return false, err
		}
		out = append(out, h)
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

// DeleteTombstonedStreams drops every tombstoned stream record and returns
// how many were removed.
func (s *State) DeleteTombstonedStreams() (int, error) {
	var doomed []StreamHandle
	err := s.scan(prefixStreamData, nil, func(k, v []byte) (bool, error) {
		var rec streamRecord
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			return false, err
		}
		if rec.Tombstoned {
			h, err := decodeHandle(k[len(prefixStreamData):])
			if err != nil {
				return false, err
			}
			doomed = append(doomed, h)
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	for _, h := range doomed {
		if err := s.deleteStreamData(h); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}

// Chunk weights.

func weightKey(chunk int) []byte { return join(prefixWeight, be8(uint64(chunk))) }

func (s *State) ChunkWeight(chunk int) (float64, error) {
	v, ok, err := s.get(weightKey(chunk))
	if err != nil || !ok || len(v) != 8 {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(v)), nil
}

func (s *State) IncreaseChunkWeight(chunk int, delta float64) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	cur, err := s.ChunkWeight(chunk)
	if err != nil {
		return err
	}
	return w.Set(weightKey(chunk), be8(math.Float64bits(cur+delta)), nil)
}

// SumChunkWeights adds the weights of logical chunks start..end inclusive.
func (s *State) SumChunkWeights(start, end int) (float64, error) {
	var sum float64
	err := s.scan(prefixWeight, weightKey(start), func(k, v []byte) (bool, error) {
		if int(binary.BigEndian.Uint64(k[len(prefixWeight):])) > end {
			return false, nil
		}
		sum += math.Float64frombits(binary.BigEndian.Uint64(v))
		return true, nil
	})
	return sum, err
}

// HasChunkWeight reports whether any logical chunk still carries weight.
func (s *State) HasChunkWeight() (bool, error) {
	found := false
	err := s.scan(prefixWeight, nil, func(_, v []byte) (bool, error) {
		found = math.Float64frombits(binary.BigEndian.Uint64(v)) > 0
		return !found, nil
	})
	return found, err
}

// ResetChunkWeights zeroes the weights of logical chunks start..end inclusive.
func (s *State) ResetChunkWeights(start, end int) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	var keys [][]byte
	err = s.scan(prefixWeight, weightKey(start), func(k, _ []byte) (bool, error) {
		if int(binary.BigEndian.Uint64(k[len(prefixWeight):])) > end {
			return false, nil
		}
		keys = append(keys, append([]byte(nil), k...))
		return true, nil
	})
	if err != nil {
		return err
	}
	zero := be8(math.Float64bits(0))
	for _, k := range keys {
		if err := w.Set(k, zero, nil); err != nil {
			return err
		}
	}
	return nil
}

// DeleteZeroWeights removes zeroed weight entries.
func (s *State) DeleteZeroWeights() (int, error) {
	w, err := s.writer()
	if err != nil {
		return 0, err
	}
	var keys [][]byte
	err = s.scan(prefixWeight, nil, func(k, v []byte) (bool, error) {
		if math.Float64frombits(binary.BigEndian.Uint64(v)) == 0 {
			keys = append(keys, append([]byte(nil), k...))
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := w.Delete(k, nil); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// Chunk timestamp ranges.

func timeRangeKey(chunk int) []byte { return join(prefixTimeRange, be8(uint64(chunk))) }

func (s *State) ChunkTimeStampRange(chunk int) (ChunkTimeStampRange, bool, error) {
	v, ok, err := s.get(timeRangeKey(chunk))
	if err != nil || !ok {
		return ChunkTimeStampRange{}, false, err
	}
	if len(v) != 16 {
		return ChunkTimeStampRange{}, false, errors.Errorf("chunk %d time range: bad length %d", chunk, len(v))
	}
	return ChunkTimeStampRange{
		Min: time.Unix(0, int64(binary.BigEndian.Uint64(v[:8]))).UTC(),
		Max: time.Unix(0, int64(binary.BigEndian.Uint64(v[8:]))).UTC(),
	}, true, nil
}

func (s *State) ExtendChunkTimeStampRange(chunk int, t time.Time) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	r, _, err := s.ChunkTimeStampRange(chunk)
	if err != nil {
		return err
	}
	r = r.Extend(t)
	v := make([]byte, 16)
	binary.BigEndian.PutUint64(v[:8], uint64(r.Min.UnixNano()))
	binary.BigEndian.PutUint64(v[8:], uint64(r.Max.UnixNano()))
	return w.Set(timeRangeKey(chunk), v, nil)
}
