package eventlog

import (
	"context"

	"github.com/rzbill/scavenger/internal/scavenge"
	pebblestore "github.com/rzbill/scavenger/internal/storage/pebble"
)

// Event is a stream event read back from the log.
type Event struct {
	Stream      string
	EventNumber int64
	Type        string
	Position    int64
	TimeStamp   int64
	Data        []byte
}

// ReadStream returns up to limit events of stream with event numbers >= from,
// ascending. Events removed by scavenging are not returned.
func (l *Log) ReadStream(ctx context.Context, stream string, from int64, limit int) ([]Event, error) {
	if l.opts.Filter != nil && !l.opts.Filter.MightExist(stream) {
		return nil, nil
	}
	hash := l.opts.Hasher.Hash(stream)
	var out []Event
	err := l.scanStream(hash, from, func(_, pos int64) (bool, error) {
		r, ok, err := l.recordAt(ctx, pos)
		if err != nil {
			return false, err
		}
		if !ok || r.Stream != stream {
			return true, nil
		}
		out = append(out, Event{
			Stream:      r.Stream,
			EventNumber: r.EventNumber,
			Type:        r.EventType,
			Position:    r.Position,
			TimeStamp:   r.TimeStamp,
			Data:        r.Payload,
		})
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

// scanStream walks the index entries of hash with event numbers >= from in
// ascending order until fn returns false.
func (l *Log) scanStream(hash uint64, from int64, fn func(eventNumber, pos int64) (bool, error)) error {
	it, err := l.db.NewIter(pebblestore.PrefixIterOptions(KeyIndexStream(hash)))
	if err != nil {
		return err
	}
	defer it.Close()
	for ok := it.SeekGE(KeyIndexEntry(hash, from, 0)); ok; ok = it.Next() {
		_, n, pos, valid := parseIndexKey(it.Key())
		if !valid {
			continue
		}
		more, err := fn(n, pos)
		if err != nil || !more {
			return err
		}
	}
	return it.Error()
}

// nameMatches reports whether the record at pos belongs to the stream of h.
// Hash handles match every entry.
func (l *Log) nameMatches(ctx context.Context, h scavenge.StreamHandle, pos int64) (bool, error) {
	if h.IsHash() {
		return true, nil
	}
	name, ok, err := l.StreamNameAt(ctx, pos)
	if err != nil || !ok {
		return false, err
	}
	return name == h.ID(), nil
}

func handleHash(l *Log, h scavenge.StreamHandle) uint64 {
	if h.IsHash() {
		return h.Hash()
	}
	return l.opts.Hasher.Hash(h.ID())
}

// LastEventNumber returns the highest event number of h positioned before sp.
func (l *Log) LastEventNumber(ctx context.Context, h scavenge.StreamHandle, sp scavenge.ScavengePoint) (int64, bool, error) {
	prefix := KeyIndexStream(handleHash(l, h))
	it, err := l.db.NewIter(pebblestore.PrefixIterOptions(prefix))
	if err != nil {
		return 0, false, err
	}
	defer it.Close()
	for ok := it.Last(); ok; ok = it.Prev() {
		_, n, pos, valid := parseIndexKey(it.Key())
		if !valid || pos >= sp.Position {
			continue
		}
		match, err := l.nameMatches(ctx, h, pos)
		if err != nil {
			return 0, false, err
		}
		if match {
			return n, true, nil
		}
	}
	return 0, false, it.Error()
}

// ReadEventInfoForward returns up to max index entries of h from event number
// from, skipping entries at or past sp.
func (l *Log) ReadEventInfoForward(ctx context.Context, h scavenge.StreamHandle, from int64, max int, sp scavenge.ScavengePoint) ([]scavenge.EventInfo, error) {
	var out []scavenge.EventInfo
	err := l.scanStream(handleHash(l, h), from, func(n, pos int64) (bool, error) {
		if pos >= sp.Position {
			return true, nil
		}
		match, err := l.nameMatches(ctx, h, pos)
		if err != nil {
			return false, err
		}
		if !match {
			return true, nil
		}
		out = append(out, scavenge.EventInfo{EventNumber: n, Position: pos})
		return len(out) < max, nil
	})
	return out, err
}

// StreamNameAt returns the stream of the event at pos.
func (l *Log) StreamNameAt(ctx context.Context, pos int64) (string, bool, error) {
	r, ok, err := l.recordAt(ctx, pos)
	if err != nil || !ok {
		return "", false, err
	}
	return r.Stream, true, nil
}

// EnumerateNames replays the stream name of every event after position
// after, for rebuilding the existence filter.
func (l *Log) EnumerateNames(ctx context.Context, after int64, fn func(name string, position int64) error) error {
	for _, c := range l.snapshot() {
		if after >= 0 && int64(c.end+1)*l.opts.ChunkSize <= after {
			continue
		}
		err := l.forEachRecord(ctx, c, func(rec []byte) error {
			h, err := decodeHeader(rec)
			if err != nil {
				return err
			}
			if h.Kind != KindEvent || h.Position <= after {
				return nil
			}
			return fn(h.Stream, h.Position)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ScavengeIndex deletes every index entry below sp that keep rejects. Entries
// are visited in batches of Options.IndexCommitBatch; each batch's deletes
// commit together and ctx is checked between batches.
func (l *Log) ScavengeIndex(ctx context.Context, sp scavenge.ScavengePoint, keep func(context.Context, scavenge.IndexEntry) (bool, error)) (int, int, error) {
	it, err := l.db.NewIter(pebblestore.PrefixIterOptions(idxPrefix))
	if err != nil {
		return 0, 0, err
	}
	defer it.Close()

	kept, discarded := 0, 0
	for ok := it.First(); ok; {
		// every IndexCommitBatch visited entries: commit deletes, check ctx
		if err := ctx.Err(); err != nil {
			return kept, discarded, err
		}
		b := l.db.NewBatch()
		visited, n := 0, 0
		for ; ok && visited < l.opts.IndexCommitBatch; ok = it.Next() {
			visited++
			hash, num, pos, valid := parseIndexKey(it.Key())
			if !valid {
				continue
			}
			if pos >= sp.Position {
				kept++
				continue
			}
			k, err := keep(ctx, scavenge.IndexEntry{Hash: hash, EventNumber: num, Position: pos})
			if err != nil {
				b.Close()
				return kept, discarded, err
			}
			if k {
				kept++
				continue
			}
			if err := b.Delete(it.Key(), nil); err != nil {
				b.Close()
				return kept, discarded, err
			}
			discarded++
			n++
		}
		if n > 0 {
			if err := l.db.CommitBatch(ctx, b); err != nil {
				b.Close()
				return kept, discarded, err
			}
		}
		b.Close()
	}
	if err := ctx.Err(); err != nil {
		return kept, discarded, err
	}
	return kept, discarded, it.Error()
}
