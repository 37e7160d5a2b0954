package eventlog

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/pkg/errors"

	"github.com/rzbill/scavenger/internal/scavenge"
)

const (
	// ExpectedAny skips the optimistic concurrency check.
	ExpectedAny int64 = -2
	// ExpectedNoStream requires that the stream has no events.
	ExpectedNoStream int64 = -1

	// MetastreamPrefix marks the metastream of a stream.
	MetastreamPrefix = "$$"
	// MetadataEventType is the event type of stream metadata events.
	MetadataEventType = "$metadata"
	// TombstoneEventType is the event type written by Delete.
	TombstoneEventType = "$streamDeleted"

	// TombstoneEventNumber is the event number of a stream tombstone.
	TombstoneEventNumber int64 = math.MaxInt64
)

var (
	ErrWrongExpectedVersion = errors.New("eventlog: wrong expected version")
	ErrStreamDeleted        = errors.New("eventlog: stream deleted")
	ErrInvalidStream        = errors.New("eventlog: invalid stream name")
)

// EventData is one event to append.
type EventData struct {
	Type string
	Data []byte
}

// AppendResult reports where an append landed.
type AppendResult struct {
	FirstEventNumber int64
	LastEventNumber  int64
	// Positions of the written events, in order.
	Positions []int64
}

// MetastreamOf returns the metastream name of stream.
func MetastreamOf(stream string) string { return MetastreamPrefix + stream }

// IsMetastream reports whether stream is a metastream.
func IsMetastream(stream string) bool { return strings.HasPrefix(stream, MetastreamPrefix) }

// Append writes events to stream after checking expectedVersion, which is
// ExpectedAny, ExpectedNoStream or the current last event number.
func (l *Log) Append(ctx context.Context, stream string, expectedVersion int64, events []EventData) (AppendResult, error) {
	if stream == "" || (IsMetastream(stream) && len(stream) == len(MetastreamPrefix)) {
		return AppendResult{}, ErrInvalidStream
	}
	recs := make([]Record, len(events))
	for i, e := range events {
		recs[i] = Record{Header: Header{Kind: KindEvent, Stream: stream, EventType: e.Type}, Payload: e.Data}
	}
	return l.appendRecords(ctx, stream, expectedVersion, recs, false)
}

// Delete hard-deletes stream by writing its tombstone. The stream cannot be
// written again.
func (l *Log) Delete(ctx context.Context, stream string, expectedVersion int64) (int64, error) {
	if stream == "" || IsMetastream(stream) {
		return 0, ErrInvalidStream
	}
	rec := Record{Header: Header{Kind: KindEvent, Stream: stream, EventType: TombstoneEventType}}
	res, err := l.appendRecords(ctx, stream, expectedVersion, []Record{rec}, true)
	if err != nil {
		return 0, err
	}
	return res.Positions[0], nil
}

// SetMetadata writes a retention policy event to the metastream of stream.
func (l *Log) SetMetadata(ctx context.Context, stream string, expectedVersion int64, md scavenge.StreamMetadata) (AppendResult, error) {
	if stream == "" || IsMetastream(stream) {
		return AppendResult{}, ErrInvalidStream
	}
	data, err := EncodeMetadata(md)
	if err != nil {
		return AppendResult{}, err
	}
	meta := MetastreamOf(stream)
	rec := Record{Header: Header{Kind: KindEvent, Stream: meta, EventType: MetadataEventType}, Payload: data}
	return l.appendRecords(ctx, meta, expectedVersion, []Record{rec}, false)
}

func (l *Log) appendRecords(ctx context.Context, stream string, expectedVersion int64, recs []Record, tombstone bool) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return AppendResult{}, errors.New("eventlog: closed")
	}

	cur, exists, err := l.version(stream)
	if err != nil {
		return AppendResult{}, err
	}
	if exists && isDeleted(cur) {
		return AppendResult{}, errors.Wrap(ErrStreamDeleted, stream)
	}
	switch {
	case expectedVersion == ExpectedAny:
	case expectedVersion == ExpectedNoStream && !exists:
	case exists && expectedVersion == cur:
	default:
		return AppendResult{}, errors.Wrapf(ErrWrongExpectedVersion, "%s: expected %d", stream, expectedVersion)
	}

	next := int64(0)
	if exists {
		next = cur + 1
	}
	now := l.opts.Now().UnixNano()
	for i := range recs {
		recs[i].EventNumber = next + int64(i)
		if tombstone {
			recs[i].EventNumber = TombstoneEventNumber
		}
		recs[i].TimeStamp = now
	}
	placed, err := l.plan(recs, now)
	if err != nil {
		return AppendResult{}, errors.Wrap(err, "eventlog: append")
	}

	res := AppendResult{FirstEventNumber: next, Positions: make([]int64, 0, len(recs))}
	hash := l.opts.Hasher.Hash(stream)
	b := l.db.NewBatch()
	defer b.Close()
	m := l.mark()
	for i, r := range recs {
		if err := l.write(placed[i]); err != nil {
			return AppendResult{}, l.undo(m, errors.Wrap(err, "eventlog: append"))
		}
		if err := b.Set(KeyIndexEntry(hash, r.EventNumber, r.Position), nil, nil); err != nil {
			return AppendResult{}, l.undo(m, err)
		}
		res.Positions = append(res.Positions, r.Position)
		res.LastEventNumber = r.EventNumber
	}
	if l.opts.Sync {
		if err := l.active.Sync(); err != nil {
			return AppendResult{}, l.undo(m, err)
		}
	}
	if err := b.Set(KeyStreamVersion(stream), appendBE8(nil, uint64(res.LastEventNumber)), nil); err != nil {
		return AppendResult{}, l.undo(m, err)
	}
	if err := b.Set(keyIndexedTo, appendBE8(nil, uint64(l.next)), nil); err != nil {
		return AppendResult{}, l.undo(m, err)
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return AppendResult{}, l.undo(m, err)
	}
	if l.opts.Filter != nil && len(res.Positions) > 0 {
		l.opts.Filter.Add(stream, res.Positions[len(res.Positions)-1])
	}
	return res, nil
}

// StreamVersion returns the last event number of stream. ok is false when
// the stream was never written.
func (l *Log) StreamVersion(stream string) (version int64, ok bool, err error) {
	if l.opts.Filter != nil && !l.opts.Filter.MightExist(stream) {
		return 0, false, nil
	}
	return l.version(stream)
}

// metadataDoc is the JSON body of a metadata event. Ages are in seconds.
type metadataDoc struct {
	MaxAge         *int64 `json:"$maxAge,omitempty"`
	MaxCount       *int64 `json:"$maxCount,omitempty"`
	TruncateBefore *int64 `json:"$tb,omitempty"`
}

// EncodeMetadata renders md as a metadata event body.
func EncodeMetadata(md scavenge.StreamMetadata) ([]byte, error) {
	var doc metadataDoc
	if md.MaxAge != nil {
		s := int64(*md.MaxAge / time.Second)
		doc.MaxAge = &s
	}
	doc.MaxCount = md.MaxCount
	doc.TruncateBefore = md.TruncateBefore
	return json.Marshal(doc)
}

// DecodeMetadata parses a metadata event body. Unknown keys are ignored and
// malformed values leave the rule unset.
func DecodeMetadata(data []byte) scavenge.StreamMetadata {
	var md scavenge.StreamMetadata
	if len(data) == 0 {
		return md
	}
	if v, err := jsonparser.GetInt(data, "$maxAge"); err == nil && v >= 0 {
		d := time.Duration(v) * time.Second
		md.MaxAge = &d
	}
	if v, err := jsonparser.GetInt(data, "$maxCount"); err == nil && v >= 0 {
		md.MaxCount = &v
	}
	if v, err := jsonparser.GetInt(data, "$tb"); err == nil && v >= 0 {
		md.TruncateBefore = &v
	}
	return md
}
