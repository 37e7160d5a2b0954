// Package eventlog implements the append-only event log the scavenger
// compacts.
//
// # Layout
//
// Records live in chunk files under Options.Dir. A position is a byte offset
// in the logical log and logical chunk n covers positions
// [n*ChunkSize, (n+1)*ChunkSize). A file named chunk-{start}.{end} holds
// logical chunks start..end; files cover more than one logical chunk only
// after a merge. Every logical chunk begins with a system record and a record
// never crosses a logical chunk boundary.
//
// Records are framed as be4 length | record, with the record encoded as
// varint headerLen | header | payload | crc32c(header|payload). Headers are
// msgpack, payloads are snappy compressed.
//
// The stream index is kept in Pebble, ordered for range scans:
//   - idx/{hash_be8}/{evnum_be8}/{pos_be8}  one entry per event
//   - ver/{stream}                          last event number of a stream
//   - meta/indexed                          next position to index on open
//
// # Streams
//
// The metastream of stream x is $$x and carries $metadata events whose JSON
// body sets $maxAge (seconds), $maxCount and $tb. Delete writes a tombstone
// with event number math.MaxInt64; a tombstoned stream rejects writes.
// Scavenge points are events of the $scavengePoints stream.
//
// # Scavenging
//
// Log implements the collaborators the scavenge package needs: the
// accumulator chunk reader, the calculator index reader, the chunk manager
// and merger, the index scavenger, the stream name lookup and the scavenge
// point source.
//
//	l, _ := eventlog.Open(ctx, db, eventlog.Options{Dir: dir, ChunkSize: 1 << 20})
//	_, _ = l.Append(ctx, "orders", eventlog.ExpectedAny, []eventlog.EventData{{Type: "placed", Data: body}})
//	_, _ = l.SetMetadata(ctx, "orders", eventlog.ExpectedAny, scavenge.StreamMetadata{MaxCount: &n})
package eventlog
