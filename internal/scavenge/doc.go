// Package scavenge implements log compaction ("scavenging").
//
// # Overview
//
// A run is bounded by a scavenge point and moves through checkpointed phases:
//
//	Accumulating -> Calculating -> ExecutingChunks -> ExecutingIndex -> Merging -> Cleaning -> Done
//
// Accumulation records per-stream facts (metadata, tombstones, hash
// collisions, chunk time ranges). Calculation turns them into discard points
// and per-chunk weights. The executors then rewrite heavy chunks and filter
// the stream index.
//
// State lives in Pebble under the scav/ prefix:
//   - scav/cp                 current checkpoint
//   - scav/sp                 last completed scavenge point
//   - scav/hn/{hash_be8}      first name seen for a hash
//   - scav/col/{name}         collision set
//   - scav/sd/{handle}        stream data
//   - scav/act/{handle}       streams awaiting calculation
//   - scav/cw/{chunk_be8}     chunk weight (float64 bits)
//   - scav/ct/{chunk_be8}     chunk time range (min, max unix nanos)
//
// Every mutation is made inside a State transaction and committed together
// with the checkpoint it produces, so a crash resumes from the last commit.
//
// Usage
//
//	scav, _ := scavenge.New(deps, opts)
//	svc := scavenge.NewService(scav, logger)
//	runID, _ := svc.Start(ctx)
//	_ = runID
//	st := svc.Status()
package scavenge
