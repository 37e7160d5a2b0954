// Package pebblestore provides a thin wrapper around Pebble with fsync policy,
// snapshots, batches, indexed batches, prefix helpers and minimal metrics
// hooks. The scavenger keeps two stores on it: the stream index and the
// private scavenge state.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	// Atomic updates with batches
//	b := db.NewBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.CommitBatch(context.Background(), b)
//	b.Close()
//
//	// Point ops
//	_ = db.Set([]byte("k2"), []byte("v2"))
//	v, _ := db.Get([]byte("k2"))
//
//	// Read-your-writes transaction
//	tx := db.NewIndexedBatch()
//	_ = tx.Set([]byte("scav/cp"), cp, nil)
//	_ = db.CommitBatchSync(ctx, tx)
//
//	// Prefix scans
//	it, _ := db.NewIter(pebblestore.PrefixIterOptions([]byte("idx/")))
package pebblestore
