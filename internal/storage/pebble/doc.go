// Package pebblestore wraps Pebble for the embedded queue store and the event
// journal. Writes that read first go through Update, which serializes them
// behind one lock; plain reads use View or a snapshot.
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
//	// Read-modify-write under the writer lock
//	err = db.Update(ctx, func(b *pebble.Batch) error {
//	    v, err := pebblestore.GetFrom(b, []byte("k"))
//	    ...
//	    return b.Set([]byte("k"), next, nil)
//	})
package pebblestore
