// Package eventlog keeps a local, append-only journal of queue lifecycle
// events per scope, persisted in Pebble.
//
// # Overview
//
// Every scope has its own sequence. Keys are lexicographically ordered so a
// scope's entries are one contiguous range:
//   - j/{scope}/m              (scope metadata: lastSeq)
//   - j/{scope}/e/{seq_be8}    (entries)
//   - j/{scope}/c/{group}      (durable reader cursors)
//   - js/{scope}               (scope index used by retention)
//
// Records are stored as: varint headerLen | header | payload | crc32c(header|payload).
// The header is the event time (8B BE ms) followed by the event type; the
// payload is the JSON event.
//
// Usage
//
//	j, _ := eventlog.Open(eventlog.Options{DataDir: dir, Retention: 24 * time.Hour})
//	defer j.Close()
//	j.Publish(ctx, ev) // queue.EventSink; never blocks on I/O
//
//	// Read forward after a sequence, waiting up to 5s for the first entry.
//	entries, next, _ := j.Read(ctx, "reports", eventlog.ReadRequest{After: 10, Limit: 100, Wait: 5 * time.Second})
//
//	// Durable per-reader progress (no regression).
//	_ = j.Commit("reports", "auditor", next)
package eventlog
