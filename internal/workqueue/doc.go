// Package workqueue is the embedded Pebble backend for the orchq queue.
//
// Every mutation runs inside pebblestore.DB.Update, which holds a single
// writer lock for the read-modify-write and commits one batch. That lock is
// the compare-and-swap primitive behind lease acquisition.
//
// # Keyspace
//
// All keys are prefixed with q/{scope}/:
//
//	item/{fp}                                  - WorkItem record (CRC-framed JSON)
//	pending_idx/{^priority}{created_ms}{seq}{fp} - retrieval order of pending items
//	active/{fp}                                - lease holder of active items
//	orphan_idx/{deadline_ms}{fp}               - heartbeat deadline of active items
//	created_idx/{created_ms}{fp}               - creation time, for stall detection
//	result/{fp}                                - retained Outcome
//	result_idx/{expires_ms}{fp}                - outcome expiry, for purging
//	stats/{pending|active}                     - counters
//
// plus the global meta/seq and meta/processing_counter.
//
// Waiters are woken through an in-process queue.Hub, so a Store must be the
// only writer to its data directory.
package workqueue
