// Package queue implements the orchq work queue contract: fingerprint-based
// dedup, priority ordering, lease-based exclusive retrieval, heartbeats with
// orphan and stall detection, optimistic metadata merge, blocking result wait
// and cancellation.
//
// The durable state lives behind Store. Each backend (Pebble, Redis,
// Postgres) implements Store once, using its native serialization primitive
// for lease acquisition. Driver owns a Store and hands out scoped Connection
// values; every state transition of a WorkItem goes through a Connection.
//
//	drv, _ := queue.NewDriver(queue.Options{Store: st, Config: queue.DefaultConfig()})
//	conn, _ := drv.Connect("reports")
//	res, _ := conn.Enqueue(ctx, queue.EnqueueRequest{Key: queue.Key("q1"), Priority: 5})
//	lease, _ := conn.RetrieveForProcessing(ctx, queue.Key("q1"), "p-1")
package queue
