// Package redisqueue is the Redis backend for the orchq queue.
//
// Each scope lives under the hash-tagged prefix orchq:{scope}: so that all of
// its keys land in one cluster slot:
//
//	item:{fp}   HASH  status, holder, hb, created, seq, attempts, orphan_ms, prio, member, def, extra
//	pending     ZSET  all scores 0; members sort lexically in retrieval order
//	active      SET   fingerprints holding a lease
//	orphan      ZSET  fingerprints scored by heartbeat deadline
//	created     ZSET  never-retrieved fingerprints scored by creation time
//	result:{fp} STRING outcome JSON, expiring after the result TTL
//	seq         STRING ordering sequence
//
// Lease transitions run as Lua scripts, so exclusivity holds across every
// process sharing the Redis instance. Outcomes are announced on the channel
// orchq:{scope}:done:{fp}; one pattern subscription per Store fans them out to
// local waiters.
package redisqueue
