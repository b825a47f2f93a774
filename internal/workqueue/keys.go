package workqueue

import (
	"encoding/binary"

	"github.com/rzbill/orchq/pkg/id"
)

// Key prefixes under q/{scope}/
const (
	prefixItem      = "item/"        // WorkItem record
	prefixPending   = "pending_idx/" // ^priority | created_ms+seq | fp
	prefixActive    = "active/"      // fp -> lease holder
	prefixOrphan    = "orphan_idx/"  // deadline_ms | fp
	prefixCreated   = "created_idx/" // created_ms | fp
	prefixResult    = "result/"      // fp -> Outcome record
	prefixResultIdx = "result_idx/"  // expires_ms | fp
	prefixStats     = "stats/"       // pending / active counters
)

var (
	seqKey     = []byte("meta/seq")
	counterKey = []byte("meta/processing_counter")
)

// scopePrefix returns the base prefix for a scope.
// Format: q/{scope}/
func scopePrefix(scope string) string { return "q/" + scope + "/" }

func join(scope, prefix, fp string) []byte {
	return []byte(scopePrefix(scope) + prefix + fp)
}

// itemKey format: q/{scope}/item/{fp}
func itemKey(scope, fp string) []byte { return join(scope, prefixItem, fp) }

// activeKey format: q/{scope}/active/{fp}
func activeKey(scope, fp string) []byte { return join(scope, prefixActive, fp) }

// resultKey format: q/{scope}/result/{fp}
func resultKey(scope, fp string) []byte { return join(scope, prefixResult, fp) }

func statsKey(scope, name string) []byte { return join(scope, prefixStats, name) }

func indexPrefix(scope, prefix string) []byte { return []byte(scopePrefix(scope) + prefix) }

// pendingIndexKey orders pending items by priority descending, then creation
// time and sequence ascending.
// Format: q/{scope}/pending_idx/{^priority:8}{created_ms:8}{seq:8}{fp}
func pendingIndexKey(scope string, priority int64, createdMs int64, seq uint64, fp string) []byte {
	prefix := indexPrefix(scope, prefixPending)
	order := id.Make(createdMs, seq)
	key := make([]byte, 0, len(prefix)+8+16+len(fp))
	key = append(key, prefix...)
	key = binary.BigEndian.AppendUint64(key, ^uint64(priority))
	key = append(key, order[:]...)
	return append(key, fp...)
}

// timeIndexKey format: q/{scope}/{prefix}{ms:8}{fp}
func timeIndexKey(scope, prefix string, ms int64, fp string) []byte {
	p := indexPrefix(scope, prefix)
	key := make([]byte, 0, len(p)+8+len(fp))
	key = append(key, p...)
	key = binary.BigEndian.AppendUint64(key, uint64(ms))
	return append(key, fp...)
}

func orphanIndexKey(scope string, deadlineMs int64, fp string) []byte {
	return timeIndexKey(scope, prefixOrphan, deadlineMs, fp)
}

func createdIndexKey(scope string, createdMs int64, fp string) []byte {
	return timeIndexKey(scope, prefixCreated, createdMs, fp)
}

func resultIndexKey(scope string, expiresMs int64, fp string) []byte {
	return timeIndexKey(scope, prefixResultIdx, expiresMs, fp)
}

// timeUpperBound is the exclusive upper bound for time index entries at or
// before ms.
func timeUpperBound(scope, prefix string, ms int64) []byte {
	p := indexPrefix(scope, prefix)
	key := make([]byte, 0, len(p)+8)
	key = append(key, p...)
	return binary.BigEndian.AppendUint64(key, uint64(ms)+1)
}

// parseTimeIndexKey splits a time index key into its timestamp and fingerprint.
func parseTimeIndexKey(key []byte, prefixLen int) (int64, string, bool) {
	if len(key) < prefixLen+8 {
		return 0, "", false
	}
	ms := int64(binary.BigEndian.Uint64(key[prefixLen : prefixLen+8]))
	return ms, string(key[prefixLen+8:]), true
}

// parsePendingIndexKey returns the fingerprint of a pending index key.
func parsePendingIndexKey(key []byte, prefixLen int) (string, bool) {
	if len(key) < prefixLen+24 {
		return "", false
	}
	return string(key[prefixLen+24:]), true
}
