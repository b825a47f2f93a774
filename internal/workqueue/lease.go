package workqueue

import (
	"github.com/cockroachdb/pebble"

	"github.com/rzbill/orchq/internal/queue"
)

// setLease records item as active under its holder and indexes its orphan
// deadline.
func setLease(b *pebble.Batch, scope string, item *queue.WorkItem) error {
	if err := b.Set(activeKey(scope, item.Fingerprint), []byte(item.LeaseHolder), nil); err != nil {
		return err
	}
	return b.Set(orphanIndexKey(scope, item.OrphanDeadlineMs(), item.Fingerprint), nil, nil)
}

// clearLease removes the active entry and orphan index entry for item using
// its current heartbeat.
func clearLease(b *pebble.Batch, scope string, item *queue.WorkItem) error {
	if err := b.Delete(activeKey(scope, item.Fingerprint), nil); err != nil {
		return err
	}
	return b.Delete(orphanIndexKey(scope, item.OrphanDeadlineMs(), item.Fingerprint), nil)
}

// extendLease moves the orphan index entry to a new heartbeat.
func extendLease(b *pebble.Batch, scope string, item *queue.WorkItem, nowMs int64) error {
	if err := b.Delete(orphanIndexKey(scope, item.OrphanDeadlineMs(), item.Fingerprint), nil); err != nil {
		return err
	}
	item.LastHeartbeatMs = nowMs
	return b.Set(orphanIndexKey(scope, item.OrphanDeadlineMs(), item.Fingerprint), nil, nil)
}

func setPending(b *pebble.Batch, scope string, item *queue.WorkItem) error {
	return b.Set(pendingIndexKey(scope, item.Priority, item.CreatedAtMs, item.Seq, item.Fingerprint), nil, nil)
}

func clearPending(b *pebble.Batch, scope string, item *queue.WorkItem) error {
	return b.Delete(pendingIndexKey(scope, item.Priority, item.CreatedAtMs, item.Seq, item.Fingerprint), nil)
}
