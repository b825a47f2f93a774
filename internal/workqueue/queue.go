package workqueue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/orchq/internal/queue"
	pebblestore "github.com/rzbill/orchq/internal/storage/pebble"
)

// Store is the Pebble-backed queue.Store. Lease acquisition and every other
// transition run inside pebblestore.DB.Update, which serializes writers, so a
// single Store gives at-most-one lease per fingerprint across all goroutines
// of the owning process.
type Store struct {
	db     *pebblestore.DB
	hub    *queue.Hub
	ownsDB bool
	closed atomic.Bool
}

var _ queue.Store = (*Store)(nil)

// New wraps an open database. The caller keeps ownership of db.
func New(db *pebblestore.DB) *Store {
	return &Store{db: db, hub: queue.NewHub()}
}

// Open opens a database at opts.DataDir and returns a Store that closes it.
func Open(opts pebblestore.Options) (*Store, error) {
	db, err := pebblestore.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	s := New(db)
	s.ownsDB = true
	return s, nil
}

// DB exposes the underlying database.
func (s *Store) DB() *pebblestore.DB { return s.db }

func (s *Store) update(ctx context.Context, fn func(b *pebble.Batch) error) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: pebble store closed", queue.ErrStoreUnavailable)
	}
	return s.db.Update(ctx, fn)
}

func (s *Store) reader() (pebblestore.Reader, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: pebble store closed", queue.ErrStoreUnavailable)
	}
	return s.db.View(), nil
}

func loadItem(r pebblestore.Reader, scope, fp string) (*queue.WorkItem, error) {
	raw, err := pebblestore.GetFrom(r, itemKey(scope, fp))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var item queue.WorkItem
	if err := unmarshalRecord(raw, kindItem, &item); err != nil {
		return nil, fmt.Errorf("item %s: %w", fp, err)
	}
	return &item, nil
}

func putItem(b *pebble.Batch, scope string, item *queue.WorkItem) error {
	raw, err := marshalRecord(kindItem, item)
	if err != nil {
		return err
	}
	return b.Set(itemKey(scope, item.Fingerprint), raw, nil)
}

func readCounter(r pebblestore.Reader, key []byte) (int64, error) {
	raw, err := pebblestore.GetFrom(r, key)
	if errors.Is(err, pebblestore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, errCorrupt
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

func addCounter(b *pebble.Batch, key []byte, delta int64) (int64, error) {
	n, err := readCounter(b, key)
	if err != nil {
		return 0, err
	}
	n += delta
	if n < 0 {
		n = 0
	}
	return n, b.Set(key, binary.BigEndian.AppendUint64(nil, uint64(n)), nil)
}

type stats struct{ active, pending int }

func readStats(r pebblestore.Reader, scope string) (stats, error) {
	a, err := readCounter(r, statsKey(scope, "active"))
	if err != nil {
		return stats{}, err
	}
	p, err := readCounter(r, statsKey(scope, "pending"))
	if err != nil {
		return stats{}, err
	}
	return stats{active: int(a), pending: int(p)}, nil
}

func adjustStats(b *pebble.Batch, scope string, dPending, dActive int64) error {
	if dPending != 0 {
		if _, err := addCounter(b, statsKey(scope, "pending"), dPending); err != nil {
			return err
		}
	}
	if dActive != 0 {
		if _, err := addCounter(b, statsKey(scope, "active"), dActive); err != nil {
			return err
		}
	}
	return nil
}

// Add implements queue.Store.
func (s *Store) Add(ctx context.Context, scope string, item queue.WorkItem) (queue.AddResult, error) {
	var res queue.AddResult
	err := s.update(ctx, func(b *pebble.Batch) error {
		_, err := loadItem(b, scope, item.Fingerprint)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrNotFound):
			seq, err := addCounter(b, seqKey, 1)
			if err != nil {
				return err
			}
			item.Seq = uint64(seq)
			item.Status = queue.StatusPending
			if err := putItem(b, scope, &item); err != nil {
				return err
			}
			if err := setPending(b, scope, &item); err != nil {
				return err
			}
			if err := b.Set(createdIndexKey(scope, item.CreatedAtMs, item.Fingerprint), nil, nil); err != nil {
				return err
			}
			if err := dropOutcome(b, scope, item.Fingerprint); err != nil {
				return err
			}
			if err := adjustStats(b, scope, 1, 0); err != nil {
				return err
			}
			res.Added = true
		default:
			return err
		}
		st, err := readStats(b, scope)
		res.Active, res.Pending = st.active, st.pending
		return err
	})
	return res, err
}

// Retrieve implements queue.Store.
func (s *Store) Retrieve(ctx context.Context, scope, fp, holder string, concurrency int, nowMs int64) (*queue.Lease, error) {
	var lease *queue.Lease
	err := s.update(ctx, func(b *pebble.Batch) error {
		item, err := loadItem(b, scope, fp)
		if errors.Is(err, queue.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if item.Status != queue.StatusPending {
			return nil
		}
		st, err := readStats(b, scope)
		if err != nil {
			return err
		}
		if st.active >= concurrency {
			return nil
		}
		if err := clearPending(b, scope, item); err != nil {
			return err
		}
		item.Status = queue.StatusActive
		item.LeaseHolder = holder
		item.LastHeartbeatMs = nowMs
		item.Attempts++
		if err := setLease(b, scope, item); err != nil {
			return err
		}
		if err := putItem(b, scope, item); err != nil {
			return err
		}
		if err := adjustStats(b, scope, -1, 1); err != nil {
			return err
		}
		active, err := activeFingerprints(b, scope)
		if err != nil {
			return err
		}
		lease = &queue.Lease{Item: *item, Active: active, PendingCount: st.pending - 1}
		return nil
	})
	return lease, err
}

func activeFingerprints(r pebblestore.Reader, scope string) ([]string, error) {
	prefix := indexPrefix(scope, prefixActive)
	var out []string
	err := pebblestore.Scan(r, prefix, func(k, _ []byte) (bool, error) {
		out = append(out, string(k[len(prefix):]))
		return true, nil
	})
	return out, err
}

// Heartbeat implements queue.Store.
func (s *Store) Heartbeat(ctx context.Context, scope, fp, holder string, nowMs int64) error {
	return s.update(ctx, func(b *pebble.Batch) error {
		item, err := loadItem(b, scope, fp)
		if err != nil {
			return err
		}
		if item.Status != queue.StatusActive || (holder != "" && item.LeaseHolder != holder) {
			return queue.ErrLeaseLost
		}
		if err := extendLease(b, scope, item, nowMs); err != nil {
			return err
		}
		return putItem(b, scope, item)
	})
}

// MergeExtra implements queue.Store.
func (s *Store) MergeExtra(ctx context.Context, scope, fp string, patch map[string]any) (bool, error) {
	found := false
	err := s.update(ctx, func(b *pebble.Batch) error {
		item, err := loadItem(b, scope, fp)
		if errors.Is(err, queue.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		item.Definition.Extra = queue.MergeExtra(item.Definition.Extra, patch)
		return putItem(b, scope, item)
	})
	return found, err
}

// Get implements queue.Store.
func (s *Store) Get(ctx context.Context, scope, fp string) (*queue.WorkItem, error) {
	r, err := s.reader()
	if err != nil {
		return nil, err
	}
	return loadItem(r, scope, fp)
}

// Requeue implements queue.Store.
func (s *Store) Requeue(ctx context.Context, scope, fp string, cond queue.LeaseCondition) (*queue.WorkItem, error) {
	var out *queue.WorkItem
	err := s.update(ctx, func(b *pebble.Batch) error {
		item, err := loadItem(b, scope, fp)
		if err != nil {
			return err
		}
		if item.Status != queue.StatusActive ||
			(cond.Holder != "" && item.LeaseHolder != cond.Holder) ||
			(cond.OrphanedBeforeMs > 0 && item.OrphanDeadlineMs() >= cond.OrphanedBeforeMs) {
			return queue.ErrLeaseLost
		}
		if err := clearLease(b, scope, item); err != nil {
			return err
		}
		item.Status = queue.StatusPending
		item.LeaseHolder = ""
		if err := setPending(b, scope, item); err != nil {
			return err
		}
		if err := putItem(b, scope, item); err != nil {
			return err
		}
		out = item
		return adjustStats(b, scope, 1, -1)
	})
	return out, err
}

// removeItem deletes item and every index entry pointing at it.
func removeItem(b *pebble.Batch, scope string, item *queue.WorkItem) error {
	switch item.Status {
	case queue.StatusPending:
		if err := clearPending(b, scope, item); err != nil {
			return err
		}
		if err := adjustStats(b, scope, -1, 0); err != nil {
			return err
		}
	case queue.StatusActive:
		if err := clearLease(b, scope, item); err != nil {
			return err
		}
		if err := adjustStats(b, scope, 0, -1); err != nil {
			return err
		}
	}
	if err := b.Delete(createdIndexKey(scope, item.CreatedAtMs, item.Fingerprint), nil); err != nil {
		return err
	}
	return b.Delete(itemKey(scope, item.Fingerprint), nil)
}

func (s *Store) finish(ctx context.Context, scope, fp string, o queue.Outcome, ttl time.Duration, requireItem bool) (*queue.WorkItem, error) {
	var removed *queue.WorkItem
	err := s.update(ctx, func(b *pebble.Batch) error {
		item, err := loadItem(b, scope, fp)
		switch {
		case err == nil:
			if err := removeItem(b, scope, item); err != nil {
				return err
			}
			removed = item
		case errors.Is(err, queue.ErrNotFound) && !requireItem:
		default:
			return err
		}
		return putOutcome(b, scope, fp, o, ttl)
	})
	if err != nil {
		return nil, err
	}
	s.hub.Publish(queue.Topic(scope, fp))
	return removed, nil
}

// Complete implements queue.Store.
func (s *Store) Complete(ctx context.Context, scope, fp string, o queue.Outcome, ttl time.Duration) (*queue.WorkItem, error) {
	return s.finish(ctx, scope, fp, o, ttl, false)
}

// Cancel implements queue.Store.
func (s *Store) Cancel(ctx context.Context, scope, fp string, o queue.Outcome, ttl time.Duration) (*queue.WorkItem, error) {
	return s.finish(ctx, scope, fp, o, ttl, true)
}

// List implements queue.Store.
func (s *Store) List(ctx context.Context, scope string, status queue.Status) ([]queue.WorkItem, error) {
	r, err := s.reader()
	if err != nil {
		return nil, err
	}
	var fps []string
	switch status {
	case queue.StatusPending:
		prefix := indexPrefix(scope, prefixPending)
		err = pebblestore.Scan(r, prefix, func(k, _ []byte) (bool, error) {
			if fp, ok := parsePendingIndexKey(k, len(prefix)); ok {
				fps = append(fps, fp)
			}
			return true, nil
		})
	case queue.StatusActive:
		fps, err = activeFingerprints(r, scope)
	default:
		return nil, fmt.Errorf("list: unsupported status %q", status)
	}
	if err != nil {
		return nil, err
	}
	return loadItems(r, scope, fps, func(it *queue.WorkItem) bool { return it.Status == status })
}

func loadItems(r pebblestore.Reader, scope string, fps []string, keep func(*queue.WorkItem) bool) ([]queue.WorkItem, error) {
	out := make([]queue.WorkItem, 0, len(fps))
	for _, fp := range fps {
		item, err := loadItem(r, scope, fp)
		if errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep(item) {
			out = append(out, *item)
		}
	}
	return out, nil
}

// scanTimeIndex returns fingerprints from a time index with timestamps at
// or before ms.
func scanTimeIndex(r pebblestore.Reader, scope, prefix string, ms int64) ([]string, error) {
	lower := indexPrefix(scope, prefix)
	var fps []string
	err := pebblestore.ScanRange(r, lower, timeUpperBound(scope, prefix, ms), func(k, _ []byte) (bool, error) {
		if _, fp, ok := parseTimeIndexKey(k, len(lower)); ok {
			fps = append(fps, fp)
		}
		return true, nil
	})
	return fps, err
}

// Orphaned implements queue.Store.
func (s *Store) Orphaned(ctx context.Context, scope string, nowMs int64) ([]queue.WorkItem, error) {
	r, err := s.reader()
	if err != nil {
		return nil, err
	}
	fps, err := scanTimeIndex(r, scope, prefixOrphan, nowMs-1)
	if err != nil {
		return nil, err
	}
	items, err := loadItems(r, scope, fps, func(it *queue.WorkItem) bool { return it.IsOrphaned(nowMs) })
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Fingerprint < items[j].Fingerprint })
	return items, nil
}

// Stalled implements queue.Store.
func (s *Store) Stalled(ctx context.Context, scope string, createdBeforeMs int64) ([]queue.WorkItem, error) {
	r, err := s.reader()
	if err != nil {
		return nil, err
	}
	fps, err := scanTimeIndex(r, scope, prefixCreated, createdBeforeMs)
	if err != nil {
		return nil, err
	}
	return loadItems(r, scope, fps, func(it *queue.WorkItem) bool { return it.IsStalled(createdBeforeMs) })
}

// Result implements queue.Store.
func (s *Store) Result(ctx context.Context, scope, fp string, nowMs int64) (*queue.Outcome, error) {
	r, err := s.reader()
	if err != nil {
		return nil, err
	}
	rec, err := loadOutcome(r, scope, fp)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.ExpiresMs < nowMs {
		return nil, nil
	}
	return &rec.Outcome, nil
}

// Subscribe implements queue.Store.
func (s *Store) Subscribe(ctx context.Context, scope, fp string) (queue.Subscription, error) {
	return s.hub.Subscribe(queue.Topic(scope, fp)), nil
}

// NextProcessingID implements queue.Store.
func (s *Store) NextProcessingID(ctx context.Context) (int64, error) {
	var n int64
	err := s.update(ctx, func(b *pebble.Batch) (err error) {
		n, err = addCounter(b, counterKey, 1)
		return err
	})
	return n, err
}

// PurgeResults implements queue.Store.
func (s *Store) PurgeResults(ctx context.Context, scope string, nowMs int64) (int, error) {
	var n int
	err := s.update(ctx, func(b *pebble.Batch) (err error) {
		n, err = purgeOutcomes(b, scope, nowMs)
		return err
	})
	return n, err
}

// Ping implements queue.Store.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: pebble store closed", queue.ErrStoreUnavailable)
	}
	if err := s.db.CheckHealth(); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrStoreUnavailable, err)
	}
	return nil
}

// Close implements queue.Store.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
