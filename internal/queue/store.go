package queue

import (
	"context"
	"time"
)

// Store is the durable home of queue state for every scope. Implementations
// must make Add, Retrieve, Requeue, Complete and Cancel atomic with respect to
// every other caller of the same backend, using the backend's own
// serialization primitive.
type Store interface {
	// Add inserts item unless its fingerprint is already live in scope. A
	// successful add clears any retained outcome for the fingerprint.
	Add(ctx context.Context, scope string, item WorkItem) (AddResult, error)

	// Retrieve moves a pending item to active for holder if fewer than
	// concurrency items are active in scope. It returns nil, nil when the item
	// is not pending or the scope is full.
	Retrieve(ctx context.Context, scope, fingerprint, holder string, concurrency int, nowMs int64) (*Lease, error)

	// Heartbeat refreshes the lease of holder (any holder when empty). It
	// returns ErrNotFound when the item is gone and ErrLeaseLost when it is not
	// active under holder.
	Heartbeat(ctx context.Context, scope, fingerprint, holder string, nowMs int64) error

	// MergeExtra merges patch into the item's extra map; see MergeExtra. It
	// reports false when the item does not exist.
	MergeExtra(ctx context.Context, scope, fingerprint string, patch map[string]any) (bool, error)

	// Get returns the live item or ErrNotFound.
	Get(ctx context.Context, scope, fingerprint string) (*WorkItem, error)

	// Requeue moves an active item back to pending when cond holds.
	Requeue(ctx context.Context, scope, fingerprint string, cond LeaseCondition) (*WorkItem, error)

	// Complete records outcome for ttl, removes the item if present and wakes
	// waiters. It returns the removed item, or nil if none was live.
	Complete(ctx context.Context, scope, fingerprint string, outcome Outcome, ttl time.Duration) (*WorkItem, error)

	// Cancel removes a live item, records a cancelled outcome and wakes
	// waiters. It returns ErrNotFound when nothing is live.
	Cancel(ctx context.Context, scope, fingerprint string, outcome Outcome, ttl time.Duration) (*WorkItem, error)

	// List returns items with the given status. Pending items come back in
	// retrieval order; active items are sorted by fingerprint.
	List(ctx context.Context, scope string, status Status) ([]WorkItem, error)

	// Orphaned returns active items whose heartbeat deadline is before nowMs.
	Orphaned(ctx context.Context, scope string, nowMs int64) ([]WorkItem, error)

	// Stalled returns never-retrieved pending items created at or before
	// createdBeforeMs.
	Stalled(ctx context.Context, scope string, createdBeforeMs int64) ([]WorkItem, error)

	// Result returns the retained outcome, or nil when there is none.
	Result(ctx context.Context, scope, fingerprint string, nowMs int64) (*Outcome, error)

	// Subscribe returns a subscription signalled whenever an outcome is
	// recorded for fingerprint.
	Subscribe(ctx context.Context, scope, fingerprint string) (Subscription, error)

	// NextProcessingID returns a store-wide monotonically increasing id.
	NextProcessingID(ctx context.Context) (int64, error)

	// PurgeResults drops outcomes that expired before nowMs.
	PurgeResults(ctx context.Context, scope string, nowMs int64) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Subscription delivers wake-up signals for one fingerprint. Signals carry no
// data; receivers re-read the outcome from the store.
type Subscription interface {
	C() <-chan struct{}
	Close() error
}
