package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/orchq/pkg/log"
)

// Connection is a scope-bound handle on the queue. It is safe for concurrent
// use and holds no authoritative state of its own.
type Connection struct {
	d      *Driver
	scope  string
	id     string
	logger log.Logger
}

// Scope returns the scope the connection is bound to.
func (c *Connection) Scope() string { return c.scope }

// ID returns the connection's unique id.
func (c *Connection) ID() string { return c.id }

func (c *Connection) nowMs() int64 { return c.d.now().UnixMilli() }

func (c *Connection) emit(ctx context.Context, t EventType, item *WorkItem, processingID string) {
	c.d.events.Publish(ctx, Event{
		Type:         t,
		Scope:        c.scope,
		Fingerprint:  item.Fingerprint,
		ProcessingID: processingID,
		StageKey:     item.Definition.StageKey,
		Priority:     item.Priority,
		AtMs:         c.nowMs(),
	})
}

// Enqueue adds a pending item for req.Key unless one is already live.
func (c *Connection) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if req.Key.IsZero() {
		return EnqueueResult{}, errors.New("queue: empty query key")
	}
	now := c.d.now()
	priority := req.Priority
	if priority < 0 {
		priority = 0
	}
	orphan := req.OrphanTimeout
	if orphan <= 0 {
		orphan = c.d.cfg.OrphanTimeout
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	fp := Fingerprint(req.Key)
	item := WorkItem{
		Fingerprint: fp,
		Definition: Definition{
			Handler:         req.Handler,
			HandlerArgs:     req.HandlerArgs,
			Query:           req.Query,
			QueryKey:        req.Key,
			StageKey:        req.StageKey,
			RequestID:       requestID,
			Priority:        priority,
			AddedToQueueMs:  now.UnixMilli(),
			OrphanTimeoutMs: orphan.Milliseconds(),
		},
		Priority:        priority,
		Status:          StatusPending,
		CreatedAtMs:     now.UnixMilli(),
		OrphanTimeoutMs: orphan.Milliseconds(),
	}

	var res AddResult
	err := c.d.guard(c.scope, "enqueue", func() (err error) {
		res, err = c.d.store.Add(ctx, c.scope, item)
		return err
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue %s: %w", fp, err)
	}
	c.d.rec.Enqueued(c.scope, res.Added)
	out := EnqueueResult{ActiveCount: res.Active, PendingCount: res.Pending, EnqueuedAt: now}
	if res.Added {
		out.Added = 1
		c.emit(ctx, EventEnqueued, &item, "")
		c.logger.Debug("enqueued", log.Str("fingerprint", fp), log.Int64("priority", priority), log.Str("request_id", requestID))
	}
	return out, nil
}

// RetrieveForProcessing tries to take the lease on key for processingID. It
// returns nil, nil when the item is not pending or the scope is at its
// concurrency limit.
func (c *Connection) RetrieveForProcessing(ctx context.Context, key QueryKey, processingID string) (*LeaseResult, error) {
	if processingID == "" {
		return nil, errors.New("queue: processing id is required")
	}
	fp := Fingerprint(key)
	var lease *Lease
	err := c.d.guard(c.scope, "retrieve", func() (err error) {
		lease, err = c.d.store.Retrieve(ctx, c.scope, fp, processingID, c.d.cfg.Concurrency, c.nowMs())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve %s: %w", fp, err)
	}
	c.d.rec.Acquired(c.scope, lease != nil)
	if lease == nil {
		return nil, nil
	}
	c.emit(ctx, EventAcquired, &lease.Item, processingID)
	c.logger.Debug("lease acquired", log.Str("fingerprint", fp), log.Str("processing_id", processingID), log.Int("attempt", lease.Item.Attempts))
	return &LeaseResult{
		Fingerprint:  fp,
		Definition:   lease.Item.Definition,
		Active:       lease.Active,
		PendingCount: lease.PendingCount,
		Attempts:     lease.Item.Attempts,
		LockAcquired: true,
	}, nil
}

// HeartbeatLease refreshes the lease and reports whether processingID still
// holds it. An empty processingID refreshes whichever lease is active.
func (c *Connection) HeartbeatLease(ctx context.Context, key QueryKey, processingID string) (bool, error) {
	fp := Fingerprint(key)
	err := c.d.guard(c.scope, "heartbeat", func() error {
		return c.d.store.Heartbeat(ctx, c.scope, fp, processingID, c.nowMs())
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrLeaseLost), errors.Is(err, ErrNotFound):
		c.d.rec.HeartbeatLost(c.scope)
		c.logger.Warn("heartbeat on lost lease", log.Str("fingerprint", fp), log.Str("processing_id", processingID), log.Err(err))
		return false, nil
	default:
		return false, fmt.Errorf("heartbeat %s: %w", fp, err)
	}
}

// UpdateHeartbeat refreshes the caller's lease. A lease that has already been
// lost is logged and tolerated.
func (c *Connection) UpdateHeartbeat(ctx context.Context, key QueryKey, processingID string) error {
	_, err := c.HeartbeatLease(ctx, key, processingID)
	return err
}

// OptimisticQueryUpdate merges patch into the item's extra metadata without
// requiring the lease. It reports false only when the item no longer exists.
func (c *Connection) OptimisticQueryUpdate(ctx context.Context, key QueryKey, patch map[string]any, processingID string) (bool, error) {
	fp := Fingerprint(key)
	var ok bool
	err := c.d.guard(c.scope, "merge", func() (err error) {
		ok, err = c.d.store.MergeExtra(ctx, c.scope, fp, patch)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("merge extra %s: %w", fp, err)
	}
	if !ok {
		c.logger.Debug("merge on missing item", log.Str("fingerprint", fp), log.Str("processing_id", processingID))
	}
	return ok, nil
}

// SetResultAndRemoveQuery publishes result to every waiter and removes the
// item. Completion after the caller lost its lease is accepted and counted as
// late.
func (c *Connection) SetResultAndRemoveQuery(ctx context.Context, key QueryKey, result json.RawMessage, processingID string) (bool, error) {
	fp := Fingerprint(key)
	outcome := Outcome{Result: result, AtMs: c.nowMs()}
	var removed *WorkItem
	err := c.d.guard(c.scope, "complete", func() (err error) {
		removed, err = c.d.store.Complete(ctx, c.scope, fp, outcome, c.d.cfg.ResultTTL)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("complete %s: %w", fp, err)
	}
	late := removed == nil || (processingID != "" && removed.LeaseHolder != processingID)
	c.d.rec.Completed(c.scope, late)
	if removed != nil {
		c.emit(ctx, EventCompleted, removed, processingID)
	} else {
		c.emit(ctx, EventCompleted, &WorkItem{Fingerprint: fp}, processingID)
	}
	if late {
		c.logger.Info("late completion accepted", log.Str("fingerprint", fp), log.Str("processing_id", processingID))
	}
	return true, nil
}

// CancelQuery removes the item regardless of status, wakes waiters with a
// cancellation and returns the removed definition.
func (c *Connection) CancelQuery(ctx context.Context, key QueryKey) (Definition, error) {
	fp := Fingerprint(key)
	var removed *WorkItem
	err := c.d.guard(c.scope, "cancel", func() (err error) {
		removed, err = c.d.store.Cancel(ctx, c.scope, fp, Outcome{Cancelled: true, AtMs: c.nowMs()}, c.d.cfg.ResultTTL)
		return err
	})
	if err != nil {
		return Definition{}, fmt.Errorf("cancel %s: %w", fp, err)
	}
	c.d.rec.Cancelled(c.scope)
	c.emit(ctx, EventCancelled, removed, "")
	c.logger.Info("cancelled", log.Str("fingerprint", fp), log.Str("status", string(removed.Status)))
	return removed.Definition, nil
}

// GetQueryAndRemove is CancelQuery.
func (c *Connection) GetQueryAndRemove(ctx context.Context, key QueryKey) (Definition, error) {
	return c.CancelQuery(ctx, key)
}

// FreeProcessingLock gives up a lease without completing. When activated is
// false nothing was started and nothing changes. Otherwise the item goes back
// to pending, or is cancelled once it has used MaxAttempts leases.
func (c *Connection) FreeProcessingLock(ctx context.Context, key QueryKey, processingID string, activated bool) error {
	if !activated {
		return nil
	}
	fp := Fingerprint(key)
	item, err := c.Requeue(ctx, key, LeaseCondition{Holder: processingID})
	switch {
	case errors.Is(err, ErrLeaseLost), errors.Is(err, ErrNotFound):
		c.logger.Debug("free on lost lease", log.Str("fingerprint", fp), log.Str("processing_id", processingID))
		return nil
	case err != nil:
		return err
	}
	if limit := c.d.cfg.MaxAttempts; limit > 0 && item.Attempts >= limit {
		c.logger.Warn("retries exhausted, cancelling", log.Str("fingerprint", fp), log.Int("attempts", item.Attempts))
		if _, err := c.CancelQuery(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// Requeue moves an active item back to pending when cond holds.
func (c *Connection) Requeue(ctx context.Context, key QueryKey, cond LeaseCondition) (*WorkItem, error) {
	fp := Fingerprint(key)
	var item *WorkItem
	err := c.d.guard(c.scope, "requeue", func() (err error) {
		item, err = c.d.store.Requeue(ctx, c.scope, fp, cond)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("requeue %s: %w", fp, err)
	}
	c.d.rec.Requeued(c.scope)
	c.emit(ctx, EventRequeued, item, cond.Holder)
	return item, nil
}

// GetQueryStageState returns the scope's pending fingerprints in retrieval
// order, its active fingerprints and, unless onlyKeys, their definitions.
func (c *Connection) GetQueryStageState(ctx context.Context, onlyKeys bool) (StageState, error) {
	pending, err := c.list(ctx, StatusPending)
	if err != nil {
		return StageState{}, err
	}
	active, err := c.list(ctx, StatusActive)
	if err != nil {
		return StageState{}, err
	}
	st := StageState{Pending: fingerprints(pending), Active: fingerprints(active)}
	if !onlyKeys {
		st.Definitions = make(map[string]Definition, len(pending)+len(active))
		for _, it := range append(pending, active...) {
			st.Definitions[it.Fingerprint] = it.Definition
		}
	}
	return st, nil
}

// GetToProcessQueries returns pending fingerprints in retrieval order.
func (c *Connection) GetToProcessQueries(ctx context.Context) ([]string, error) {
	items, err := c.list(ctx, StatusPending)
	return fingerprints(items), err
}

// GetActiveQueries returns active fingerprints.
func (c *Connection) GetActiveQueries(ctx context.Context) ([]string, error) {
	items, err := c.list(ctx, StatusActive)
	return fingerprints(items), err
}

// ListItems returns full items with the given status.
func (c *Connection) ListItems(ctx context.Context, status Status) ([]WorkItem, error) {
	return c.list(ctx, status)
}

func (c *Connection) list(ctx context.Context, status Status) ([]WorkItem, error) {
	var items []WorkItem
	err := c.d.guard(c.scope, "list", func() (err error) {
		items, err = c.d.store.List(ctx, c.scope, status)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", status, err)
	}
	return items, nil
}

// OrphanedItems returns active items whose holder stopped heartbeating.
func (c *Connection) OrphanedItems(ctx context.Context) ([]WorkItem, error) {
	var items []WorkItem
	err := c.d.guard(c.scope, "orphaned", func() (err error) {
		items, err = c.d.store.Orphaned(ctx, c.scope, c.nowMs())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("orphaned: %w", err)
	}
	return items, nil
}

// StalledItems returns pending items never picked up within StallTimeout.
func (c *Connection) StalledItems(ctx context.Context) ([]WorkItem, error) {
	before := c.d.now().Add(-c.d.cfg.StallTimeout).UnixMilli()
	var items []WorkItem
	err := c.d.guard(c.scope, "stalled", func() (err error) {
		items, err = c.d.store.Stalled(ctx, c.scope, before)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("stalled: %w", err)
	}
	return items, nil
}

// GetOrphanedQueries returns fingerprints of orphaned items.
func (c *Connection) GetOrphanedQueries(ctx context.Context) ([]string, error) {
	items, err := c.OrphanedItems(ctx)
	return fingerprints(items), err
}

// GetStalledQueries returns fingerprints of stalled items.
func (c *Connection) GetStalledQueries(ctx context.Context) ([]string, error) {
	items, err := c.StalledItems(ctx)
	return fingerprints(items), err
}

// GetQueriesToCancel returns orphaned then stalled fingerprints, without
// duplicates.
func (c *Connection) GetQueriesToCancel(ctx context.Context) ([]string, error) {
	orphaned, err := c.GetOrphanedQueries(ctx)
	if err != nil {
		return nil, err
	}
	stalled, err := c.GetStalledQueries(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(orphaned)+len(stalled))
	out := make([]string, 0, len(orphaned)+len(stalled))
	for _, fp := range append(orphaned, stalled...) {
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, fp)
	}
	return out, nil
}

// GetQueryDef returns the item's definition with merged extra metadata.
func (c *Connection) GetQueryDef(ctx context.Context, key QueryKey) (Definition, error) {
	item, err := c.GetItem(ctx, key)
	if err != nil {
		return Definition{}, err
	}
	return item.Definition, nil
}

// GetItem returns the live item for key.
func (c *Connection) GetItem(ctx context.Context, key QueryKey) (*WorkItem, error) {
	fp := Fingerprint(key)
	var item *WorkItem
	err := c.d.guard(c.scope, "get", func() (err error) {
		item, err = c.d.store.Get(ctx, c.scope, fp)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", fp, err)
	}
	return item, nil
}

// GetResult returns the retained outcome without waiting, or nil.
func (c *Connection) GetResult(ctx context.Context, key QueryKey) (*WaitResult, error) {
	fp := Fingerprint(key)
	o, err := c.result(ctx, fp)
	if err != nil || o == nil {
		return nil, err
	}
	r := resultFromOutcome(o)
	return &r, nil
}

func (c *Connection) result(ctx context.Context, fp string) (*Outcome, error) {
	var o *Outcome
	err := c.d.guard(c.scope, "result", func() (err error) {
		o, err = c.d.store.Result(ctx, c.scope, fp, c.nowMs())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("result %s: %w", fp, err)
	}
	return o, nil
}

// GetNextProcessingID returns a fresh processing session id.
func (c *Connection) GetNextProcessingID(ctx context.Context) (string, error) {
	var n int64
	err := c.d.guard(c.scope, "next_processing_id", func() (err error) {
		n, err = c.d.store.NextProcessingID(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("next processing id: %w", err)
	}
	return strconv.FormatInt(n, 10), nil
}

// PurgeResults drops expired outcomes and returns how many were removed.
func (c *Connection) PurgeResults(ctx context.Context) (int, error) {
	var n int
	err := c.d.guard(c.scope, "purge", func() (err error) {
		n, err = c.d.store.PurgeResults(ctx, c.scope, c.nowMs())
		return err
	})
	return n, err
}

// HeartbeatInterval is the configured advisory heartbeat period.
func (c *Connection) HeartbeatInterval() time.Duration { return c.d.cfg.HeartbeatInterval }

func fingerprints(items []WorkItem) []string {
	out := make([]string, len(items))
	for i := range items {
		out[i] = items[i].Fingerprint
	}
	return out
}

// ReclaimOrphan returns an orphaned item to pending, provided its holder has
// not heartbeated since it was observed, or cancels it once it has used
// MaxAttempts leases. It reports whether the item was cancelled. A holder that
// recovered in the meantime keeps its lease and ErrLeaseLost is returned.
//
// The item is addressed by its stored fingerprint.
func (c *Connection) ReclaimOrphan(ctx context.Context, item WorkItem) (bool, error) {
	key := Key(item.Fingerprint)
	requeued, err := c.Requeue(ctx, key, LeaseCondition{Holder: item.LeaseHolder, OrphanedBeforeMs: c.nowMs()})
	if err != nil {
		return false, err
	}
	if limit := c.d.cfg.MaxAttempts; limit > 0 && requeued.Attempts >= limit {
		c.logger.Warn("orphan out of attempts, cancelling", log.Str("fingerprint", item.Fingerprint), log.Int("attempts", requeued.Attempts))
		if _, err := c.CancelQuery(ctx, key); err != nil {
			return false, err
		}
		return true, nil
	}
	c.logger.Info("orphan requeued", log.Str("fingerprint", item.Fingerprint), log.Str("holder", item.LeaseHolder), log.Int("attempts", requeued.Attempts))
	return false, nil
}
