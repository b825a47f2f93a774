package queuesvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/orchq/internal/queue"
	logpkg "github.com/rzbill/orchq/pkg/log"
)

// ErrInvalidArgument reports a malformed request, such as a bad filter.
var ErrInvalidArgument = errors.New("queuesvc: invalid argument")

// Service exposes queue operations by scope name to the transports.
type Service struct {
	driver *queue.Driver
	logger logpkg.Logger

	mu    sync.Mutex
	conns map[string]*queue.Connection
	hooks []func(scope string)
}

// New creates a queue service over d.
func New(d *queue.Driver, logger logpkg.Logger) *Service {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	return &Service{
		driver: d,
		logger: logger.With(logpkg.Component("queuesvc")),
		conns:  make(map[string]*queue.Connection),
	}
}

// OnEnqueue registers fn to run after every enqueue that added an item.
func (s *Service) OnEnqueue(fn func(scope string)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Conn returns the cached connection for scope.
func (s *Service) Conn(scope string) (*queue.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[scope]; ok {
		return c, nil
	}
	c, err := s.driver.Connect(scope)
	if err != nil {
		return nil, err
	}
	s.conns[scope] = c
	return c, nil
}

// Scopes returns the scopes this service has opened connections for.
func (s *Service) Scopes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.conns))
	for scope := range s.conns {
		out = append(out, scope)
	}
	return out
}

// Fingerprint returns the dedup key for k.
func (s *Service) Fingerprint(k queue.QueryKey) string { return s.driver.Fingerprint(k) }

// Ping checks store reachability.
func (s *Service) Ping(ctx context.Context) error { return s.driver.Ping(ctx) }

// Config returns the driver configuration.
func (s *Service) Config() queue.Config { return s.driver.Config() }

func (s *Service) Enqueue(ctx context.Context, scope string, req queue.EnqueueRequest) (queue.EnqueueResult, error) {
	c, err := s.Conn(scope)
	if err != nil {
		return queue.EnqueueResult{}, err
	}
	res, err := c.Enqueue(ctx, req)
	if err != nil {
		return res, err
	}
	if res.Added > 0 {
		s.mu.Lock()
		hooks := append([]func(string){}, s.hooks...)
		s.mu.Unlock()
		for _, fn := range hooks {
			fn(scope)
		}
	}
	return res, nil
}

// Lease is a granted lease together with the processing id that holds it.
type Lease struct {
	ProcessingID string
	queue.LeaseResult
}

// Retrieve takes the lease on key. An empty processingID is allocated from
// the store counter. It returns nil when the item is not available.
func (s *Service) Retrieve(ctx context.Context, scope string, key queue.QueryKey, processingID string) (*Lease, error) {
	c, err := s.Conn(scope)
	if err != nil {
		return nil, err
	}
	if processingID == "" {
		if processingID, err = c.GetNextProcessingID(ctx); err != nil {
			return nil, err
		}
	}
	res, err := c.RetrieveForProcessing(ctx, key, processingID)
	if err != nil || res == nil {
		return nil, err
	}
	return &Lease{ProcessingID: processingID, LeaseResult: *res}, nil
}

// Heartbeat refreshes the lease and reports whether it is still held.
func (s *Service) Heartbeat(ctx context.Context, scope string, key queue.QueryKey, processingID string) (bool, error) {
	c, err := s.Conn(scope)
	if err != nil {
		return false, err
	}
	return c.HeartbeatLease(ctx, key, processingID)
}

// Update merges patch into the item's extra metadata.
func (s *Service) Update(ctx context.Context, scope string, key queue.QueryKey, patch map[string]any, processingID string) (bool, error) {
	c, err := s.Conn(scope)
	if err != nil {
		return false, err
	}
	return c.OptimisticQueryUpdate(ctx, key, patch, processingID)
}

// Complete stores result and removes the item.
func (s *Service) Complete(ctx context.Context, scope string, key queue.QueryKey, result json.RawMessage, processingID string) error {
	if len(result) > 0 && !json.Valid(result) {
		return fmt.Errorf("%w: result is not valid JSON", ErrInvalidArgument)
	}
	c, err := s.Conn(scope)
	if err != nil {
		return err
	}
	_, err = c.SetResultAndRemoveQuery(ctx, key, result, processingID)
	return err
}

// Cancel removes the item and returns its definition.
func (s *Service) Cancel(ctx context.Context, scope string, key queue.QueryKey) (queue.Definition, error) {
	c, err := s.Conn(scope)
	if err != nil {
		return queue.Definition{}, err
	}
	return c.CancelQuery(ctx, key)
}

// Release gives up the lease without completing the item.
func (s *Service) Release(ctx context.Context, scope string, key queue.QueryKey, processingID string, activated bool) error {
	c, err := s.Conn(scope)
	if err != nil {
		return err
	}
	return c.FreeProcessingLock(ctx, key, processingID, activated)
}

// Wait blocks for the item's outcome. A zero timeout uses the configured
// default.
func (s *Service) Wait(ctx context.Context, scope string, key queue.QueryKey, timeout time.Duration) (queue.WaitResult, error) {
	c, err := s.Conn(scope)
	if err != nil {
		return queue.WaitResult{}, err
	}
	return c.GetResultBlocking(ctx, key, timeout)
}

// Result returns the retained outcome without waiting, or nil.
func (s *Service) Result(ctx context.Context, scope string, key queue.QueryKey) (*queue.WaitResult, error) {
	c, err := s.Conn(scope)
	if err != nil {
		return nil, err
	}
	return c.GetResult(ctx, key)
}

// Item returns the live item for key.
func (s *Service) Item(ctx context.Context, scope string, key queue.QueryKey) (*queue.WorkItem, error) {
	c, err := s.Conn(scope)
	if err != nil {
		return nil, err
	}
	return c.GetItem(ctx, key)
}

// NextProcessingID allocates a processing id.
func (s *Service) NextProcessingID(ctx context.Context, scope string) (string, error) {
	c, err := s.Conn(scope)
	if err != nil {
		return "", err
	}
	return c.GetNextProcessingID(ctx)
}

// StageQuery selects what StageState returns.
type StageQuery struct {
	OnlyKeys bool
	// Filter is a CEL expression over each item's definition. Only matching
	// items are returned.
	Filter string
}

// StageState returns the scope's pending and active items.
func (s *Service) StageState(ctx context.Context, scope string, q StageQuery) (queue.StageState, error) {
	c, err := s.Conn(scope)
	if err != nil {
		return queue.StageState{}, err
	}
	filter, err := newCELFilter(q.Filter)
	if err != nil {
		return queue.StageState{}, fmt.Errorf("%w: filter: %v", ErrInvalidArgument, err)
	}
	if !filter.enabled {
		return c.GetQueryStageState(ctx, q.OnlyKeys)
	}

	pending, err := c.ListItems(ctx, queue.StatusPending)
	if err != nil {
		return queue.StageState{}, err
	}
	active, err := c.ListItems(ctx, queue.StatusActive)
	if err != nil {
		return queue.StageState{}, err
	}
	st := queue.StageState{Pending: []string{}, Active: []string{}}
	if !q.OnlyKeys {
		st.Definitions = make(map[string]queue.Definition)
	}
	keep := func(items []queue.WorkItem, dst *[]string) {
		for _, it := range items {
			if !filter.Eval(it.Fingerprint, it.Status, it.Definition) {
				continue
			}
			*dst = append(*dst, it.Fingerprint)
			if st.Definitions != nil {
				st.Definitions[it.Fingerprint] = it.Definition
			}
		}
	}
	keep(pending, &st.Pending)
	keep(active, &st.Active)
	return st, nil
}

// Health lists the scope's items needing recovery.
type Health struct {
	Orphaned []string
	Stalled  []string
	ToCancel []string
}

// Inspect reports orphaned and stalled items.
func (s *Service) Inspect(ctx context.Context, scope string) (Health, error) {
	c, err := s.Conn(scope)
	if err != nil {
		return Health{}, err
	}
	var h Health
	if h.Orphaned, err = c.GetOrphanedQueries(ctx); err != nil {
		return Health{}, err
	}
	if h.Stalled, err = c.GetStalledQueries(ctx); err != nil {
		return Health{}, err
	}
	if h.ToCancel, err = c.GetQueriesToCancel(ctx); err != nil {
		return Health{}, err
	}
	return h, nil
}
