package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rzbill/orchq/internal/queue"
	"github.com/rzbill/orchq/pkg/log"
)

const maxWatchRetries = 16

// Options configures Open.
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Store implements queue.Store on Redis.
type Store struct {
	client     *redis.Client
	ownsClient bool
	hub        *queue.Hub
	ps         *redis.PubSub
	done       chan struct{}
	closed     atomic.Bool
	logger     log.Logger
}

var _ queue.Store = (*Store)(nil)

// Open connects to Redis and returns a Store that owns the client.
func Open(ctx context.Context, opts Options, logger log.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	s, err := New(ctx, client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.ownsClient = true
	return s, nil
}

// New wraps an existing client. The caller keeps ownership of client.
func New(ctx context.Context, client *redis.Client, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", mapErr(err))
	}
	ps := client.PSubscribe(ctx, donePattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", donePattern, mapErr(err))
	}
	s := &Store{
		client: client,
		hub:    queue.NewHub(),
		ps:     ps,
		done:   make(chan struct{}),
		logger: logger.With(log.Component("redisqueue")),
	}
	go s.listen(ps.ChannelWithSubscriptions())
	return s, nil
}

// listen fans done notifications out to local waiters. go-redis resubscribes
// after a dropped connection and reports it as a *redis.Subscription; every
// waiter is woken then, since publishes sent while disconnected are lost.
func (s *Store) listen(ch <-chan any) {
	defer close(s.done)
	for msg := range ch {
		switch m := msg.(type) {
		case *redis.Subscription:
			s.logger.Info("resubscribed", log.Str("pattern", m.Channel))
			s.hub.Broadcast()
		case *redis.Message:
			scope, fp, ok := parseDoneChannel(m.Channel)
			if !ok {
				s.logger.Warn("unexpected channel", log.Str("channel", m.Channel))
				continue
			}
			s.hub.Publish(queue.Topic(scope, fp))
		}
	}
}

// mapErr classifies a client error. Replies from the server are returned as
// is; connection-level failures become ErrStoreUnavailable.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return err
	}
	return fmt.Errorf("%w: %v", queue.ErrStoreUnavailable, err)
}

func (s *Store) check() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: store closed", queue.ErrStoreUnavailable)
	}
	return nil
}

func (s *Store) run(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) ([]interface{}, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	reply, err := script.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, mapErr(err)
	}
	return reply, nil
}

// Add implements queue.Store.
func (s *Store) Add(ctx context.Context, scope string, item queue.WorkItem) (queue.AddResult, error) {
	if err := s.check(); err != nil {
		return queue.AddResult{}, err
	}
	k := scopeKeys(scope)
	seq, err := s.client.Incr(ctx, k.seq()).Result()
	if err != nil {
		return queue.AddResult{}, mapErr(err)
	}
	def, extra, err := encodeDefinition(item.Definition)
	if err != nil {
		return queue.AddResult{}, err
	}
	member := pendingMember(item.Priority, item.CreatedAtMs, uint64(seq), item.Fingerprint)
	reply, err := s.run(ctx, addScript,
		[]string{k.item(item.Fingerprint), k.pending(), k.active(), k.created(), k.result(item.Fingerprint)},
		def, item.Priority, item.CreatedAtMs, item.OrphanTimeoutMs, seq, member, item.Fingerprint, extra)
	if err != nil {
		return queue.AddResult{}, err
	}
	return queue.AddResult{
		Added:   intOf(reply[0]) == 1,
		Active:  int(intOf(reply[1])),
		Pending: int(intOf(reply[2])),
	}, nil
}

// Retrieve implements queue.Store.
func (s *Store) Retrieve(ctx context.Context, scope, fp, holder string, concurrency int, nowMs int64) (*queue.Lease, error) {
	k := scopeKeys(scope)
	reply, err := s.run(ctx, retrieveScript,
		[]string{k.item(fp), k.pending(), k.active(), k.orphan(), k.created()},
		holder, concurrency, nowMs, fp)
	if err != nil {
		return nil, err
	}
	if intOf(reply[0]) != 1 || len(reply) < 4 {
		return nil, nil
	}
	item, err := decodeItem(fp, pairsToMap(reply[3]))
	if err != nil || item == nil {
		return nil, err
	}
	active := stringsOf(reply[1])
	sort.Strings(active)
	return &queue.Lease{Item: *item, Active: active, PendingCount: int(intOf(reply[2]))}, nil
}

// Heartbeat implements queue.Store.
func (s *Store) Heartbeat(ctx context.Context, scope, fp, holder string, nowMs int64) error {
	if err := s.check(); err != nil {
		return err
	}
	k := scopeKeys(scope)
	n, err := heartbeatScript.Run(ctx, s.client, []string{k.item(fp), k.orphan()}, holder, nowMs, fp).Int64()
	if err != nil {
		return mapErr(err)
	}
	switch n {
	case -1:
		return queue.ErrNotFound
	case 0:
		return queue.ErrLeaseLost
	}
	return nil
}

// MergeExtra implements queue.Store with an optimistic WATCH transaction,
// retried on contention.
func (s *Store) MergeExtra(ctx context.Context, scope, fp string, patch map[string]any) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	key := scopeKeys(scope).item(fp)
	var found bool
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "status", "extra").Result()
		if err != nil {
			return err
		}
		if vals[0] == nil {
			found = false
			return nil
		}
		found = true
		var extra map[string]any
		if raw, ok := vals[1].(string); ok && raw != "" {
			if err := json.Unmarshal([]byte(raw), &extra); err != nil {
				return fmt.Errorf("decode extra %s: %w", fp, err)
			}
		}
		merged := queue.MergeExtra(extra, patch)
		var raw []byte
		if merged != nil {
			if raw, err = json.Marshal(merged); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if merged == nil {
				p.HDel(ctx, key, "extra")
			} else {
				p.HSet(ctx, key, "extra", raw)
			}
			return nil
		})
		return err
	}
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return found, mapErr(err)
	}
	return false, fmt.Errorf("%w: merge on %s kept conflicting", queue.ErrStoreUnavailable, fp)
}

// Get implements queue.Store.
func (s *Store) Get(ctx context.Context, scope, fp string) (*queue.WorkItem, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	h, err := s.client.HGetAll(ctx, scopeKeys(scope).item(fp)).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	item, err := decodeItem(fp, h)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, queue.ErrNotFound
	}
	return item, nil
}

// Requeue implements queue.Store.
func (s *Store) Requeue(ctx context.Context, scope, fp string, cond queue.LeaseCondition) (*queue.WorkItem, error) {
	k := scopeKeys(scope)
	reply, err := s.run(ctx, requeueScript,
		[]string{k.item(fp), k.pending(), k.active(), k.orphan()},
		cond.Holder, cond.OrphanedBeforeMs, fp)
	if err != nil {
		return nil, err
	}
	switch intOf(reply[0]) {
	case -1:
		return nil, queue.ErrNotFound
	case 0:
		return nil, queue.ErrLeaseLost
	}
	return decodeItem(fp, pairsToMap(reply[1]))
}

func (s *Store) finish(ctx context.Context, scope, fp string, o queue.Outcome, ttl time.Duration, requireItem bool) (*queue.WorkItem, error) {
	ttlMs := ttl.Milliseconds()
	if ttlMs < 1 {
		ttlMs = 1
	}
	raw, err := json.Marshal(outcomeRecord{Outcome: o, ExpiresMs: o.AtMs + ttlMs})
	if err != nil {
		return nil, err
	}
	requireArg := "0"
	if requireItem {
		requireArg = "1"
	}
	k := scopeKeys(scope)
	reply, err := s.run(ctx, finishScript,
		[]string{k.item(fp), k.pending(), k.active(), k.orphan(), k.created(), k.result(fp)},
		string(raw), ttlMs, requireArg, fp, k.done(fp))
	if err != nil {
		return nil, err
	}
	if intOf(reply[0]) == -1 {
		return nil, queue.ErrNotFound
	}
	return decodeItem(fp, pairsToMap(reply[1]))
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
	if err := s.check(); err != nil {
		return nil, err
	}
	k := scopeKeys(scope)
	var fps []string
	switch status {
	case queue.StatusPending:
		members, err := s.client.ZRange(ctx, k.pending(), 0, -1).Result()
		if err != nil {
			return nil, mapErr(err)
		}
		for _, m := range members {
			if fp, ok := memberFingerprint(m); ok {
				fps = append(fps, fp)
			}
		}
	case queue.StatusActive:
		members, err := s.client.SMembers(ctx, k.active()).Result()
		if err != nil {
			return nil, mapErr(err)
		}
		sort.Strings(members)
		fps = members
	default:
		return nil, nil
	}
	items, err := s.fetch(ctx, k, fps)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if it.Status == status {
			out = append(out, it)
		}
	}
	return out, nil
}

// fetch loads items in order, skipping any deleted since the index was read.
func (s *Store) fetch(ctx context.Context, k keys, fps []string) ([]queue.WorkItem, error) {
	if len(fps) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(fps))
	for i, fp := range fps {
		cmds[i] = pipe.HGetAll(ctx, k.item(fp))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, mapErr(err)
	}
	out := make([]queue.WorkItem, 0, len(fps))
	for i, cmd := range cmds {
		item, err := decodeItem(fps[i], cmd.Val())
		if err != nil {
			return nil, err
		}
		if item != nil {
			out = append(out, *item)
		}
	}
	return out, nil
}

// Orphaned implements queue.Store.
func (s *Store) Orphaned(ctx context.Context, scope string, nowMs int64) ([]queue.WorkItem, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	k := scopeKeys(scope)
	fps, err := s.client.ZRangeByScore(ctx, k.orphan(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(nowMs, 10),
	}).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	sort.Strings(fps)
	items, err := s.fetch(ctx, k, fps)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if it.IsOrphaned(nowMs) {
			out = append(out, it)
		}
	}
	return out, nil
}

// Stalled implements queue.Store.
func (s *Store) Stalled(ctx context.Context, scope string, createdBeforeMs int64) ([]queue.WorkItem, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	k := scopeKeys(scope)
	fps, err := s.client.ZRangeByScore(ctx, k.created(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(createdBeforeMs, 10),
	}).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	items, err := s.fetch(ctx, k, fps)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if it.IsStalled(createdBeforeMs) {
			out = append(out, it)
		}
	}
	return out, nil
}

// Result implements queue.Store.
func (s *Store) Result(ctx context.Context, scope, fp string, nowMs int64) (*queue.Outcome, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, scopeKeys(scope).result(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	var rec outcomeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode outcome %s: %w", fp, err)
	}
	if rec.ExpiresMs < nowMs {
		return nil, nil
	}
	return &rec.Outcome, nil
}

// Subscribe implements queue.Store. The shared pattern subscription is
// already active, so the returned subscription sees every later publish.
func (s *Store) Subscribe(ctx context.Context, scope, fp string) (queue.Subscription, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(queue.Topic(scope, fp)), nil
}

// NextProcessingID implements queue.Store.
func (s *Store) NextProcessingID(ctx context.Context) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	n, err := s.client.Incr(ctx, processingIDKey).Result()
	return n, mapErr(err)
}

// PurgeResults implements queue.Store. Outcomes carry a Redis TTL, so there
// is nothing to do.
func (s *Store) PurgeResults(ctx context.Context, scope string, nowMs int64) (int, error) {
	return 0, s.check()
}

// Ping implements queue.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return mapErr(s.client.Ping(ctx).Err())
}

// Close stops the listener and, for stores created by Open, closes the client.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.ps.Close()
	<-s.done
	if s.ownsClient {
		if cerr := s.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
