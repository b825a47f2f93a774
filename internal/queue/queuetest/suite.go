// Package queuetest is a conformance suite every queue.Store implementation
// runs from its own tests.
package queuetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/orchq/internal/queue"
)

// Backend is one store under test.
type Backend struct {
	Store queue.Store
	// FastForward advances server-side time for stores that expire outcomes
	// on their own clock. Optional.
	FastForward func(time.Duration)
}

// Factory returns a fresh backend. It registers its own cleanup.
type Factory func(t *testing.T) Backend

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock at a fixed instant.
func NewClock() *Clock { return &Clock{now: time.UnixMilli(1_700_000_000_000)} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var scopeSeq atomic.Int64

type env struct {
	t     *testing.T
	be    Backend
	clock *Clock
	drv   *queue.Driver
	conn  *queue.Connection
	ctx   context.Context
}

func setup(t *testing.T, f Factory, cfg queue.Config) *env {
	t.Helper()
	be := f(t)
	clock := NewClock()
	drv, err := queue.NewDriver(queue.Options{Store: be.Store, Config: cfg, Clock: clock.Now})
	require.NoError(t, err)
	conn, err := drv.Connect(fmt.Sprintf("suite%d", scopeSeq.Add(1)))
	require.NoError(t, err)
	return &env{t: t, be: be, clock: clock, drv: drv, conn: conn, ctx: context.Background()}
}

func (e *env) advance(d time.Duration) {
	e.clock.Advance(d)
	if e.be.FastForward != nil {
		e.be.FastForward(d)
	}
}

func (e *env) enqueue(key string, priority int64) queue.EnqueueResult {
	e.t.Helper()
	res, err := e.conn.Enqueue(e.ctx, queue.EnqueueRequest{
		Key:      queue.Key(key),
		Priority: priority,
		Handler:  "query",
		Query:    json.RawMessage(`{"sql":"SELECT 1"}`),
	})
	require.NoError(e.t, err)
	return res
}

func (e *env) retrieve(key, pid string) *queue.LeaseResult {
	e.t.Helper()
	lease, err := e.conn.RetrieveForProcessing(e.ctx, queue.Key(key), pid)
	require.NoError(e.t, err)
	return lease
}

// Run executes the suite against f.
func Run(t *testing.T, f Factory) {
	t.Run("EnqueueDedup", func(t *testing.T) { testEnqueueDedup(t, f) })
	t.Run("EquivalentKeysShareItem", func(t *testing.T) { testEquivalentKeys(t, f) })
	t.Run("StoredKeyKeepsFingerprint", func(t *testing.T) { testStoredKeyFingerprint(t, f) })
	t.Run("NegativePriorityClamped", func(t *testing.T) { testNegativePriority(t, f) })
	t.Run("PendingOrder", func(t *testing.T) { testPendingOrder(t, f) })
	t.Run("ConcurrentRetrieveExclusive", func(t *testing.T) { testConcurrentRetrieve(t, f) })
	t.Run("AdmissionControl", func(t *testing.T) { testAdmissionControl(t, f) })
	t.Run("RetrieveNotPending", func(t *testing.T) { testRetrieveNotPending(t, f) })
	t.Run("OrphanDetection", func(t *testing.T) { testOrphanDetection(t, f) })
	t.Run("HeartbeatLostLease", func(t *testing.T) { testHeartbeatLostLease(t, f) })
	t.Run("StalledDetection", func(t *testing.T) { testStalledDetection(t, f) })
	t.Run("MergeCommutes", func(t *testing.T) { testMergeCommutes(t, f) })
	t.Run("MergeNilAndMissing", func(t *testing.T) { testMergeNilAndMissing(t, f) })
	t.Run("CompleteWakesWaiter", func(t *testing.T) { testCompleteWakesWaiter(t, f) })
	t.Run("CancelWakesWaiter", func(t *testing.T) { testCancelWakesWaiter(t, f) })
	t.Run("WaitTimesOut", func(t *testing.T) { testWaitTimesOut(t, f) })
	t.Run("AllWaitersWoken", func(t *testing.T) { testAllWaitersWoken(t, f) })
	t.Run("LateCompletionAccepted", func(t *testing.T) { testLateCompletion(t, f) })
	t.Run("FreeProcessingLock", func(t *testing.T) { testFreeProcessingLock(t, f) })
	t.Run("RequeueCondition", func(t *testing.T) { testRequeueCondition(t, f) })
	t.Run("NextProcessingID", func(t *testing.T) { testNextProcessingID(t, f) })
	t.Run("ReEnqueueClearsOutcome", func(t *testing.T) { testReEnqueueClearsOutcome(t, f) })
	t.Run("OutcomeExpires", func(t *testing.T) { testOutcomeExpires(t, f) })
	t.Run("StageState", func(t *testing.T) { testStageState(t, f) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, f) })
	t.Run("ScopesIsolated", func(t *testing.T) { testScopesIsolated(t, f) })
}

func testEnqueueDedup(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{})
	first := e.enqueue("F", 5)
	second := e.enqueue("F", 9)

	assert.Equal(t, 1, first.Added)
	assert.Equal(t, 0, second.Added)
	assert.Equal(t, 1, second.PendingCount)

	def, err := e.conn.GetQueryDef(e.ctx, queue.Key("F"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, def.Priority)
	assert.Equal(t, "query", def.Handler)
	assert.NotEmpty(t, def.RequestID)

	pending, err := e.conn.GetToProcessQueries(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"F"}, pending)

	// An active item is still live for dedup.
	require.NotNil(t, e.retrieve("F", "p1"))
	assert.Equal(t, 0, e.enqueue("F", 1).Added)
}

func testEquivalentKeys(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{})
	composite := queue.CompositeKey("SELECT * FROM orders WHERE id = ?", 42)
	fp := queue.Fingerprint(composite)

	res, err := e.conn.Enqueue(e.ctx, queue.EnqueueRequest{Key: composite, Priority: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	res, err = e.conn.Enqueue(e.ctx, queue.EnqueueRequest{Key: queue.Key(fp), Priority: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added)

	state, err := e.conn.GetQueryStageState(e.ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{fp}, state.Pending)
}

type reportArgs struct {
	Zone string `json:"zone"`
	Area int64  `json:"area"`
}

func testStoredKeyFingerprint(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{})
	key := queue.CompositeKey("report", reportArgs{Zone: "eu", Area: 9007199254740993})
	fp := queue.Fingerprint(key)
	_, err := e.conn.Enqueue(e.ctx, queue.EnqueueRequest{Key: key, Priority: 1})
	require.NoError(t, err)

	item, err := e.conn.GetItem(e.ctx, key)
	require.NoError(t, err)
	assert.Equal(t, fp, item.Fingerprint)
	assert.Equal(t, fp, queue.Fingerprint(item.Definition.QueryKey))

	lease, err := e.conn.RetrieveForProcessing(e.ctx, item.Definition.QueryKey, "p1")
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, fp, queue.Fingerprint(lease.Definition.QueryKey))

	ok, err := e.conn.SetResultAndRemoveQuery(e.ctx, lease.Definition.QueryKey, json.RawMessage(`1`), "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	active, err := e.conn.GetActiveQueries(e.ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	res, err := e.conn.GetResult(e.ctx, key)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, queue.WaitCompleted, res.Status)
}

func testNegativePriority(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{})
	res := e.enqueue("neg", -10)
	assert.Equal(t, 1, res.Added)

	item, err := e.conn.GetItem(e.ctx, queue.Key("neg"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, item.Priority)
	assert.EqualValues(t, 0, item.Definition.Priority)
}

func testPendingOrder(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{})
	e.enqueue("low", 1)
	e.advance(time.Millisecond)
	e.enqueue("high-old", 5)
	e.advance(time.Millisecond)
	e.enqueue("high-new", 5)
	e.enqueue("high-same-ms", 5)
	e.advance(time.Millisecond)
	e.enqueue("zero", 0)
	e.enqueue("top", 9)

	pending, err := e.conn.GetToProcessQueries(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"top", "high-old", "high-new", "high-same-ms", "low", "zero"}, pending)

	// A requeued item keeps its place.
	require.NotNil(t, e.retrieve("high-old", "p1"))
	require.NoError(t, e.conn.FreeProcessingLock(e.ctx, queue.Key("high-old"), "p1", true))
	pending, err = e.conn.GetToProcessQueries(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"top", "high-old", "high-new", "high-same-ms", "low", "zero"}, pending)
}

func testConcurrentRetrieve(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{Concurrency: 50})
	e.enqueue("F", 1)

	const n = 32
	var wg sync.WaitGroup
	var wins atomic.Int32
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := e.conn.RetrieveForProcessing(e.ctx, queue.Key("F"), fmt.Sprintf("p%d", i))
			if err != nil {
				errs <- err
				return
			}
			if lease != nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, wins.Load())

	active, err := e.conn.GetActiveQueries(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"F"}, active)
}

func testAdmissionControl(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{Concurrency: 2})
	e.enqueue("a", 1)
	e.enqueue("b", 1)
	e.enqueue("c", 1)

	la := e.retrieve("a", "p1")
	require.NotNil(t, la)
	assert.True(t, la.LockAcquired)
	assert.Equal(t, 1, la.Attempts)
	assert.Equal(t, "query", la.Definition.Handler)

	lb := e.retrieve("b", "p2")
	require.NotNil(t, lb)
	assert.ElementsMatch(t, []string{"a", "b"}, lb.Active)
	assert.Equal(t, 1, lb.PendingCount)

	assert.Nil(t, e.retrieve("c", "p3"))

	ok, err := e.conn.SetResultAndRemoveQuery(e.ctx, queue.Key("a"), json.RawMessage(`1`), "p1")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NotNil(t, e.retrieve("c", "p3"))
}

func testRetrieveNotPending(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{})
	assert.Nil(t, e.retrieve("missing", "p1"))

	e.enqueue("F", 1)
	require.NotNil(t, e.retrieve("F", "p1"))
	assert.Nil(t, e.retrieve("F", "p2"))
	assert.Nil(t, e.retrieve("F", "p1"))

	_, err := e.conn.RetrieveForProcessing(e.ctx, queue.Key("F"), "")
	assert.Error(t, err)
}

func testOrphanDetection(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{StallTimeout: time.Hour})
	_, err := e.conn.Enqueue(e.ctx, queue.EnqueueRequest{Key: queue.Key("F"), OrphanTimeout: 10 * time.Second})
	require.NoError(t, err)
	e.enqueue("idle", 1)
	require.NotNil(t, e.retrieve("F", "p1"))

	e.advance(5 * time.Second)
	require.NoError(t, e.conn.UpdateHeartbeat(e.ctx, queue.Key("F"), "p1"))

	e.advance(8 * time.Second)
	orphaned, err := e.conn.GetOrphanedQueries(e.ctx)
	require.NoError(t, err)
	assert.Empty(t, orphaned)

	e.advance(3 * time.Second)
	orphaned, err = e.conn.GetOrphanedQueries(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"F"}, orphaned)

	stalled, err := e.conn.GetStalledQueries(e.ctx)
	require.NoError(t, err)
	assert.Empty(t, stalled)

	toCancel, err := e.conn.GetQueriesToCancel(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"F"}, toCancel)

	items, err := e.conn.OrphanedItems(e.ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "p1", items[0].LeaseHolder)
	assert.Equal(t, queue.StatusActive, items[0].Status)
}

func testHeartbeatLostLease(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{})
	e.enqueue("F", 1)
	require.NotNil(t, e.retrieve("F", "p1"))

	held, err := e.conn.HeartbeatLease(e.ctx, queue.Key("F"), "p2")
	require.NoError(t, err)
	assert.False(t, held)
	assert.NoError(t, e.conn.UpdateHeartbeat(e.ctx, queue.Key("F"), "p2"))

	held, err = e.conn.HeartbeatLease(e.ctx, queue.Key("F"), "p1")
	require.NoError(t, err)
	assert.True(t, held)

	// Any holder.
	held, err = e.conn.HeartbeatLease(e.ctx, queue.Key("F"), "")
	require.NoError(t, err)
	assert.True(t, held)

	assert.NoError(t, e.conn.UpdateHeartbeat(e.ctx, queue.Key("missing"), "p1"))
}

func testStalledDetection(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{StallTimeout: time.Minute})
	e.enqueue("old", 1)
	e.enqueue("picked", 1)
	e.advance(30 * time.Second)
	e.enqueue("young", 1)

	stalled, err := e.conn.GetStalledQueries(e.ctx)
	require.NoError(t, err)
	assert.Empty(t, stalled)

	require.NotNil(t, e.retrieve("picked", "p1"))
	require.NoError(t, e.conn.FreeProcessingLock(e.ctx, queue.Key("picked"), "p1", true))

	e.advance(31 * time.Second)
	stalled, err = e.conn.GetStalledQueries(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, stalled)

	orphaned, err := e.conn.GetOrphanedQueries(e.ctx)
	require.NoError(t, err)
	assert.Empty(t, orphaned)
}

func testMergeCommutes(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{})
	e.enqueue("F", 1)
	require.NotNil(t, e.retrieve("F", "p1"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			ok, err := e.conn.OptimisticQueryUpdate(e.ctx, queue.Key("F"), map[string]any{fmt.Sprintf("a%d", i): i}, "p1")
			assert.NoError(t, err)
			assert.True(t, ok)
		}(i)
		go func(i int) {
			defer wg.Done()
			ok, err := e.conn.OptimisticQueryUpdate(e.ctx, queue.Key("F"), map[string]any{fmt.Sprintf("b%d", i): "x"}, "other")
			assert.NoError(t, err)
			assert.True(t, ok)
		}(i)
	}
	wg.Wait()

	def, err := e.conn.GetQueryDef(e.ctx, queue.Key("F"))
	require.NoError(t, err)
	assert.Len(t, def.Extra, 20)
	assert.EqualValues(t, 3, def.Extra["a3"])
	assert.Equal(t, "x", def.Extra["b7"])

	ok, err := e.conn.OptimisticQueryUpdate(e.ctx, queue.Key("F"), map[string]any{"a3": "override"}, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	def, err = e.conn.GetQueryDef(e.ctx, queue.Key("F"))
	require.NoError(t, err)
	assert.Equal(t, "override", def.Extra["a3"])
	assert.Len(t, def.Extra, 20)
}

func testMergeNilAndMissing(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{})
	e.enqueue("F", 1)

	ok, err := e.conn.OptimisticQueryUpdate(e.ctx, queue.Key("F"), map[string]any{"k": "v"}, "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.conn.OptimisticQueryUpdate(e.ctx, queue.Key("F"), nil, "")
	require.NoError(t, err)
	assert.True(t, ok)
	def, err := e.conn.GetQueryDef(e.ctx, queue.Key("F"))
	require.NoError(t, err)
	assert.Empty(t, def.Extra)

	ok, err = e.conn.OptimisticQueryUpdate(e.ctx, queue.Key("missing"), map[string]any{"k": 1}, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testCompleteWakesWaiter(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{})
	assert.Equal(t, 1, e.enqueue("F", 5).Added)
	assert.Equal(t, 0, e.enqueue("F", 9).Added)

	lease := e.retrieve("F", "p1")
	require.NotNil(t, lease)
	assert.Nil(t, e.retrieve("F", "p2"))

	done := make(chan queue.WaitResult, 1)
	started := time.Now()
	go func() {
		res, err := e.conn.GetResultBlocking(e.ctx, queue.Key("F"), 5*time.Second)
		assert.NoError(t, err)
		done <- res
	}()
	time.Sleep(50 * time.Millisecond)

	ok, err := e.conn.SetResultAndRemoveQuery(e.ctx, queue.Key("F"), json.RawMessage(`{"rows":[1,2,3]}`), "p1")
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case res := <-done:
		assert.Equal(t, queue.WaitCompleted, res.Status)
		assert.JSONEq(t, `{"rows":[1,2,3]}`, string(res.Result))
		assert.Less(t, time.Since(started), 4*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}

	_, err = e.conn.GetItem(e.ctx, queue.Key("F"))
	assert.ErrorIs(t, err, queue.ErrNotFound)

	// Publish, not pop: a later reader still sees the result.
	res, err := e.conn.GetResultBlocking(e.ctx, queue.Key("F"), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, queue.WaitCompleted, res.Status)
}

func testCancelWakesWaiter(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{})
	e.enqueue("F", 1)
	require.NotNil(t, e.retrieve("F", "p1"))

	done := make(chan queue.WaitResult, 1)
	go func() {
		res, err := e.conn.GetResultBlocking(e.ctx, queue.Key("F"), time.Second)
		assert.NoError(t, err)
		done <- res
	}()
	time.Sleep(50 * time.Millisecond)

	def, err := e.conn.CancelQuery(e.ctx, queue.Key("F"))
	require.NoError(t, err)
	assert.Equal(t, "query", def.Handler)

	select {
	case res := <-done:
		assert.Equal(t, queue.WaitCancelled, res.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}

	_, err = e.conn.CancelQuery(e.ctx, queue.Key("F"))
	assert.ErrorIs(t, err, queue.ErrNotFound)
	_, err = e.conn.GetQueryAndRemove(e.ctx, queue.Key("F"))
	assert.ErrorIs(t, err, queue.ErrNotFound)

	// The former holder's heartbeat is tolerated.
	held, err := e.conn.HeartbeatLease(e.ctx, queue.Key("F"), "p1")
	require.NoError(t, err)
	assert.False(t, held)
}

func testWaitTimesOut(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{})
	e.enqueue("F", 1)
	res, err := e.conn.GetResultBlocking(e.ctx, queue.Key("F"), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, queue.WaitTimedOut, res.Status)

	ctx, cancel := context.WithCancel(e.ctx)
	cancel()
	_, err = e.conn.GetResultBlocking(ctx, queue.Key("F"), time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func testAllWaitersWoken(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{})
	e.enqueue("F", 1)

	const n = 5
	results := make(chan queue.WaitResult, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := e.conn.GetResultBlocking(e.ctx, queue.Key("F"), 3*time.Second)
			assert.NoError(t, err)
			results <- res
		}()
	}
	time.Sleep(50 * time.Millisecond)
	require.NotNil(t, e.retrieve("F", "p1"))
	_, err := e.conn.SetResultAndRemoveQuery(e.ctx, queue.Key("F"), json.RawMessage(`"ok"`), "p1")
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		select {
		case res := <-results:
			assert.Equal(t, queue.WaitCompleted, res.Status)
			assert.JSONEq(t, `"ok"`, string(res.Result))
		case <-time.After(3 * time.Second):
			t.Fatalf("waiter %d not woken", i)
		}
	}
}

func testLateCompletion(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{MaxAttempts: 5})
	e.enqueue("F", 1)
	require.NotNil(t, e.retrieve("F", "p1"))
	_, err := e.conn.Requeue(e.ctx, queue.Key("F"), queue.LeaseCondition{Holder: "p1"})
	require.NoError(t, err)

	ok, err := e.conn.SetResultAndRemoveQuery(e.ctx, queue.Key("F"), json.RawMessage(`42`), "p1")
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := e.conn.GetResult(e.ctx, queue.Key("F"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.JSONEq(t, `42`, string(res.Result))

	// Completing an item that is already gone still records the result.
	ok, err = e.conn.SetResultAndRemoveQuery(e.ctx, queue.Key("gone"), json.RawMessage(`7`), "p9")
	require.NoError(t, err)
	assert.True(t, ok)
	res, err = e.conn.GetResult(e.ctx, queue.Key("gone"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.JSONEq(t, `7`, string(res.Result))
}

func testFreeProcessingLock(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{MaxAttempts: 2})
	e.enqueue("F", 1)

	require.NotNil(t, e.retrieve("F", "p1"))
	require.NoError(t, e.conn.FreeProcessingLock(e.ctx, queue.Key("F"), "p1", false))
	item, err := e.conn.GetItem(e.ctx, queue.Key("F"))
	require.NoError(t, err)
	assert.Equal(t, queue.StatusActive, item.Status)

	require.NoError(t, e.conn.FreeProcessingLock(e.ctx, queue.Key("F"), "p1", true))
	item, err = e.conn.GetItem(e.ctx, queue.Key("F"))
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, item.Status)
	assert.Empty(t, item.LeaseHolder)

	// Freeing a lease held by someone else changes nothing.
	require.NotNil(t, e.retrieve("F", "p2"))
	require.NoError(t, e.conn.FreeProcessingLock(e.ctx, queue.Key("F"), "p1", true))
	item, err = e.conn.GetItem(e.ctx, queue.Key("F"))
	require.NoError(t, err)
	assert.Equal(t, "p2", item.LeaseHolder)

	// Second attempt exhausts the budget.
	require.NoError(t, e.conn.FreeProcessingLock(e.ctx, queue.Key("F"), "p2", true))
	_, err = e.conn.GetItem(e.ctx, queue.Key("F"))
	assert.ErrorIs(t, err, queue.ErrNotFound)
	res, err := e.conn.GetResult(e.ctx, queue.Key("F"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, queue.WaitCancelled, res.Status)
}

func testRequeueCondition(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{})
	_, err := e.conn.Enqueue(e.ctx, queue.EnqueueRequest{Key: queue.Key("F"), OrphanTimeout: 10 * time.Second})
	require.NoError(t, err)
	require.NotNil(t, e.retrieve("F", "p1"))

	now := e.clock.Now().UnixMilli()
	_, err = e.conn.Requeue(e.ctx, queue.Key("F"), queue.LeaseCondition{Holder: "p1", OrphanedBeforeMs: now})
	assert.ErrorIs(t, err, queue.ErrLeaseLost)
	_, err = e.conn.Requeue(e.ctx, queue.Key("F"), queue.LeaseCondition{Holder: "p2"})
	assert.ErrorIs(t, err, queue.ErrLeaseLost)
	_, err = e.conn.Requeue(e.ctx, queue.Key("missing"), queue.LeaseCondition{})
	assert.ErrorIs(t, err, queue.ErrNotFound)

	item, err := e.conn.Requeue(e.ctx, queue.Key("F"), queue.LeaseCondition{Holder: "p1", OrphanedBeforeMs: now + 11_000})
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, item.Status)
	assert.Equal(t, 1, item.Attempts)

	_, err = e.conn.Requeue(e.ctx, queue.Key("F"), queue.LeaseCondition{})
	assert.ErrorIs(t, err, queue.ErrLeaseLost)
}

func testNextProcessingID(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{})
	a, err := e.conn.GetNextProcessingID(e.ctx)
	require.NoError(t, err)
	b, err := e.conn.GetNextProcessingID(e.ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Less(t, len(a), 20)
}

func testReEnqueueClearsOutcome(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{})
	e.enqueue("F", 1)
	require.NotNil(t, e.retrieve("F", "p1"))
	_, err := e.conn.SetResultAndRemoveQuery(e.ctx, queue.Key("F"), json.RawMessage(`1`), "p1")
	require.NoError(t, err)

	res, err := e.conn.GetResult(e.ctx, queue.Key("F"))
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, 1, e.enqueue("F", 1).Added)
	res, err = e.conn.GetResult(e.ctx, queue.Key("F"))
	require.NoError(t, err)
	assert.Nil(t, res)
}

func testOutcomeExpires(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{ResultTTL: time.Second})
	_, err := e.conn.SetResultAndRemoveQuery(e.ctx, queue.Key("F"), json.RawMessage(`1`), "")
	require.NoError(t, err)

	e.advance(2 * time.Second)
	res, err := e.conn.GetResult(e.ctx, queue.Key("F"))
	require.NoError(t, err)
	assert.Nil(t, res)

	_, err = e.conn.PurgeResults(e.ctx)
	require.NoError(t, err)
	res, err = e.conn.GetResult(e.ctx, queue.Key("F"))
	require.NoError(t, err)
	assert.Nil(t, res)
}

func testStageState(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{})
	e.enqueue("a", 1)
	e.enqueue("b", 2)
	require.NotNil(t, e.retrieve("a", "p1"))
	_, err := e.conn.OptimisticQueryUpdate(e.ctx, queue.Key("a"), map[string]any{"stage": "running"}, "p1")
	require.NoError(t, err)

	state, err := e.conn.GetQueryStageState(e.ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, state.Pending)
	assert.Equal(t, []string{"a"}, state.Active)
	require.Contains(t, state.Definitions, "a")
	assert.Equal(t, "running", state.Definitions["a"].Extra["stage"])

	state, err = e.conn.GetQueryStageState(e.ctx, true)
	require.NoError(t, err)
	assert.Nil(t, state.Definitions)
}

func testNotFound(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{})
	_, err := e.conn.GetQueryDef(e.ctx, queue.Key("missing"))
	assert.ErrorIs(t, err, queue.ErrNotFound)
	_, err = e.conn.CancelQuery(e.ctx, queue.Key("missing"))
	assert.ErrorIs(t, err, queue.ErrNotFound)
	res, err := e.conn.GetResult(e.ctx, queue.Key("missing"))
	require.NoError(t, err)
	assert.Nil(t, res)
}

func testScopesIsolated(t *testing.T, f Factory) {
	e := setup(t, f, queue.Config{Concurrency: 1})
	other, err := e.drv.Connect(e.conn.Scope() + "x")
	require.NoError(t, err)

	e.enqueue("F", 1)
	res, err := other.Enqueue(e.ctx, queue.EnqueueRequest{Key: queue.Key("F")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)

	require.NotNil(t, e.retrieve("F", "p1"))
	lease, err := other.RetrieveForProcessing(e.ctx, queue.Key("F"), "p2")
	require.NoError(t, err)
	assert.NotNil(t, lease, "concurrency is per scope")
}
