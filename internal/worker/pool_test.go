package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/orchq/internal/metrics"
	"github.com/rzbill/orchq/internal/queue"
	pebblestore "github.com/rzbill/orchq/internal/storage/pebble"
	"github.com/rzbill/orchq/internal/workqueue"
)

type recordedMetrics struct {
	mu       sync.Mutex
	started  int
	statuses []string
}

func (m *recordedMetrics) JobStarted() {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *recordedMetrics) JobFinished(_, status string, _ time.Duration) {
	m.mu.Lock()
	m.statuses = append(m.statuses, status)
	m.mu.Unlock()
}

func (m *recordedMetrics) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.statuses...)
}

func newDriver(t *testing.T, cfg queue.Config) *queue.Driver {
	t.Helper()
	st, err := workqueue.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	d, err := queue.NewDriver(queue.Options{Store: st, Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func newPool(t *testing.T, d *queue.Driver, reg *Registry, cfg Config) (*Pool, *recordedMetrics) {
	t.Helper()
	if cfg.Scope == "" {
		cfg.Scope = "jobs"
	}
	m := &recordedMetrics{}
	p, err := New(d, reg, cfg, m, nil)
	require.NoError(t, err)
	return p, m
}

func enqueue(t *testing.T, conn *queue.Connection, key, handler string, prio int64) {
	t.Helper()
	res, err := conn.Enqueue(context.Background(), queue.EnqueueRequest{Key: queue.Key(key), Handler: handler, Priority: prio})
	require.NoError(t, err)
	require.Equal(t, 1, res.Added)
}

func TestPoolCompletesWithResult(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, queue.Config{})
	conn, err := d.Connect("jobs")
	require.NoError(t, err)

	reg := NewRegistry()
	reg.MustRegister("sum", func(ctx context.Context, job *Job) (json.RawMessage, error) {
		ok, err := job.Update(ctx, map[string]any{"progress": 1})
		if err != nil || !ok {
			return nil, errors.New("update failed")
		}
		return json.RawMessage(`{"rows":[1,2,3]}`), nil
	})
	p, m := newPool(t, d, reg, Config{})
	enqueue(t, conn, "a", "sum", 1)

	n, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p.Wait()

	res, err := conn.GetResult(ctx, queue.Key("a"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, queue.WaitCompleted, res.Status)
	assert.JSONEq(t, `{"rows":[1,2,3]}`, string(res.Result))
	assert.Equal(t, []string{metrics.StatusSuccess}, m.snapshot())

	_, err = conn.GetItem(ctx, queue.Key("a"))
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestPoolCompletesStructKey(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, queue.Config{})
	conn, err := d.Connect("jobs")
	require.NoError(t, err)

	reg := NewRegistry()
	reg.MustRegister("render", func(ctx context.Context, job *Job) (json.RawMessage, error) {
		if _, err := job.Update(ctx, map[string]any{"stage": "render"}); err != nil {
			return nil, err
		}
		return json.RawMessage(`"ok"`), nil
	})
	p, _ := newPool(t, d, reg, Config{})

	key := queue.CompositeKey("report", struct {
		Zone string
		Area int
	}{Zone: "eu", Area: 7})
	_, err = conn.Enqueue(ctx, queue.EnqueueRequest{Key: key, Handler: "render", Priority: 1})
	require.NoError(t, err)

	n, err := p.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, err := conn.GetResultBlocking(ctx, key, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, queue.WaitCompleted, res.Status)
	assert.JSONEq(t, `"ok"`, string(res.Result))
	p.Wait()

	active, err := conn.GetActiveQueries(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPoolStoresErrorResult(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, queue.Config{})
	conn, err := d.Connect("jobs")
	require.NoError(t, err)

	reg := NewRegistry()
	reg.MustRegister("fail", func(context.Context, *Job) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	p, m := newPool(t, d, reg, Config{})
	enqueue(t, conn, "a", "fail", 0)

	_, err = p.Poll(ctx)
	require.NoError(t, err)
	p.Wait()

	res, err := conn.GetResult(ctx, queue.Key("a"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, queue.WaitCompleted, res.Status)
	assert.JSONEq(t, `{"error":"boom"}`, string(res.Result))
	assert.Equal(t, []string{metrics.StatusError}, m.snapshot())
}

func TestPoolRecoversPanics(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, queue.Config{})
	conn, err := d.Connect("jobs")
	require.NoError(t, err)

	reg := NewRegistry()
	reg.MustRegister("panic", func(context.Context, *Job) (json.RawMessage, error) {
		panic("oops")
	})
	p, _ := newPool(t, d, reg, Config{})
	enqueue(t, conn, "a", "panic", 0)

	_, err = p.Poll(ctx)
	require.NoError(t, err)
	p.Wait()

	res, err := conn.GetResult(ctx, queue.Key("a"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.JSONEq(t, `{"error":"handler panic: oops"}`, string(res.Result))
}

func TestPoolRetryableErrorRequeues(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, queue.Config{MaxAttempts: 2})
	conn, err := d.Connect("jobs")
	require.NoError(t, err)

	reg := NewRegistry()
	reg.MustRegister("flaky", func(context.Context, *Job) (json.RawMessage, error) {
		return nil, Retryable(errors.New("try later"))
	})
	p, m := newPool(t, d, reg, Config{})
	enqueue(t, conn, "a", "flaky", 0)

	_, err = p.Poll(ctx)
	require.NoError(t, err)
	p.Wait()

	item, err := conn.GetItem(ctx, queue.Key("a"))
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, item.Status)
	assert.Equal(t, 1, item.Attempts)

	// The second attempt exhausts MaxAttempts and cancels the item.
	_, err = p.Poll(ctx)
	require.NoError(t, err)
	p.Wait()

	res, err := conn.GetResult(ctx, queue.Key("a"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, queue.WaitCancelled, res.Status)
	assert.Equal(t, []string{metrics.StatusRetry, metrics.StatusRetry}, m.snapshot())
}

func TestPoolSkipsUnregisteredHandlers(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, queue.Config{})
	conn, err := d.Connect("jobs")
	require.NoError(t, err)

	p, _ := newPool(t, d, NewRegistry(), Config{})
	enqueue(t, conn, "a", "unknown", 0)

	n, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err := conn.GetToProcessQueries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, pending)
}

func TestPoolRespectsSlots(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, queue.Config{Concurrency: 5})
	conn, err := d.Connect("jobs")
	require.NoError(t, err)

	release := make(chan struct{})
	reg := NewRegistry()
	reg.MustRegister("block", func(context.Context, *Job) (json.RawMessage, error) {
		<-release
		return nil, nil
	})
	p, _ := newPool(t, d, reg, Config{Slots: 1})
	enqueue(t, conn, "a", "block", 0)
	enqueue(t, conn, "b", "block", 0)

	n, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := conn.GetActiveQueries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, active)

	close(release)
	p.Wait()
	n, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p.Wait()
}

func TestPoolFollowsPriorityOrder(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, queue.Config{Concurrency: 1})
	conn, err := d.Connect("jobs")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	reg := NewRegistry()
	reg.MustRegister("rec", func(_ context.Context, job *Job) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, job.Fingerprint)
		mu.Unlock()
		return nil, nil
	})
	p, _ := newPool(t, d, reg, Config{})
	enqueue(t, conn, "low", "rec", 1)
	enqueue(t, conn, "high", "rec", 9)
	enqueue(t, conn, "mid", "rec", 5)

	for i := 0; i < 3; i++ {
		n, err := p.Poll(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		p.Wait()
	}
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestPoolAbandonsLostLease(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, queue.Config{})
	conn, err := d.Connect("jobs")
	require.NoError(t, err)

	running := make(chan struct{})
	reg := NewRegistry()
	reg.MustRegister("slow", func(ctx context.Context, _ *Job) (json.RawMessage, error) {
		close(running)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p, m := newPool(t, d, reg, Config{HeartbeatInterval: 10 * time.Millisecond})
	enqueue(t, conn, "a", "slow", 0)

	_, err = p.Poll(ctx)
	require.NoError(t, err)
	<-running
	_, err = conn.CancelQuery(ctx, queue.Key("a"))
	require.NoError(t, err)
	p.Wait()

	assert.Equal(t, []string{metrics.StatusAbandoned}, m.snapshot())
	res, err := conn.GetResult(ctx, queue.Key("a"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, queue.WaitCancelled, res.Status)
}

func TestPoolStartStop(t *testing.T) {
	d := newDriver(t, queue.Config{})
	conn, err := d.Connect("jobs")
	require.NoError(t, err)

	reg := NewRegistry()
	reg.MustRegister("echo", func(_ context.Context, job *Job) (json.RawMessage, error) {
		return json.Marshal(map[string]string{"fp": job.Fingerprint})
	})
	p, _ := newPool(t, d, reg, Config{PollInterval: 10 * time.Millisecond})
	p.Start()
	defer p.Stop()

	enqueue(t, conn, "a", "echo", 0)
	p.Notify()

	res, err := conn.GetResultBlocking(context.Background(), queue.Key("a"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, queue.WaitCompleted, res.Status)
	assert.JSONEq(t, `{"fp":"a"}`, string(res.Result))
}

func TestPoolStopReleasesRunningJobs(t *testing.T) {
	d := newDriver(t, queue.Config{})
	conn, err := d.Connect("jobs")
	require.NoError(t, err)

	running := make(chan struct{})
	reg := NewRegistry()
	reg.MustRegister("wait", func(ctx context.Context, _ *Job) (json.RawMessage, error) {
		close(running)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p, m := newPool(t, d, reg, Config{PollInterval: 10 * time.Millisecond})
	enqueue(t, conn, "a", "wait", 0)
	p.Start()
	<-running
	p.Stop()

	item, err := conn.GetItem(context.Background(), queue.Key("a"))
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, item.Status)
	assert.Equal(t, []string{metrics.StatusRetry}, m.snapshot())
}
