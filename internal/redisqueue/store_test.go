package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/orchq/internal/queue"
	"github.com/rzbill/orchq/internal/queue/queuetest"
	"github.com/rzbill/orchq/pkg/log"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := Open(context.Background(), Options{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStoreConformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queuetest.Backend {
		s, mr := newTestStore(t)
		return queuetest.Backend{Store: s, FastForward: mr.FastForward}
	})
}

func TestPendingMemberOrder(t *testing.T) {
	a := pendingMember(5, 100, 1, "a")
	b := pendingMember(5, 100, 2, "b")
	c := pendingMember(9, 900, 3, "c")
	assert.Less(t, c, a)
	assert.Less(t, a, b)

	fp, ok := memberFingerprint(b)
	require.True(t, ok)
	assert.Equal(t, "b", fp)
}

func TestResubscribeWakesAllWaiters(t *testing.T) {
	s := &Store{hub: queue.NewHub(), done: make(chan struct{}), logger: log.NewNopLogger()}
	a := s.hub.Subscribe(queue.Topic("s", "a"))
	defer a.Close()
	b := s.hub.Subscribe(queue.Topic("t", "b"))
	defer b.Close()

	ch := make(chan any, 1)
	go s.listen(ch)
	ch <- &redis.Subscription{Kind: "psubscribe", Channel: donePattern, Count: 1}
	for _, sub := range []queue.Subscription{a, b} {
		select {
		case <-sub.C():
		case <-time.After(time.Second):
			t.Fatal("waiter not woken after resubscribe")
		}
	}
	close(ch)
	<-s.done
}

func TestParseDoneChannel(t *testing.T) {
	k := scopeKeys("tenant-1")
	scope, fp, ok := parseDoneChannel(k.done("abc:def"))
	require.True(t, ok)
	assert.Equal(t, "tenant-1", scope)
	assert.Equal(t, "abc:def", fp)

	_, _, ok = parseDoneChannel("other:channel")
	assert.False(t, ok)
}

func TestStoreLayout(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	item := queue.WorkItem{
		Fingerprint:     "q1",
		Priority:        3,
		Status:          queue.StatusPending,
		CreatedAtMs:     1000,
		OrphanTimeoutMs: 500,
		Definition:      queue.Definition{QueryKey: queue.Key("q1"), Extra: map[string]any{"a": "b"}},
	}
	res, err := s.Add(ctx, "s", item)
	require.NoError(t, err)
	assert.True(t, res.Added)

	k := scopeKeys("s")
	assert.True(t, mr.Exists(k.item("q1")))
	members, err := mr.ZMembers(k.pending())
	require.NoError(t, err)
	require.Len(t, members, 1)

	lease, err := s.Retrieve(ctx, "s", "q1", "p1", 1, 2000)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, 1, lease.Item.Attempts)
	assert.Equal(t, map[string]any{"a": "b"}, lease.Item.Definition.Extra)

	score, err := mr.ZScore(k.orphan(), "q1")
	require.NoError(t, err)
	assert.Equal(t, float64(2500), score)
	assert.Equal(t, "active", mr.HGet(k.item("q1"), "status"))

	_, err = s.Complete(ctx, "s", "q1", queue.Outcome{AtMs: 3000}, time.Minute)
	require.NoError(t, err)
	assert.False(t, mr.Exists(k.item("q1")))
	assert.Equal(t, time.Minute, mr.TTL(k.result("q1")))
}

func TestOutcomeExpiresWithTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.Complete(ctx, "s", "q", queue.Outcome{AtMs: 1000}, time.Second)
	require.NoError(t, err)
	o, err := s.Result(ctx, "s", "q", 1500)
	require.NoError(t, err)
	require.NotNil(t, o)

	mr.FastForward(2 * time.Second)
	o, err = s.Result(ctx, "s", "q", 1500)
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestUnreachableServerIsUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	s, err := New(context.Background(), client, nil)
	require.NoError(t, err)
	defer s.Close()

	mr.Close()
	_, err = s.Get(context.Background(), "s", "x")
	assert.ErrorIs(t, err, queue.ErrStoreUnavailable)
}

func TestServerErrorIsNotUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	k := scopeKeys("s")
	require.NoError(t, mr.Set(k.item("x"), "not a hash"))

	_, err := s.Get(context.Background(), "s", "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, queue.ErrStoreUnavailable)
}

func TestClosedStore(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), queue.ErrStoreUnavailable)
	require.NoError(t, s.Close())
}
