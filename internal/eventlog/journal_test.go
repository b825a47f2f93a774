package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/orchq/internal/queue"
	pebblestore "github.com/rzbill/orchq/internal/storage/pebble"
)

func openJournal(t *testing.T, opts Options) *Journal {
	t.Helper()
	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}
	opts.Fsync = pebblestore.FsyncModeNever
	j, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func readAll(t *testing.T, j *Journal, scope string, n int) []Entry {
	t.Helper()
	var out []Entry
	require.Eventually(t, func() bool {
		var err error
		out, _, err = j.Read(context.Background(), scope, ReadRequest{})
		return err == nil && len(out) == n
	}, 2*time.Second, 5*time.Millisecond)
	return out
}

func TestJournalPublishAndRead(t *testing.T) {
	j := openJournal(t, Options{})
	ctx := context.Background()
	j.Publish(ctx, queue.Event{Type: queue.EventEnqueued, Scope: "jobs", Fingerprint: "a", AtMs: 10})
	j.Publish(ctx, queue.Event{Type: queue.EventAcquired, Scope: "jobs", Fingerprint: "a", ProcessingID: "p1", AtMs: 11})
	j.Publish(ctx, queue.Event{Type: queue.EventEnqueued, Scope: "other", Fingerprint: "b", AtMs: 12})

	got := readAll(t, j, "jobs", 2)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, queue.EventEnqueued, got[0].Type)
	assert.Equal(t, "p1", got[1].ProcessingID)

	readAll(t, j, "other", 1)
	scopes, err := j.Scopes()
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs", "other"}, scopes)

	rev, next, err := j.Read(ctx, "jobs", ReadRequest{Reverse: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, rev, 1)
	assert.Equal(t, uint64(2), rev[0].Seq)
	assert.Equal(t, uint64(2), next)
	rev, _, err = j.Read(ctx, "jobs", ReadRequest{Reverse: true, After: next})
	require.NoError(t, err)
	require.Len(t, rev, 1)
	assert.Equal(t, uint64(1), rev[0].Seq)

	_, _, err = j.Read(ctx, "a/b", ReadRequest{})
	assert.ErrorIs(t, err, queue.ErrInvalidScope)
}

func TestJournalGroupCursor(t *testing.T) {
	j := openJournal(t, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		j.Publish(ctx, queue.Event{Type: queue.EventEnqueued, Scope: "jobs", AtMs: int64(i + 1)})
	}
	readAll(t, j, "jobs", 3)

	require.NoError(t, j.Commit("jobs", "audit", 2))
	seq, ok, err := j.Cursor("jobs", "audit")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), seq)

	rest, next, err := j.Read(ctx, "jobs", ReadRequest{Group: "audit"})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, uint64(3), rest[0].Seq)
	assert.Equal(t, uint64(3), next)

	require.NoError(t, j.Commit("jobs", "audit", next))
	rest, next, err = j.Read(ctx, "jobs", ReadRequest{Group: "audit"})
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, uint64(3), next)

	assert.Error(t, j.Commit("jobs", "", 1))
}

func TestJournalBlockingRead(t *testing.T) {
	j := openJournal(t, Options{})
	ctx := context.Background()

	start := time.Now()
	none, _, err := j.Read(ctx, "jobs", ReadRequest{Wait: 30 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		j.Publish(ctx, queue.Event{Type: queue.EventCompleted, Scope: "jobs", Fingerprint: "x", AtMs: 1})
	}()
	got, _, err := j.Read(ctx, "jobs", ReadRequest{Wait: 2 * time.Second})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, queue.EventCompleted, got[0].Type)
}

func TestJournalTrimByRetention(t *testing.T) {
	now := time.UnixMilli(10_000)
	j := openJournal(t, Options{Retention: time.Second, Now: func() time.Time { return now }})
	ctx := context.Background()
	j.Publish(ctx, queue.Event{Type: queue.EventEnqueued, Scope: "jobs", AtMs: 1_000})
	j.Publish(ctx, queue.Event{Type: queue.EventCompleted, Scope: "jobs", AtMs: 9_500})
	readAll(t, j, "jobs", 2)

	n, err := j.Trim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	left := readAll(t, j, "jobs", 1)
	assert.Equal(t, queue.EventCompleted, left[0].Type)
}

func TestJournalCloseAndReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	j.Publish(context.Background(), queue.Event{Type: queue.EventEnqueued, Scope: "jobs", AtMs: 1})
	// Close flushes the buffer.
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())
	j.Publish(context.Background(), queue.Event{Type: queue.EventEnqueued, Scope: "jobs", AtMs: 2})
	assert.ErrorIs(t, j.CheckHealth(), ErrClosed)

	j2 := openJournal(t, Options{DataDir: dir})
	require.NoError(t, j2.CheckHealth())
	got, _, err := j2.Read(context.Background(), "jobs", ReadRequest{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
