package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	orchqv1 "github.com/rzbill/orchq/api/orchq/v1"
	cfgpkg "github.com/rzbill/orchq/internal/config"
	"github.com/rzbill/orchq/internal/queue"
	"github.com/rzbill/orchq/internal/runtime"
)

const bufSize = 1 << 20

func dialer(s *grpc.Server) func(context.Context, string) (net.Conn, error) {
	lis := bufconn.Listen(bufSize)
	go func() { _ = s.Serve(lis) }()
	return func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
}

func newClientConn(t *testing.T, mutate ...func(*cfgpkg.Config)) *grpc.ClientConn {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Fsync = "never"
	cfg.Reconciler.Enabled = false
	for _, m := range mutate {
		m(&cfg)
	}
	rt, err := runtime.Open(context.Background(), runtime.Options{Config: cfg})
	require.NoError(t, err)
	srv := New(rt)
	t.Cleanup(func() {
		srv.Close()
		_ = rt.Close()
	})
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer(srv.grpc)),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHealthOverGRPC(t *testing.T) {
	conn := newClientConn(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := orchqv1.NewHealthServiceClient(conn).Check(ctx, &orchqv1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.GetStatus())
}

func TestQueueLifecycleOverGRPC(t *testing.T) {
	conn := newClientConn(t)
	c := orchqv1.NewQueueServiceClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := json.RawMessage(`["report",["acme",2024]]`)

	enq, err := c.Enqueue(ctx, &orchqv1.EnqueueRequest{Scope: "s", Key: key, Handler: "render", Priority: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, enq.Added)
	assert.Len(t, enq.Fingerprint, 32)
	dup, err := c.Enqueue(ctx, &orchqv1.EnqueueRequest{Scope: "s", Key: key})
	require.NoError(t, err)
	assert.Zero(t, dup.Added)

	// A waiter started before completion is woken by it.
	waitCh := make(chan *orchqv1.WaitResponse, 1)
	go func() {
		res, err := c.Wait(ctx, &orchqv1.WaitRequest{Scope: "s", Key: key, TimeoutMs: 4000})
		if err == nil {
			waitCh <- res
		}
		close(waitCh)
	}()

	lease, err := c.Retrieve(ctx, &orchqv1.RetrieveRequest{Scope: "s", Key: key})
	require.NoError(t, err)
	require.True(t, lease.GetAcquired())
	assert.NotEmpty(t, lease.ProcessingId)
	assert.Equal(t, 1, lease.Attempts)
	var def queue.Definition
	require.NoError(t, json.Unmarshal(lease.Definition, &def))
	assert.Equal(t, "render", def.Handler)

	again, err := c.Retrieve(ctx, &orchqv1.RetrieveRequest{Scope: "s", Key: key})
	require.NoError(t, err)
	assert.False(t, again.GetAcquired())

	hb, err := c.Heartbeat(ctx, &orchqv1.HeartbeatRequest{Scope: "s", Key: key, ProcessingId: lease.ProcessingId})
	require.NoError(t, err)
	assert.True(t, hb.Held)

	up, err := c.Update(ctx, &orchqv1.UpdateRequest{Scope: "s", Key: key, Patch: map[string]any{"pct": 50}})
	require.NoError(t, err)
	assert.True(t, up.Updated)

	got, err := c.GetDefinition(ctx, &orchqv1.GetDefinitionRequest{Scope: "s", Key: key})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(got.Definition, &def))
	assert.EqualValues(t, 50, def.Extra["pct"])

	st, err := c.StageState(ctx, &orchqv1.StageStateRequest{Scope: "s"})
	require.NoError(t, err)
	assert.Equal(t, []string{enq.Fingerprint}, st.Active)
	assert.Contains(t, st.Definitions, enq.Fingerprint)

	_, err = c.Complete(ctx, &orchqv1.CompleteRequest{Scope: "s", Key: key, Result: json.RawMessage(`{"rows":[1,2,3]}`), ProcessingId: lease.ProcessingId})
	require.NoError(t, err)

	res, ok := <-waitCh
	require.True(t, ok)
	assert.Equal(t, "completed", res.GetStatus())
	assert.JSONEq(t, `{"rows":[1,2,3]}`, string(res.Result))

	gr, err := c.GetResult(ctx, &orchqv1.GetResultRequest{Scope: "s", Key: key})
	require.NoError(t, err)
	assert.True(t, gr.Found)
	assert.Equal(t, "completed", gr.Status)
}

func TestCancelAndErrorsOverGRPC(t *testing.T) {
	conn := newClientConn(t)
	c := orchqv1.NewQueueServiceClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Cancel(ctx, &orchqv1.CancelRequest{Scope: "s", Key: json.RawMessage(`"missing"`)})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = c.Enqueue(ctx, &orchqv1.EnqueueRequest{Scope: "s"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.Enqueue(ctx, &orchqv1.EnqueueRequest{Scope: "a/b", Key: json.RawMessage(`"k"`)})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.StageState(ctx, &orchqv1.StageStateRequest{Scope: "s", Filter: "priority >"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.Enqueue(ctx, &orchqv1.EnqueueRequest{Scope: "s", Key: json.RawMessage(`"k"`), Handler: "h"})
	require.NoError(t, err)
	cr, err := c.Cancel(ctx, &orchqv1.CancelRequest{Scope: "s", Key: json.RawMessage(`"k"`)})
	require.NoError(t, err)
	var def queue.Definition
	require.NoError(t, json.Unmarshal(cr.Definition, &def))
	assert.Equal(t, "h", def.Handler)

	wr, err := c.Wait(ctx, &orchqv1.WaitRequest{Scope: "s", Key: json.RawMessage(`"k"`)})
	require.NoError(t, err)
	assert.Equal(t, "cancelled", wr.GetStatus())

	wr, err = c.Wait(ctx, &orchqv1.WaitRequest{Scope: "s", Key: json.RawMessage(`"never"`), TimeoutMs: 20})
	require.NoError(t, err)
	assert.Equal(t, "timed_out", wr.GetStatus())
}

func TestReleaseAndInspectOverGRPC(t *testing.T) {
	conn := newClientConn(t)
	c := orchqv1.NewQueueServiceClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := json.RawMessage(`"job"`)

	_, err := c.Enqueue(ctx, &orchqv1.EnqueueRequest{Scope: "s", Key: key})
	require.NoError(t, err)
	pid, err := c.NextProcessingId(ctx, &orchqv1.NextProcessingIdRequest{Scope: "s"})
	require.NoError(t, err)
	require.NotEmpty(t, pid.ProcessingId)

	lease, err := c.Retrieve(ctx, &orchqv1.RetrieveRequest{Scope: "s", Key: key, ProcessingId: pid.ProcessingId})
	require.NoError(t, err)
	require.True(t, lease.Acquired)
	assert.Equal(t, pid.ProcessingId, lease.ProcessingId)

	_, err = c.Release(ctx, &orchqv1.ReleaseRequest{Scope: "s", Key: key, ProcessingId: pid.ProcessingId, Activated: true})
	require.NoError(t, err)

	st, err := c.StageState(ctx, &orchqv1.StageStateRequest{Scope: "s", OnlyKeys: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"job"}, st.Pending)
	assert.Nil(t, st.Definitions)

	in, err := c.Inspect(ctx, &orchqv1.InspectRequest{Scope: "s"})
	require.NoError(t, err)
	assert.Empty(t, in.Orphaned)
	assert.Empty(t, in.Stalled)
}

func TestReadEventsOverGRPC(t *testing.T) {
	conn := newClientConn(t)
	c := orchqv1.NewQueueServiceClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Enqueue(ctx, &orchqv1.EnqueueRequest{Scope: "s", Key: json.RawMessage(`"a"`)})
	require.NoError(t, err)
	// The first enqueue is journaled asynchronously; a blocking read picks it up.
	res, err := c.ReadEvents(ctx, &orchqv1.ReadEventsRequest{Scope: "s", WaitMs: 2000})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "enqueued", res.Entries[0].Type)
	assert.Equal(t, "a", res.Entries[0].Fingerprint)
	assert.Equal(t, uint64(1), res.Next)

	_, err = c.CommitEventCursor(ctx, &orchqv1.CommitEventCursorRequest{Scope: "s", Group: "g", Seq: res.Next})
	require.NoError(t, err)
	rest, err := c.ReadEvents(ctx, &orchqv1.ReadEventsRequest{Scope: "s", Group: "g"})
	require.NoError(t, err)
	assert.Empty(t, rest.Entries)
	assert.Equal(t, uint64(1), rest.Next)

	_, err = c.CommitEventCursor(ctx, &orchqv1.CommitEventCursorRequest{Scope: "s"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestReadEventsJournalDisabled(t *testing.T) {
	conn := newClientConn(t, func(c *cfgpkg.Config) { c.Journal.Enabled = false })
	c := orchqv1.NewQueueServiceClient(conn)
	_, err := c.ReadEvents(context.Background(), &orchqv1.ReadEventsRequest{Scope: "s"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestToStatus(t *testing.T) {
	assert.NoError(t, toStatus(nil))
	assert.Equal(t, codes.Unavailable, status.Code(toStatus(queue.ErrStoreUnavailable)))
	assert.Equal(t, codes.Unavailable, status.Code(toStatus(queue.ErrClosed)))
	assert.Equal(t, codes.FailedPrecondition, status.Code(toStatus(queue.ErrLeaseLost)))
	assert.Equal(t, codes.DeadlineExceeded, status.Code(toStatus(context.DeadlineExceeded)))
	assert.Equal(t, codes.Internal, status.Code(toStatus(errors.New("boom"))))
	already := status.Error(codes.Aborted, "x")
	assert.Equal(t, already, toStatus(already))
}
