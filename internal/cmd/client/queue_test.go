package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	orchqv1 "github.com/rzbill/orchq/api/orchq/v1"
)

type queueStub struct {
	orchqv1.UnimplementedQueueServiceServer
	lastEnqueue *orchqv1.EnqueueRequest
	lastUpdate  *orchqv1.UpdateRequest
	released    bool
	lastRead    *orchqv1.ReadEventsRequest
	committed   *orchqv1.CommitEventCursorRequest
}

func (s *queueStub) Enqueue(_ context.Context, req *orchqv1.EnqueueRequest) (*orchqv1.EnqueueResponse, error) {
	s.lastEnqueue = req
	return &orchqv1.EnqueueResponse{Fingerprint: "fp-1", Added: 1, PendingCount: 1}, nil
}

func (s *queueStub) Retrieve(_ context.Context, req *orchqv1.RetrieveRequest) (*orchqv1.RetrieveResponse, error) {
	return &orchqv1.RetrieveResponse{Acquired: true, ProcessingId: "p-9", Fingerprint: "fp-1", Attempts: 1}, nil
}

func (s *queueStub) Update(_ context.Context, req *orchqv1.UpdateRequest) (*orchqv1.UpdateResponse, error) {
	s.lastUpdate = req
	return &orchqv1.UpdateResponse{Updated: true}, nil
}

func (s *queueStub) Release(_ context.Context, req *orchqv1.ReleaseRequest) (*orchqv1.ReleaseResponse, error) {
	s.released = req.Activated
	return &orchqv1.ReleaseResponse{}, nil
}

func (s *queueStub) Wait(_ context.Context, req *orchqv1.WaitRequest) (*orchqv1.WaitResponse, error) {
	return &orchqv1.WaitResponse{Status: "completed", Result: json.RawMessage(`{"ok":true}`)}, nil
}

func (s *queueStub) Cancel(_ context.Context, req *orchqv1.CancelRequest) (*orchqv1.CancelResponse, error) {
	return nil, status.Error(codes.NotFound, "queue: not found")
}

func (s *queueStub) ReadEvents(_ context.Context, req *orchqv1.ReadEventsRequest) (*orchqv1.ReadEventsResponse, error) {
	s.lastRead = req
	return &orchqv1.ReadEventsResponse{
		Entries: []orchqv1.EventEntry{{Seq: 7, Type: "completed", Fingerprint: "fp-1", AtMs: 1}},
		Next:    7,
	}, nil
}

func (s *queueStub) CommitEventCursor(_ context.Context, req *orchqv1.CommitEventCursorRequest) (*orchqv1.CommitEventCursorResponse, error) {
	s.committed = req
	return &orchqv1.CommitEventCursorResponse{}, nil
}

type healthStub struct{}

func (healthStub) Check(context.Context, *orchqv1.HealthCheckRequest) (*orchqv1.HealthCheckResponse, error) {
	return &orchqv1.HealthCheckResponse{Status: "ok"}, nil
}

func startGRPCStub(t *testing.T, svc orchqv1.QueueServiceServer) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	orchqv1.RegisterQueueServiceServer(gs, svc)
	orchqv1.RegisterHealthServiceServer(gs, healthStub{})
	done := make(chan struct{})
	go func() {
		_ = gs.Serve(l)
		close(done)
	}()
	t.Cleanup(func() {
		gs.GracefulStop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			gs.Stop()
		}
	})
	return l.Addr().String()
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRoot()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestEnqueueSendsCompositeKey(t *testing.T) {
	stub := &queueStub{}
	t.Setenv("ORCHQ_GRPC", startGRPCStub(t, stub))

	out, err := run(t, "queue", "enqueue", "--scope", "reports", "--key", `["render",["acme",2024]]`,
		"--handler", "render", "--args", `{"format":"pdf"}`, "--priority", "5", "--orphan-timeout", "30s")
	require.NoError(t, err)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "fp-1", res["fingerprint"])
	assert.EqualValues(t, 1, res["added"])

	require.NotNil(t, stub.lastEnqueue)
	assert.Equal(t, "reports", stub.lastEnqueue.Scope)
	assert.JSONEq(t, `["render",["acme",2024]]`, string(stub.lastEnqueue.Key))
	assert.JSONEq(t, `{"format":"pdf"}`, string(stub.lastEnqueue.HandlerArgs))
	assert.EqualValues(t, 5, stub.lastEnqueue.Priority)
	assert.EqualValues(t, 30000, stub.lastEnqueue.OrphanTimeoutMs)
}

func TestEnqueueRejectsBadFlags(t *testing.T) {
	t.Setenv("ORCHQ_GRPC", startGRPCStub(t, &queueStub{}))

	_, err := run(t, "queue", "enqueue", "--handler", "h")
	assert.ErrorContains(t, err, "--key is required")

	_, err = run(t, "queue", "enqueue", "--key", "k", "--args", "{nope")
	assert.ErrorContains(t, err, "invalid --args")
}

func TestRetrieveAndRelease(t *testing.T) {
	stub := &queueStub{}
	t.Setenv("ORCHQ_GRPC", startGRPCStub(t, stub))

	out, err := run(t, "q", "lease", "-k", "job")
	require.NoError(t, err)
	assert.Contains(t, out, `"processingId": "p-9"`)

	out, err = run(t, "queue", "release", "-k", "job", "--processing-id", "p-9")
	require.NoError(t, err)
	assert.Contains(t, out, "status: OK")
	assert.True(t, stub.released)
}

func TestUpdateParsesPatch(t *testing.T) {
	stub := &queueStub{}
	t.Setenv("ORCHQ_GRPC", startGRPCStub(t, stub))

	out, err := run(t, "queue", "update", "-k", "job", "--patch", `{"progress":40}`)
	require.NoError(t, err)
	assert.Contains(t, out, "updated: true")
	require.NotNil(t, stub.lastUpdate)
	assert.EqualValues(t, 40, stub.lastUpdate.Patch["progress"])
}

func TestWaitPrintsResult(t *testing.T) {
	t.Setenv("ORCHQ_GRPC", startGRPCStub(t, &queueStub{}))

	out, err := run(t, "queue", "wait", "-k", "job", "--timeout", "1s")
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "completed", res["status"])
	assert.Equal(t, true, res["result"].(map[string]any)["ok"])
}

func TestCancelSurfacesNotFound(t *testing.T) {
	t.Setenv("ORCHQ_GRPC", startGRPCStub(t, &queueStub{}))

	_, err := run(t, "queue", "cancel", "-k", "missing")
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestHealthCommand(t *testing.T) {
	t.Setenv("ORCHQ_GRPC", startGRPCStub(t, &queueStub{}))

	out, err := run(t, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "status: ok")
}

func TestParseKey(t *testing.T) {
	k, err := parseKey("plain")
	require.NoError(t, err)
	assert.Equal(t, `"plain"`, string(k))

	k, err = parseKey(` ["t",[1]] `)
	require.NoError(t, err)
	assert.Equal(t, `["t",[1]]`, string(k))

	_, err = parseKey("[broken")
	assert.Error(t, err)
	_, err = parseKey("")
	assert.Error(t, err)
}

func TestEventsCommitsGroupCursor(t *testing.T) {
	stub := &queueStub{}
	t.Setenv("ORCHQ_GRPC", startGRPCStub(t, stub))

	out, err := run(t, "queue", "events", "-s", "reports", "--group", "audit", "--commit", "--wait", "2s", "--limit", "10")
	require.NoError(t, err)
	var page struct {
		Entries []map[string]any `json:"entries"`
		Next    uint64           `json:"next"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "completed", page.Entries[0]["type"])
	assert.Equal(t, uint64(7), page.Next)

	require.NotNil(t, stub.lastRead)
	assert.Equal(t, "audit", stub.lastRead.Group)
	assert.EqualValues(t, 2000, stub.lastRead.WaitMs)
	assert.Equal(t, 10, stub.lastRead.Limit)
	require.NotNil(t, stub.committed)
	assert.Equal(t, uint64(7), stub.committed.Seq)
	assert.Equal(t, "reports", stub.committed.Scope)

	_, err = run(t, "queue", "events", "--commit")
	assert.ErrorContains(t, err, "--commit requires --group")
}
