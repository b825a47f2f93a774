package serverrun

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	orchqv1 "github.com/rzbill/orchq/api/orchq/v1"
	cfgpkg "github.com/rzbill/orchq/internal/config"
	"github.com/rzbill/orchq/internal/worker"
)

func testConfig(t *testing.T) cfgpkg.Config {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Fsync = "never"
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	return cfg
}

type addrs struct{ grpc, http net.Addr }

func start(t *testing.T, opts Options) (addrs, context.CancelFunc, <-chan error) {
	t.Helper()
	ready := make(chan addrs, 1)
	opts.Ready = func(g, h net.Addr) { ready <- addrs{g, h} }
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, opts) }()
	select {
	case a := <-ready:
		return a, cancel, errCh
	case err := <-errCh:
		cancel()
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server did not start")
	}
	return addrs{}, cancel, errCh
}

func TestRunServesBothTransports(t *testing.T) {
	a, cancel, errCh := start(t, Options{Config: testConfig(t)})

	resp, err := http.Get("http://" + a.http.String() + "/v1/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, err := grpc.NewClient(a.grpc.String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	hc, err := orchqv1.NewHealthServiceClient(conn).Check(ctx, &orchqv1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", hc.GetStatus())

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRunWithWorkerPool(t *testing.T) {
	handlers := worker.NewRegistry()
	handlers.MustRegister("echo", func(_ context.Context, job *worker.Job) (json.RawMessage, error) {
		return job.Definition.HandlerArgs, nil
	})
	cfg := testConfig(t)
	cfg.Scope = "jobs"
	a, cancel, errCh := start(t, Options{Config: cfg, Handlers: handlers})
	defer func() {
		cancel()
		<-errCh
	}()

	base := "http://" + a.http.String() + "/v1/scopes/jobs/items"
	resp, err := http.Post(base, "application/json", strings.NewReader(`{"key":"e1","handler":"echo","handlerArgs":{"v":1}}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Get(base + "/e1/result?wait=5s")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "completed", out["status"])
	assert.JSONEq(t, `{"v":1}`, mustJSON(t, out["result"]))
}

func TestRunFailsOnBusyPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = l.Addr().String()
	err = Run(context.Background(), Options{Config: cfg})
	assert.ErrorContains(t, err, "http listen")
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
