package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/rzbill/orchq/internal/config"
	"github.com/rzbill/orchq/internal/queue"
	"github.com/rzbill/orchq/internal/runtime"
)

func newServer(t *testing.T, mutate ...func(*cfgpkg.Config)) (*Server, *runtime.Runtime) {
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
	t.Cleanup(func() { _ = rt.Close() })
	return New(rt, nil), rt
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthHandler(t *testing.T) {
	s, _ := newServer(t)
	w := do(t, s, http.MethodGet, "/v1/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestMetricsHandler(t *testing.T) {
	s, _ := newServer(t)
	w := do(t, s, http.MethodPost, "/v1/scopes/jobs/items", `{"key":"a"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "orchq_")
}

func TestQueueLifecycle(t *testing.T) {
	s, _ := newServer(t)

	w := do(t, s, http.MethodPost, "/v1/scopes/jobs/items", `{"key":"report-1","handler":"render","priority":3,"handlerArgs":{"n":1}}`)
	require.Equal(t, http.StatusCreated, w.Code)
	enq := decode(t, w)
	assert.EqualValues(t, 1, enq["added"])
	fp := enq["fingerprint"].(string)
	require.Equal(t, "report-1", fp)

	// A duplicate key is deduplicated and answered with 200.
	w = do(t, s, http.MethodPost, "/v1/scopes/jobs/items", `{"key":"report-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["added"])

	base := "/v1/scopes/jobs/items/" + fp
	w = do(t, s, http.MethodPost, base+"/lease", "")
	require.Equal(t, http.StatusOK, w.Code)
	lease := decode(t, w)
	require.Equal(t, true, lease["acquired"])
	pid := lease["processingId"].(string)
	require.NotEmpty(t, pid)
	assert.Equal(t, "render", lease["definition"].(map[string]any)["handler"])

	w = do(t, s, http.MethodPost, base+"/lease", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["acquired"])

	w = do(t, s, http.MethodPost, base+"/heartbeat", `{"processingId":"`+pid+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["held"])

	w = do(t, s, http.MethodPatch, base+"/extra", `{"patch":{"pct":40}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["updated"])

	w = do(t, s, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, w.Code)
	item := decode(t, w)
	assert.Equal(t, "active", item["status"])
	assert.EqualValues(t, 40, item["definition"].(map[string]any)["extra"].(map[string]any)["pct"])

	w = do(t, s, http.MethodGet, "/v1/scopes/jobs/stage?onlyKeys=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode(t, w)
	assert.Equal(t, []any{fp}, st["active"])
	assert.Nil(t, st["definitions"])

	w = do(t, s, http.MethodGet, base+"/result", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	done := make(chan map[string]any, 1)
	go func() {
		w := do(t, s, http.MethodGet, base+"/result?wait=3s", "")
		var out map[string]any
		_ = json.Unmarshal(w.Body.Bytes(), &out)
		done <- out
	}()

	w = do(t, s, http.MethodPost, base+"/complete", `{"result":{"pages":7},"processingId":"`+pid+`"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	select {
	case out := <-done:
		assert.Equal(t, "completed", out["status"])
		assert.EqualValues(t, 7, out["result"].(map[string]any)["pages"])
	case <-time.After(3 * time.Second):
		t.Fatal("waiter not woken")
	}

	w = do(t, s, http.MethodGet, base+"/result", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", decode(t, w)["status"])
}

func TestCancelAndRelease(t *testing.T) {
	s, rt := newServer(t)
	fp := rt.Service().Fingerprint(queue.Key("k"))
	base := "/v1/scopes/jobs/items/" + fp

	w := do(t, s, http.MethodDelete, base, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodPost, "/v1/scopes/jobs/items", `{"key":"k","handler":"h"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, http.MethodPost, "/v1/scopes/jobs/processing-ids", "")
	require.Equal(t, http.StatusOK, w.Code)
	pid := decode(t, w)["processingId"].(string)

	w = do(t, s, http.MethodPost, base+"/lease", `{"processingId":"`+pid+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, pid, decode(t, w)["processingId"])

	w = do(t, s, http.MethodPost, base+"/release", `{"processingId":"`+pid+`","activated":true}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodGet, "/v1/scopes/jobs/stage", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{fp}, decode(t, w)["pending"])

	w = do(t, s, http.MethodDelete, base, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "h", decode(t, w)["definition"].(map[string]any)["handler"])

	w = do(t, s, http.MethodGet, base+"/result?wait=100ms", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decode(t, w)["status"])

	w = do(t, s, http.MethodGet, "/v1/scopes/jobs/items/"+rt.Service().Fingerprint(queue.Key("none"))+"/result?wait=20", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "timed_out", decode(t, w)["status"])
}

func TestBadRequests(t *testing.T) {
	s, _ := newServer(t)

	w := do(t, s, http.MethodPost, "/v1/scopes/jobs/items", `{"handler":"h"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/v1/scopes/jobs/items", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/v1/scopes/jobs/stage?filter="+"priority%20%3E", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/v1/scopes/jobs/inspect", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["orphaned"])
}

func TestStageFilter(t *testing.T) {
	s, _ := newServer(t)
	for _, body := range []string{
		`{"key":"lo","handler":"a","priority":1}`,
		`{"key":"hi","handler":"b","priority":9}`,
	} {
		w := do(t, s, http.MethodPost, "/v1/scopes/jobs/items", body)
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w := do(t, s, http.MethodGet, "/v1/scopes/jobs/stage?filter=priority%20%3E%205", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode(t, w)
	assert.Len(t, st["pending"], 1)
	assert.Len(t, st["definitions"], 1)
}

func TestRateLimit(t *testing.T) {
	s, _ := newServer(t, func(c *cfgpkg.Config) { c.Server.RateLimit = 1 })
	first := do(t, s, http.MethodGet, "/v1/healthz", "")
	require.Equal(t, http.StatusOK, first.Code)
	second := do(t, s, http.MethodGet, "/v1/healthz", "")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newServer(t)
	w := do(t, s, http.MethodOptions, "/v1/scopes/jobs/items", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestEventsJournal(t *testing.T) {
	s, _ := newServer(t)
	w := do(t, s, http.MethodPost, "/v1/scopes/jobs/items", `{"key":"a"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	w = do(t, s, http.MethodDelete, "/v1/scopes/jobs/items/a", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Entries []struct {
			Seq         uint64 `json:"seq"`
			Type        string `json:"type"`
			Fingerprint string `json:"fingerprint"`
		} `json:"entries"`
		Next uint64 `json:"next"`
	}
	require.Eventually(t, func() bool {
		w := do(t, s, http.MethodGet, "/v1/scopes/jobs/events", "")
		if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &body) != nil {
			return false
		}
		return len(body.Entries) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "enqueued", body.Entries[0].Type)
	assert.Equal(t, "cancelled", body.Entries[1].Type)
	assert.Equal(t, uint64(2), body.Next)

	w = do(t, s, http.MethodGet, "/v1/scopes/jobs/events/cursors/audit", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, s, http.MethodPost, "/v1/scopes/jobs/events/cursors/audit", `{"seq":1}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, s, http.MethodGet, "/v1/scopes/jobs/events/cursors/audit", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["seq"])

	w = do(t, s, http.MethodGet, "/v1/scopes/jobs/events?group=audit", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "cancelled", body.Entries[0].Type)

	w = do(t, s, http.MethodGet, "/v1/scopes/jobs/events?after=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s, http.MethodGet, "/v1/scopes/jobs/events?after=2&wait=20ms", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Empty(t, body.Entries)
	assert.Equal(t, uint64(2), body.Next)
}

func TestEventsDisabled(t *testing.T) {
	s, _ := newServer(t, func(c *cfgpkg.Config) { c.Journal.Enabled = false })
	w := do(t, s, http.MethodGet, "/v1/scopes/jobs/events", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventsTailSSE(t *testing.T) {
	s, rt := newServer(t)
	ctx := context.Background()
	_, err := rt.Service().Enqueue(ctx, "jobs", queue.EnqueueRequest{Key: queue.Key("a")})
	require.NoError(t, err)

	reqCtx, cancel := context.WithCancel(ctx)
	req := httptest.NewRequest(http.MethodGet, "/v1/scopes/jobs/events/stream?group=tail&commit=true", nil).WithContext(reqCtx)
	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		s.Handler().ServeHTTP(w, req)
		close(done)
	}()

	// The committed cursor shows the entry was delivered.
	require.Eventually(t, func() bool {
		seq, ok, err := rt.Journal().Cursor("jobs", "tail")
		return err == nil && ok && seq == 1
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tail did not stop after the client went away")
	}

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "id: 1\n")
	assert.Contains(t, body, "event: enqueued\n")
	assert.Contains(t, body, `"fingerprint":"a"`)

	w = do(t, s, http.MethodGet, "/v1/scopes/jobs/events/stream?reverse=true", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
