package controllers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/orchq/internal/queue"
	queuesvc "github.com/rzbill/orchq/internal/services/queues"
	logpkg "github.com/rzbill/orchq/pkg/log"
)

// QueuesController handles the queue endpoints under /v1/scopes/{scope}.
//
// Items are addressed by fingerprint. A fingerprint is a valid plain key, so
// any item can be reached through the value Enqueue returned.
type QueuesController struct {
	svc    *queuesvc.Service
	logger logpkg.Logger
}

// NewQueuesController creates a new queues controller.
func NewQueuesController(svc *queuesvc.Service, logger logpkg.Logger) *QueuesController {
	return &QueuesController{svc: svc, logger: logger}
}

// RegisterRoutes registers all queue routes with the given router.
func (c *QueuesController) RegisterRoutes(r chi.Router) {
	r.Route("/v1/scopes/{scope}", func(r chi.Router) {
		r.Post("/items", c.handleEnqueue)
		r.Get("/items/{fingerprint}", c.handleGetDefinition)
		r.Delete("/items/{fingerprint}", c.handleCancel)
		r.Post("/items/{fingerprint}/lease", c.handleRetrieve)
		r.Post("/items/{fingerprint}/heartbeat", c.handleHeartbeat)
		r.Patch("/items/{fingerprint}/extra", c.handleUpdate)
		r.Post("/items/{fingerprint}/complete", c.handleComplete)
		r.Post("/items/{fingerprint}/release", c.handleRelease)
		r.Get("/items/{fingerprint}/result", c.handleResult)

		r.Get("/stage", c.handleStage)
		r.Get("/inspect", c.handleInspect)
		r.Post("/processing-ids", c.handleNextProcessingID)
	})
}

func scopeOf(r *http.Request) string { return chi.URLParam(r, "scope") }

func (c *QueuesController) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var key queue.QueryKey
	if len(req.Key) == 0 || key.UnmarshalJSON(req.Key) != nil || key.IsZero() {
		writeError(w, http.StatusBadRequest, "key must be a string or [tag, [args...]]")
		return
	}
	res, err := c.svc.Enqueue(r.Context(), scopeOf(r), queue.EnqueueRequest{
		Priority:      req.Priority,
		Key:           key,
		OrphanTimeout: time.Duration(req.OrphanTimeoutMs) * time.Millisecond,
		Handler:       req.Handler,
		HandlerArgs:   req.HandlerArgs,
		Query:         req.Query,
		StageKey:      req.StageKey,
		RequestID:     req.RequestID,
	})
	if err != nil {
		writeQueueError(w, err)
		return
	}
	code := http.StatusOK
	if res.Added > 0 {
		code = http.StatusCreated
	}
	writeJSONStatus(w, code, enqueueResp{
		Fingerprint:  c.svc.Fingerprint(key),
		Added:        res.Added,
		Removed:      res.Removed,
		ActiveCount:  res.ActiveCount,
		PendingCount: res.PendingCount,
		EnqueuedAtMs: res.EnqueuedAt.UnixMilli(),
	})
}

func (c *QueuesController) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid fingerprint")
		return
	}
	item, err := c.svc.Item(r.Context(), scopeOf(r), key)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"fingerprint": item.Fingerprint,
		"status":      item.Status,
		"attempts":    item.Attempts,
		"definition":  item.Definition,
	})
}

func (c *QueuesController) handleCancel(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid fingerprint")
		return
	}
	def, err := c.svc.Cancel(r.Context(), scopeOf(r), key)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, map[string]any{"definition": def})
}

func (c *QueuesController) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid fingerprint")
		return
	}
	var req leaseReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	lease, err := c.svc.Retrieve(r.Context(), scopeOf(r), key, req.ProcessingID)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	if lease == nil {
		writeJSON(w, leaseResp{Acquired: false})
		return
	}
	writeJSON(w, leaseResp{
		Acquired:     true,
		ProcessingID: lease.ProcessingID,
		Fingerprint:  lease.Fingerprint,
		Definition:   &lease.Definition,
		Active:       lease.Active,
		PendingCount: lease.PendingCount,
		Attempts:     lease.Attempts,
	})
}

func (c *QueuesController) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid fingerprint")
		return
	}
	var req leaseReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	held, err := c.svc.Heartbeat(r.Context(), scopeOf(r), key, req.ProcessingID)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"held": held})
}

func (c *QueuesController) handleUpdate(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid fingerprint")
		return
	}
	var req updateReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	updated, err := c.svc.Update(r.Context(), scopeOf(r), key, req.Patch, req.ProcessingID)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"updated": updated})
}

func (c *QueuesController) handleComplete(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid fingerprint")
		return
	}
	var req completeReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := c.svc.Complete(r.Context(), scopeOf(r), key, req.Result, req.ProcessingID); err != nil {
		writeQueueError(w, err)
		return
	}
	writeNoContent(w)
}

func (c *QueuesController) handleRelease(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid fingerprint")
		return
	}
	var req releaseReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := c.svc.Release(r.Context(), scopeOf(r), key, req.ProcessingID, req.Activated); err != nil {
		writeQueueError(w, err)
		return
	}
	writeNoContent(w)
}

// handleResult returns the outcome. With ?wait=<duration> it blocks until the
// outcome is published or the wait times out.
func (c *QueuesController) handleResult(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid fingerprint")
		return
	}
	if wait := r.URL.Query().Get("wait"); wait != "" {
		res, err := c.svc.Wait(r.Context(), scopeOf(r), key, parseDuration(wait))
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, resultResp{Status: res.Status.String(), Result: res.Result})
		return
	}
	res, err := c.svc.Result(r.Context(), scopeOf(r), key)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "no result")
		return
	}
	writeJSON(w, resultResp{Status: res.Status.String(), Result: res.Result})
}

// handleStage returns pending and active items. Query parameters: onlyKeys,
// filter (a CEL expression over each definition).
func (c *QueuesController) handleStage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	st, err := c.svc.StageState(r.Context(), scopeOf(r), queuesvc.StageQuery{
		OnlyKeys: parseBool(q.Get("onlyKeys")),
		Filter:   q.Get("filter"),
	})
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, stageResp{Pending: st.Pending, Active: st.Active, Definitions: st.Definitions})
}

func (c *QueuesController) handleInspect(w http.ResponseWriter, r *http.Request) {
	h, err := c.svc.Inspect(r.Context(), scopeOf(r))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, map[string][]string{"orphaned": h.Orphaned, "stalled": h.Stalled, "toCancel": h.ToCancel})
}

func (c *QueuesController) handleNextProcessingID(w http.ResponseWriter, r *http.Request) {
	id, err := c.svc.NextProcessingID(r.Context(), scopeOf(r))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, map[string]string{"processingId": id})
}
