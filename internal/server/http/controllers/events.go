package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/orchq/internal/eventlog"
)

// EventsController serves the lifecycle journal of each scope.
type EventsController struct {
	journal *eventlog.Journal
}

// NewEventsController creates a new events controller.
func NewEventsController(journal *eventlog.Journal) *EventsController {
	return &EventsController{journal: journal}
}

// RegisterRoutes registers the journal routes. Nothing is registered when the
// journal is disabled.
func (c *EventsController) RegisterRoutes(r chi.Router) {
	if c.journal == nil {
		return
	}
	r.Get("/v1/scopes/{scope}/events", c.handleRead)
	r.Get("/v1/scopes/{scope}/events/stream", c.handleTailSSE)
	r.Get("/v1/scopes/{scope}/events/cursors/{group}", c.handleGetCursor)
	r.Post("/v1/scopes/{scope}/events/cursors/{group}", c.handleCommit)
}

// tailPoll bounds each blocking read of an SSE tail.
const tailPoll = 15 * time.Second

func parseReadRequest(r *http.Request) (eventlog.ReadRequest, string) {
	q := r.URL.Query()
	req := eventlog.ReadRequest{
		Reverse: parseBool(q.Get("reverse")),
		Wait:    parseDuration(q.Get("wait")),
		Group:   q.Get("group"),
	}
	if s := q.Get("after"); s != "" {
		after, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return req, "Invalid after"
		}
		req.After = after
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return req, "Invalid limit"
		}
		req.Limit = n
	}
	return req, ""
}

// handleRead lists journal entries. Query parameters: after, limit, reverse,
// wait (blocks an empty forward read) and group (resume from its cursor).
func (c *EventsController) handleRead(w http.ResponseWriter, r *http.Request) {
	req, bad := parseReadRequest(r)
	if bad != "" {
		writeError(w, http.StatusBadRequest, bad)
		return
	}
	entries, next, err := c.journal.Read(r.Context(), scopeOf(r), req)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, eventsResp{Entries: entries, Next: next})
}

// handleTailSSE streams entries as they are journaled until the client goes
// away. With group and commit=true each delivered batch is committed.
func (c *EventsController) handleTailSSE(w http.ResponseWriter, r *http.Request) {
	req, bad := parseReadRequest(r)
	if bad != "" {
		writeError(w, http.StatusBadRequest, bad)
		return
	}
	if req.Reverse {
		writeError(w, http.StatusBadRequest, "reverse is not supported when tailing")
		return
	}
	group := req.Group
	commit := parseBool(r.URL.Query().Get("commit")) && group != ""
	scope := scopeOf(r)
	req.Wait = tailPoll

	sink := newSSESink(w, r)
	_ = sink.Flush()
	ctx := sink.Context()
	for ctx.Err() == nil {
		entries, next, err := c.journal.Read(ctx, scope, req)
		if err != nil {
			return
		}
		for _, e := range entries {
			if err := sink.Send(e); err != nil {
				return
			}
		}
		_ = sink.Flush()
		if len(entries) > 0 && commit {
			_ = c.journal.Commit(scope, group, next)
		}
		// After the first page the cursor only seeds the start.
		req.After, req.Group = next, ""
	}
}

func (c *EventsController) handleGetCursor(w http.ResponseWriter, r *http.Request) {
	seq, ok, err := c.journal.Cursor(scopeOf(r), chi.URLParam(r, "group"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no cursor")
		return
	}
	writeJSON(w, cursorReq{Seq: seq})
}

func (c *EventsController) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req cursorReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := c.journal.Commit(scopeOf(r), chi.URLParam(r, "group"), req.Seq); err != nil {
		writeQueueError(w, err)
		return
	}
	writeNoContent(w)
}
