package controllers

import (
	"encoding/json"

	"github.com/rzbill/orchq/internal/eventlog"
	"github.com/rzbill/orchq/internal/queue"
)

// Request/response bodies for the queue endpoints.

// enqueueReq represents a request to add a work item.
type enqueueReq struct {
	// Key is a string or [tag, [args...]].
	Key             json.RawMessage `json:"key"`
	Priority        int64           `json:"priority"`
	OrphanTimeoutMs int64           `json:"orphanTimeoutMs"`
	Handler         string          `json:"handler"`
	HandlerArgs     json.RawMessage `json:"handlerArgs"`
	Query           json.RawMessage `json:"query"`
	StageKey        string          `json:"stageKey"`
	RequestID       string          `json:"requestId"`
}

type enqueueResp struct {
	Fingerprint  string `json:"fingerprint"`
	Added        int    `json:"added"`
	Removed      int    `json:"removed"`
	ActiveCount  int    `json:"activeCount"`
	PendingCount int    `json:"pendingCount"`
	EnqueuedAtMs int64  `json:"enqueuedAtMs"`
}

// leaseReq carries the caller's processing id. Retrieve allocates one when it
// is empty.
type leaseReq struct {
	ProcessingID string `json:"processingId"`
}

type leaseResp struct {
	Acquired     bool              `json:"acquired"`
	ProcessingID string            `json:"processingId,omitempty"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
	Definition   *queue.Definition `json:"definition,omitempty"`
	Active       []string          `json:"active,omitempty"`
	PendingCount int               `json:"pendingCount"`
	Attempts     int               `json:"attempts,omitempty"`
}

// updateReq represents an extra-metadata merge. A null patch clears extra.
type updateReq struct {
	Patch        map[string]any `json:"patch"`
	ProcessingID string         `json:"processingId"`
}

type completeReq struct {
	Result       json.RawMessage `json:"result"`
	ProcessingID string          `json:"processingId"`
}

type releaseReq struct {
	ProcessingID string `json:"processingId"`
	Activated    bool   `json:"activated"`
}

type resultResp struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

type stageResp struct {
	Pending     []string                    `json:"pending"`
	Active      []string                    `json:"active"`
	Definitions map[string]queue.Definition `json:"definitions,omitempty"`
}

type eventsResp struct {
	Entries []eventlog.Entry `json:"entries"`
	// Next is the sequence to pass as after on the following read.
	Next uint64 `json:"next"`
}

type cursorReq struct {
	Seq uint64 `json:"seq"`
}
