// Package orchqv1 defines the orchq gRPC API: request and response messages,
// the JSON codec they travel with, and the service descriptors used by the
// server and client.
package orchqv1

import "encoding/json"

// Keys are JSON: a string for plain keys or [tag, [args...]] for composite
// keys.

type EnqueueRequest struct {
	Scope           string          `json:"scope"`
	Key             json.RawMessage `json:"key"`
	Priority        int64           `json:"priority,omitempty"`
	OrphanTimeoutMs int64           `json:"orphanTimeoutMs,omitempty"`
	Handler         string          `json:"handler,omitempty"`
	HandlerArgs     json.RawMessage `json:"handlerArgs,omitempty"`
	Query           json.RawMessage `json:"query,omitempty"`
	StageKey        string          `json:"stageKey,omitempty"`
	RequestId       string          `json:"requestId,omitempty"`
}

type EnqueueResponse struct {
	Fingerprint  string `json:"fingerprint"`
	Added        int    `json:"added"`
	Removed      int    `json:"removed"`
	ActiveCount  int    `json:"activeCount"`
	PendingCount int    `json:"pendingCount"`
	EnqueuedAtMs int64  `json:"enqueuedAtMs"`
}

type RetrieveRequest struct {
	Scope string          `json:"scope"`
	Key   json.RawMessage `json:"key"`
	// ProcessingId is allocated by the server when empty.
	ProcessingId string `json:"processingId,omitempty"`
}

type RetrieveResponse struct {
	Acquired     bool            `json:"acquired"`
	ProcessingId string          `json:"processingId,omitempty"`
	Fingerprint  string          `json:"fingerprint,omitempty"`
	Definition   json.RawMessage `json:"definition,omitempty"`
	Active       []string        `json:"active,omitempty"`
	PendingCount int             `json:"pendingCount"`
	Attempts     int             `json:"attempts,omitempty"`
}

func (r *RetrieveResponse) GetAcquired() bool {
	if r == nil {
		return false
	}
	return r.Acquired
}

type HeartbeatRequest struct {
	Scope        string          `json:"scope"`
	Key          json.RawMessage `json:"key"`
	ProcessingId string          `json:"processingId,omitempty"`
}

type HeartbeatResponse struct {
	Held bool `json:"held"`
}

type UpdateRequest struct {
	Scope string          `json:"scope"`
	Key   json.RawMessage `json:"key"`
	// Patch is merged into the item's extra metadata. null clears it.
	Patch        map[string]any `json:"patch"`
	ProcessingId string         `json:"processingId,omitempty"`
}

type UpdateResponse struct {
	Updated bool `json:"updated"`
}

type CompleteRequest struct {
	Scope        string          `json:"scope"`
	Key          json.RawMessage `json:"key"`
	Result       json.RawMessage `json:"result,omitempty"`
	ProcessingId string          `json:"processingId,omitempty"`
}

type CompleteResponse struct{}

type CancelRequest struct {
	Scope string          `json:"scope"`
	Key   json.RawMessage `json:"key"`
}

type CancelResponse struct {
	Definition json.RawMessage `json:"definition"`
}

type ReleaseRequest struct {
	Scope        string          `json:"scope"`
	Key          json.RawMessage `json:"key"`
	ProcessingId string          `json:"processingId"`
	Activated    bool            `json:"activated"`
}

type ReleaseResponse struct{}

type WaitRequest struct {
	Scope     string          `json:"scope"`
	Key       json.RawMessage `json:"key"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// WaitResponse.Status is one of "completed", "cancelled" or "timed_out".
type WaitResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (r *WaitResponse) GetStatus() string {
	if r == nil {
		return ""
	}
	return r.Status
}

type GetResultRequest struct {
	Scope string          `json:"scope"`
	Key   json.RawMessage `json:"key"`
}

type GetResultResponse struct {
	Found  bool            `json:"found"`
	Status string          `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type GetDefinitionRequest struct {
	Scope string          `json:"scope"`
	Key   json.RawMessage `json:"key"`
}

type GetDefinitionResponse struct {
	Definition json.RawMessage `json:"definition"`
}

type StageStateRequest struct {
	Scope    string `json:"scope"`
	OnlyKeys bool   `json:"onlyKeys,omitempty"`
	Filter   string `json:"filter,omitempty"`
}

type StageStateResponse struct {
	Pending     []string                   `json:"pending"`
	Active      []string                   `json:"active"`
	Definitions map[string]json.RawMessage `json:"definitions,omitempty"`
}

type InspectRequest struct {
	Scope string `json:"scope"`
}

type InspectResponse struct {
	Orphaned []string `json:"orphaned"`
	Stalled  []string `json:"stalled"`
	ToCancel []string `json:"toCancel"`
}

type NextProcessingIdRequest struct {
	Scope string `json:"scope"`
}

type NextProcessingIdResponse struct {
	ProcessingId string `json:"processingId"`
}

type ReadEventsRequest struct {
	Scope   string `json:"scope"`
	After   uint64 `json:"after,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Reverse bool   `json:"reverse,omitempty"`
	WaitMs  int64  `json:"waitMs,omitempty"`
	Group   string `json:"group,omitempty"`
}

// EventEntry is one journaled lifecycle event.
type EventEntry struct {
	Seq          uint64 `json:"seq"`
	Type         string `json:"type"`
	Fingerprint  string `json:"fingerprint"`
	ProcessingId string `json:"processingId,omitempty"`
	StageKey     string `json:"stageKey,omitempty"`
	Priority     int64  `json:"priority"`
	AtMs         int64  `json:"atMs"`
}

type ReadEventsResponse struct {
	Entries []EventEntry `json:"entries"`
	Next    uint64       `json:"next"`
}

type CommitEventCursorRequest struct {
	Scope string `json:"scope"`
	Group string `json:"group"`
	Seq   uint64 `json:"seq"`
}

type CommitEventCursorResponse struct{}

type HealthCheckRequest struct{}

type HealthCheckResponse struct {
	Status string `json:"status"`
}

func (r *HealthCheckResponse) GetStatus() string {
	if r == nil {
		return ""
	}
	return r.Status
}
