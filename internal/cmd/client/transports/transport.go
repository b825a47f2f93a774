package transports

import (
	"context"
	"encoding/json"
)

// EnqueueRequest describes one item to enqueue. Key is JSON: a string or
// [tag, [args...]].
type EnqueueRequest struct {
	Scope           string
	Key             json.RawMessage
	Priority        int64
	OrphanTimeoutMs int64
	Handler         string
	HandlerArgs     json.RawMessage
	Query           json.RawMessage
	StageKey        string
	RequestID       string
}

// EnqueueResult reports what the server did with an enqueue.
type EnqueueResult struct {
	Fingerprint  string `json:"fingerprint"`
	Added        int    `json:"added"`
	Removed      int    `json:"removed"`
	ActiveCount  int    `json:"activeCount"`
	PendingCount int    `json:"pendingCount"`
	EnqueuedAtMs int64  `json:"enqueuedAtMs"`
}

// Lease is the outcome of a retrieve attempt.
type Lease struct {
	Acquired     bool            `json:"acquired"`
	ProcessingID string          `json:"processingId,omitempty"`
	Fingerprint  string          `json:"fingerprint,omitempty"`
	Definition   json.RawMessage `json:"definition,omitempty"`
	Active       []string        `json:"active,omitempty"`
	PendingCount int             `json:"pendingCount"`
	Attempts     int             `json:"attempts,omitempty"`
}

// Result is a published outcome. Status is "completed", "cancelled" or
// "timed_out".
type Result struct {
	Found  bool            `json:"found"`
	Status string          `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Stage is a snapshot of a scope's pending and active items.
type Stage struct {
	Pending     []string                   `json:"pending"`
	Active      []string                   `json:"active"`
	Definitions map[string]json.RawMessage `json:"definitions,omitempty"`
}

// Health lists items needing recovery.
type Health struct {
	Orphaned []string `json:"orphaned"`
	Stalled  []string `json:"stalled"`
	ToCancel []string `json:"toCancel"`
}

// EventsQuery selects journal entries of one scope.
type EventsQuery struct {
	Scope   string
	After   uint64
	Limit   int
	Reverse bool
	WaitMs  int64
	Group   string
}

// Event is one journaled lifecycle transition.
type Event struct {
	Seq          uint64 `json:"seq"`
	Type         string `json:"type"`
	Fingerprint  string `json:"fingerprint"`
	ProcessingID string `json:"processingId,omitempty"`
	StageKey     string `json:"stageKey,omitempty"`
	Priority     int64  `json:"priority"`
	AtMs         int64  `json:"atMs"`
}

// Events is a page of journal entries.
type Events struct {
	Entries []Event `json:"entries"`
	Next    uint64  `json:"next"`
}

// QueueTransport abstracts the transport used by the CLI.
type QueueTransport interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error)
	Retrieve(ctx context.Context, scope string, key json.RawMessage, processingID string) (Lease, error)
	Heartbeat(ctx context.Context, scope string, key json.RawMessage, processingID string) (bool, error)
	Update(ctx context.Context, scope string, key json.RawMessage, patch map[string]any, processingID string) (bool, error)
	Complete(ctx context.Context, scope string, key, result json.RawMessage, processingID string) error
	Cancel(ctx context.Context, scope string, key json.RawMessage) (json.RawMessage, error)
	Release(ctx context.Context, scope string, key json.RawMessage, processingID string, activated bool) error
	Wait(ctx context.Context, scope string, key json.RawMessage, timeoutMs int64) (Result, error)
	Result(ctx context.Context, scope string, key json.RawMessage) (Result, error)
	Definition(ctx context.Context, scope string, key json.RawMessage) (json.RawMessage, error)
	Stage(ctx context.Context, scope string, onlyKeys bool, filter string) (Stage, error)
	Inspect(ctx context.Context, scope string) (Health, error)
	NextProcessingID(ctx context.Context, scope string) (string, error)
	Events(ctx context.Context, q EventsQuery) (Events, error)
	CommitCursor(ctx context.Context, scope, group string, seq uint64) error
	Health(ctx context.Context) (string, error)
}
