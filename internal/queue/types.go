package queue

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a WorkItem.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusDone    Status = "done"
)

// Definition is the payload a producer attaches to a work item.
type Definition struct {
	Handler         string          `json:"handler"`
	HandlerArgs     json.RawMessage `json:"handlerArgs,omitempty"`
	Query           json.RawMessage `json:"query,omitempty"`
	QueryKey        QueryKey        `json:"queryKey"`
	StageKey        string          `json:"stageKey,omitempty"`
	RequestID       string          `json:"requestId,omitempty"`
	Priority        int64           `json:"priority"`
	AddedToQueueMs  int64           `json:"addedToQueueMs"`
	OrphanTimeoutMs int64           `json:"orphanedTimeoutMs"`
	Extra           map[string]any  `json:"extra,omitempty"`
}

// WorkItem is the stored record for one fingerprint.
type WorkItem struct {
	Fingerprint     string     `json:"fingerprint"`
	Definition      Definition `json:"definition"`
	Priority        int64      `json:"priority"`
	Status          Status     `json:"status"`
	LeaseHolder     string     `json:"leaseHolder,omitempty"`
	LastHeartbeatMs int64      `json:"lastHeartbeatMs,omitempty"`
	CreatedAtMs     int64      `json:"createdAtMs"`
	// Seq breaks ordering ties between items created in the same millisecond.
	Seq             uint64 `json:"seq"`
	Attempts        int    `json:"attempts"`
	OrphanTimeoutMs int64  `json:"orphanTimeoutMs"`
}

// OrphanDeadlineMs is the instant after which an active item counts as orphaned.
func (w *WorkItem) OrphanDeadlineMs() int64 { return w.LastHeartbeatMs + w.OrphanTimeoutMs }

// IsOrphaned reports whether w is active with a stale heartbeat at nowMs.
func (w *WorkItem) IsOrphaned(nowMs int64) bool {
	return w.Status == StatusActive && w.OrphanDeadlineMs() < nowMs
}

// IsStalled reports whether w is still waiting for its first pickup and was
// created at or before createdBeforeMs.
func (w *WorkItem) IsStalled(createdBeforeMs int64) bool {
	return w.Status == StatusPending && w.Attempts == 0 && w.CreatedAtMs <= createdBeforeMs
}

// Less orders pending items: priority descending, then creation time and
// sequence ascending.
func (w *WorkItem) Less(o *WorkItem) bool {
	if w.Priority != o.Priority {
		return w.Priority > o.Priority
	}
	if w.CreatedAtMs != o.CreatedAtMs {
		return w.CreatedAtMs < o.CreatedAtMs
	}
	if w.Seq != o.Seq {
		return w.Seq < o.Seq
	}
	return w.Fingerprint < o.Fingerprint
}

// AddResult is returned by Store.Add.
type AddResult struct {
	Added   bool
	Active  int
	Pending int
}

// Lease is returned by Store.Retrieve on success.
type Lease struct {
	Item         WorkItem
	Active       []string
	PendingCount int
}

// LeaseCondition guards Store.Requeue. An empty Holder matches any holder;
// a zero OrphanedBeforeMs skips the staleness check.
type LeaseCondition struct {
	Holder           string
	OrphanedBeforeMs int64
}

// Outcome is the terminal record published for a fingerprint.
type Outcome struct {
	Cancelled bool            `json:"cancelled"`
	Result    json.RawMessage `json:"result,omitempty"`
	AtMs      int64           `json:"atMs"`
}

// EnqueueRequest carries the arguments of Connection.Enqueue.
type EnqueueRequest struct {
	Priority      int64
	Key           QueryKey
	OrphanTimeout time.Duration
	Handler       string
	HandlerArgs   json.RawMessage
	Query         json.RawMessage
	StageKey      string
	RequestID     string
}

// EnqueueResult reports what Enqueue did.
type EnqueueResult struct {
	Added        int
	Removed      int
	ActiveCount  int
	PendingCount int
	EnqueuedAt   time.Time
}

// LeaseResult is a successful RetrieveForProcessing.
type LeaseResult struct {
	Fingerprint  string
	Definition   Definition
	Active       []string
	PendingCount int
	Attempts     int
	LockAcquired bool
}

// StageState is a snapshot of a scope's pending and active items.
type StageState struct {
	Pending     []string
	Active      []string
	Definitions map[string]Definition
}

// WaitStatus distinguishes the ways a blocking wait ends.
type WaitStatus int

const (
	WaitCompleted WaitStatus = iota
	WaitCancelled
	WaitTimedOut
)

func (s WaitStatus) String() string {
	switch s {
	case WaitCompleted:
		return "completed"
	case WaitCancelled:
		return "cancelled"
	case WaitTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// WaitResult is returned by GetResultBlocking and GetResult.
type WaitResult struct {
	Status WaitStatus
	Result json.RawMessage
}

func resultFromOutcome(o *Outcome) WaitResult {
	if o.Cancelled {
		return WaitResult{Status: WaitCancelled}
	}
	return WaitResult{Status: WaitCompleted, Result: o.Result}
}
