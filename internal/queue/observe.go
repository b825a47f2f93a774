package queue

import (
	"context"
	"time"
)

// Recorder receives queue metrics. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Enqueued(scope string, added bool)
	Acquired(scope string, acquired bool)
	Completed(scope string, late bool)
	Cancelled(scope string)
	Requeued(scope string)
	HeartbeatLost(scope string)
	WaitFinished(scope string, status WaitStatus, elapsed time.Duration)
	StoreError(scope, op string)
}

// NopRecorder discards all metrics.
type NopRecorder struct{}

func (NopRecorder) Enqueued(string, bool)                          {}
func (NopRecorder) Acquired(string, bool)                          {}
func (NopRecorder) Completed(string, bool)                         {}
func (NopRecorder) Cancelled(string)                               {}
func (NopRecorder) Requeued(string)                                {}
func (NopRecorder) HeartbeatLost(string)                           {}
func (NopRecorder) WaitFinished(string, WaitStatus, time.Duration) {}
func (NopRecorder) StoreError(string, string)                      {}

// EventType names a lifecycle transition.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventAcquired  EventType = "acquired"
	EventCompleted EventType = "completed"
	EventCancelled EventType = "cancelled"
	EventRequeued  EventType = "requeued"
)

// Event describes one lifecycle transition.
type Event struct {
	Type         EventType `json:"type"`
	Scope        string    `json:"scope"`
	Fingerprint  string    `json:"fingerprint"`
	ProcessingID string    `json:"processingId,omitempty"`
	StageKey     string    `json:"stageKey,omitempty"`
	Priority     int64     `json:"priority"`
	AtMs         int64     `json:"atMs"`
}

// EventSink receives lifecycle events. Publish must not block on I/O.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// NopEvents discards events.
type NopEvents struct{}

func (NopEvents) Publish(context.Context, Event) {}

// MultiEvents fans each event out to every sink in order.
type MultiEvents []EventSink

func (m MultiEvents) Publish(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Publish(ctx, ev)
	}
}
