// Package transports provides pluggable transport implementations for the CLI.
package transports

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	orchqv1 "github.com/rzbill/orchq/api/orchq/v1"
)

// GrpcTransport implements QueueTransport over gRPC.
type GrpcTransport struct {
	dial func(ctx context.Context) (*grpc.ClientConn, error)
}

// NewGrpcTransport constructs a new GrpcTransport using the provided dialer.
func NewGrpcTransport(dial func(ctx context.Context) (*grpc.ClientConn, error)) *GrpcTransport {
	return &GrpcTransport{dial: dial}
}

func (t *GrpcTransport) withClient(ctx context.Context, fn func(cli orchqv1.QueueServiceClient) error) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return fn(orchqv1.NewQueueServiceClient(conn))
}

// Enqueue adds an item via gRPC.
func (t *GrpcTransport) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	var out EnqueueResult
	err := t.withClient(ctx, func(cli orchqv1.QueueServiceClient) error {
		resp, err := cli.Enqueue(ctx, &orchqv1.EnqueueRequest{
			Scope:           req.Scope,
			Key:             req.Key,
			Priority:        req.Priority,
			OrphanTimeoutMs: req.OrphanTimeoutMs,
			Handler:         req.Handler,
			HandlerArgs:     req.HandlerArgs,
			Query:           req.Query,
			StageKey:        req.StageKey,
			RequestId:       req.RequestID,
		})
		if err != nil {
			return err
		}
		out = EnqueueResult{
			Fingerprint:  resp.Fingerprint,
			Added:        resp.Added,
			Removed:      resp.Removed,
			ActiveCount:  resp.ActiveCount,
			PendingCount: resp.PendingCount,
			EnqueuedAtMs: resp.EnqueuedAtMs,
		}
		return nil
	})
	return out, err
}

// Retrieve tries to lease an item.
func (t *GrpcTransport) Retrieve(ctx context.Context, scope string, key json.RawMessage, processingID string) (Lease, error) {
	var out Lease
	err := t.withClient(ctx, func(cli orchqv1.QueueServiceClient) error {
		resp, err := cli.Retrieve(ctx, &orchqv1.RetrieveRequest{Scope: scope, Key: key, ProcessingId: processingID})
		if err != nil {
			return err
		}
		out = Lease{
			Acquired:     resp.GetAcquired(),
			ProcessingID: resp.ProcessingId,
			Fingerprint:  resp.Fingerprint,
			Definition:   resp.Definition,
			Active:       resp.Active,
			PendingCount: resp.PendingCount,
			Attempts:     resp.Attempts,
		}
		return nil
	})
	return out, err
}

// Heartbeat refreshes a lease and reports whether it is still held.
func (t *GrpcTransport) Heartbeat(ctx context.Context, scope string, key json.RawMessage, processingID string) (bool, error) {
	var held bool
	err := t.withClient(ctx, func(cli orchqv1.QueueServiceClient) error {
		resp, err := cli.Heartbeat(ctx, &orchqv1.HeartbeatRequest{Scope: scope, Key: key, ProcessingId: processingID})
		if err != nil {
			return err
		}
		held = resp.Held
		return nil
	})
	return held, err
}

// Update merges patch into an item's extra metadata.
func (t *GrpcTransport) Update(ctx context.Context, scope string, key json.RawMessage, patch map[string]any, processingID string) (bool, error) {
	var updated bool
	err := t.withClient(ctx, func(cli orchqv1.QueueServiceClient) error {
		resp, err := cli.Update(ctx, &orchqv1.UpdateRequest{Scope: scope, Key: key, Patch: patch, ProcessingId: processingID})
		if err != nil {
			return err
		}
		updated = resp.Updated
		return nil
	})
	return updated, err
}

// Complete publishes a result and removes the item.
func (t *GrpcTransport) Complete(ctx context.Context, scope string, key, result json.RawMessage, processingID string) error {
	return t.withClient(ctx, func(cli orchqv1.QueueServiceClient) error {
		_, err := cli.Complete(ctx, &orchqv1.CompleteRequest{Scope: scope, Key: key, Result: result, ProcessingId: processingID})
		return err
	})
}

// Cancel removes an item and returns its definition.
func (t *GrpcTransport) Cancel(ctx context.Context, scope string, key json.RawMessage) (json.RawMessage, error) {
	var def json.RawMessage
	err := t.withClient(ctx, func(cli orchqv1.QueueServiceClient) error {
		resp, err := cli.Cancel(ctx, &orchqv1.CancelRequest{Scope: scope, Key: key})
		if err != nil {
			return err
		}
		def = resp.Definition
		return nil
	})
	return def, err
}

// Release frees a lease without completing the item.
func (t *GrpcTransport) Release(ctx context.Context, scope string, key json.RawMessage, processingID string, activated bool) error {
	return t.withClient(ctx, func(cli orchqv1.QueueServiceClient) error {
		_, err := cli.Release(ctx, &orchqv1.ReleaseRequest{Scope: scope, Key: key, ProcessingId: processingID, Activated: activated})
		return err
	})
}

// Wait blocks until the item's outcome is published or timeoutMs elapses.
func (t *GrpcTransport) Wait(ctx context.Context, scope string, key json.RawMessage, timeoutMs int64) (Result, error) {
	var out Result
	err := t.withClient(ctx, func(cli orchqv1.QueueServiceClient) error {
		resp, err := cli.Wait(ctx, &orchqv1.WaitRequest{Scope: scope, Key: key, TimeoutMs: timeoutMs})
		if err != nil {
			return err
		}
		out = Result{Found: resp.GetStatus() != "timed_out", Status: resp.GetStatus(), Result: resp.Result}
		return nil
	})
	return out, err
}

// Result returns the published outcome without blocking.
func (t *GrpcTransport) Result(ctx context.Context, scope string, key json.RawMessage) (Result, error) {
	var out Result
	err := t.withClient(ctx, func(cli orchqv1.QueueServiceClient) error {
		resp, err := cli.GetResult(ctx, &orchqv1.GetResultRequest{Scope: scope, Key: key})
		if err != nil {
			return err
		}
		out = Result{Found: resp.Found, Status: resp.Status, Result: resp.Result}
		return nil
	})
	return out, err
}

// Definition returns an item's definition.
func (t *GrpcTransport) Definition(ctx context.Context, scope string, key json.RawMessage) (json.RawMessage, error) {
	var def json.RawMessage
	err := t.withClient(ctx, func(cli orchqv1.QueueServiceClient) error {
		resp, err := cli.GetDefinition(ctx, &orchqv1.GetDefinitionRequest{Scope: scope, Key: key})
		if err != nil {
			return err
		}
		def = resp.Definition
		return nil
	})
	return def, err
}

// Stage lists pending and active items, optionally filtered by a CEL expression.
func (t *GrpcTransport) Stage(ctx context.Context, scope string, onlyKeys bool, filter string) (Stage, error) {
	var out Stage
	err := t.withClient(ctx, func(cli orchqv1.QueueServiceClient) error {
		resp, err := cli.StageState(ctx, &orchqv1.StageStateRequest{Scope: scope, OnlyKeys: onlyKeys, Filter: filter})
		if err != nil {
			return err
		}
		out = Stage{Pending: resp.Pending, Active: resp.Active, Definitions: resp.Definitions}
		return nil
	})
	return out, err
}

// Inspect reports orphaned and stalled items.
func (t *GrpcTransport) Inspect(ctx context.Context, scope string) (Health, error) {
	var out Health
	err := t.withClient(ctx, func(cli orchqv1.QueueServiceClient) error {
		resp, err := cli.Inspect(ctx, &orchqv1.InspectRequest{Scope: scope})
		if err != nil {
			return err
		}
		out = Health{Orphaned: resp.Orphaned, Stalled: resp.Stalled, ToCancel: resp.ToCancel}
		return nil
	})
	return out, err
}

// NextProcessingID allocates a processing id.
func (t *GrpcTransport) NextProcessingID(ctx context.Context, scope string) (string, error) {
	var id string
	err := t.withClient(ctx, func(cli orchqv1.QueueServiceClient) error {
		resp, err := cli.NextProcessingId(ctx, &orchqv1.NextProcessingIdRequest{Scope: scope})
		if err != nil {
			return err
		}
		id = resp.ProcessingId
		return nil
	})
	return id, err
}

// Health checks the server.
func (t *GrpcTransport) Health(ctx context.Context) (string, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()
	resp, err := orchqv1.NewHealthServiceClient(conn).Check(ctx, &orchqv1.HealthCheckRequest{})
	if err != nil {
		return "", err
	}
	return resp.GetStatus(), nil
}

// Events reads a page of the scope's lifecycle journal.
func (t *GrpcTransport) Events(ctx context.Context, q EventsQuery) (Events, error) {
	var out Events
	err := t.withClient(ctx, func(cli orchqv1.QueueServiceClient) error {
		resp, err := cli.ReadEvents(ctx, &orchqv1.ReadEventsRequest{
			Scope:   q.Scope,
			After:   q.After,
			Limit:   q.Limit,
			Reverse: q.Reverse,
			WaitMs:  q.WaitMs,
			Group:   q.Group,
		})
		if err != nil {
			return err
		}
		out = Events{Entries: make([]Event, 0, len(resp.Entries)), Next: resp.Next}
		for _, e := range resp.Entries {
			out.Entries = append(out.Entries, Event{
				Seq:          e.Seq,
				Type:         e.Type,
				Fingerprint:  e.Fingerprint,
				ProcessingID: e.ProcessingId,
				StageKey:     e.StageKey,
				Priority:     e.Priority,
				AtMs:         e.AtMs,
			})
		}
		return nil
	})
	return out, err
}

// CommitCursor stores a reader group's journal position.
func (t *GrpcTransport) CommitCursor(ctx context.Context, scope, group string, seq uint64) error {
	return t.withClient(ctx, func(cli orchqv1.QueueServiceClient) error {
		_, err := cli.CommitEventCursor(ctx, &orchqv1.CommitEventCursorRequest{Scope: scope, Group: group, Seq: seq})
		return err
	})
}
