package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	orchqv1 "github.com/rzbill/orchq/api/orchq/v1"
	"github.com/rzbill/orchq/internal/eventlog"
	"github.com/rzbill/orchq/internal/queue"
	queuesvc "github.com/rzbill/orchq/internal/services/queues"
)

// queuesSvc adapts the queue service to the gRPC API.
type queuesSvc struct {
	orchqv1.UnimplementedQueueServiceServer
	svc     *queuesvc.Service
	journal *eventlog.Journal
}

func parseKey(raw json.RawMessage) (queue.QueryKey, error) {
	var k queue.QueryKey
	if len(raw) == 0 {
		return k, status.Error(codes.InvalidArgument, "key is required")
	}
	if err := json.Unmarshal(raw, &k); err != nil {
		return k, status.Error(codes.InvalidArgument, err.Error())
	}
	if k.IsZero() {
		return k, status.Error(codes.InvalidArgument, "key is empty")
	}
	return k, nil
}

// toStatus maps queue errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, queue.ErrStoreUnavailable), errors.Is(err, queue.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, eventlog.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, queue.ErrLeaseLost):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, queue.ErrInvalidScope), errors.Is(err, queuesvc.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func encodeDefinition(def queue.Definition) (json.RawMessage, error) {
	b, err := json.Marshal(def)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode definition: %v", err))
	}
	return b, nil
}

func (q *queuesSvc) Enqueue(ctx context.Context, req *orchqv1.EnqueueRequest) (*orchqv1.EnqueueResponse, error) {
	key, err := parseKey(req.Key)
	if err != nil {
		return nil, err
	}
	res, err := q.svc.Enqueue(ctx, req.Scope, queue.EnqueueRequest{
		Priority:      req.Priority,
		Key:           key,
		OrphanTimeout: time.Duration(req.OrphanTimeoutMs) * time.Millisecond,
		Handler:       req.Handler,
		HandlerArgs:   req.HandlerArgs,
		Query:         req.Query,
		StageKey:      req.StageKey,
		RequestID:     req.RequestId,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &orchqv1.EnqueueResponse{
		Fingerprint:  q.svc.Fingerprint(key),
		Added:        res.Added,
		Removed:      res.Removed,
		ActiveCount:  res.ActiveCount,
		PendingCount: res.PendingCount,
		EnqueuedAtMs: res.EnqueuedAt.UnixMilli(),
	}, nil
}

func (q *queuesSvc) Retrieve(ctx context.Context, req *orchqv1.RetrieveRequest) (*orchqv1.RetrieveResponse, error) {
	key, err := parseKey(req.Key)
	if err != nil {
		return nil, err
	}
	lease, err := q.svc.Retrieve(ctx, req.Scope, key, req.ProcessingId)
	if err != nil {
		return nil, toStatus(err)
	}
	if lease == nil {
		return &orchqv1.RetrieveResponse{Acquired: false}, nil
	}
	def, err := encodeDefinition(lease.Definition)
	if err != nil {
		return nil, err
	}
	return &orchqv1.RetrieveResponse{
		Acquired:     true,
		ProcessingId: lease.ProcessingID,
		Fingerprint:  lease.Fingerprint,
		Definition:   def,
		Active:       lease.Active,
		PendingCount: lease.PendingCount,
		Attempts:     lease.Attempts,
	}, nil
}

func (q *queuesSvc) Heartbeat(ctx context.Context, req *orchqv1.HeartbeatRequest) (*orchqv1.HeartbeatResponse, error) {
	key, err := parseKey(req.Key)
	if err != nil {
		return nil, err
	}
	held, err := q.svc.Heartbeat(ctx, req.Scope, key, req.ProcessingId)
	if err != nil {
		return nil, toStatus(err)
	}
	return &orchqv1.HeartbeatResponse{Held: held}, nil
}

func (q *queuesSvc) Update(ctx context.Context, req *orchqv1.UpdateRequest) (*orchqv1.UpdateResponse, error) {
	key, err := parseKey(req.Key)
	if err != nil {
		return nil, err
	}
	ok, err := q.svc.Update(ctx, req.Scope, key, req.Patch, req.ProcessingId)
	if err != nil {
		return nil, toStatus(err)
	}
	return &orchqv1.UpdateResponse{Updated: ok}, nil
}

func (q *queuesSvc) Complete(ctx context.Context, req *orchqv1.CompleteRequest) (*orchqv1.CompleteResponse, error) {
	key, err := parseKey(req.Key)
	if err != nil {
		return nil, err
	}
	if err := q.svc.Complete(ctx, req.Scope, key, req.Result, req.ProcessingId); err != nil {
		return nil, toStatus(err)
	}
	return &orchqv1.CompleteResponse{}, nil
}

func (q *queuesSvc) Cancel(ctx context.Context, req *orchqv1.CancelRequest) (*orchqv1.CancelResponse, error) {
	key, err := parseKey(req.Key)
	if err != nil {
		return nil, err
	}
	def, err := q.svc.Cancel(ctx, req.Scope, key)
	if err != nil {
		return nil, toStatus(err)
	}
	raw, err := encodeDefinition(def)
	if err != nil {
		return nil, err
	}
	return &orchqv1.CancelResponse{Definition: raw}, nil
}

func (q *queuesSvc) Release(ctx context.Context, req *orchqv1.ReleaseRequest) (*orchqv1.ReleaseResponse, error) {
	key, err := parseKey(req.Key)
	if err != nil {
		return nil, err
	}
	if err := q.svc.Release(ctx, req.Scope, key, req.ProcessingId, req.Activated); err != nil {
		return nil, toStatus(err)
	}
	return &orchqv1.ReleaseResponse{}, nil
}

func (q *queuesSvc) Wait(ctx context.Context, req *orchqv1.WaitRequest) (*orchqv1.WaitResponse, error) {
	key, err := parseKey(req.Key)
	if err != nil {
		return nil, err
	}
	res, err := q.svc.Wait(ctx, req.Scope, key, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, toStatus(err)
	}
	return &orchqv1.WaitResponse{Status: res.Status.String(), Result: res.Result}, nil
}

func (q *queuesSvc) GetResult(ctx context.Context, req *orchqv1.GetResultRequest) (*orchqv1.GetResultResponse, error) {
	key, err := parseKey(req.Key)
	if err != nil {
		return nil, err
	}
	res, err := q.svc.Result(ctx, req.Scope, key)
	if err != nil {
		return nil, toStatus(err)
	}
	if res == nil {
		return &orchqv1.GetResultResponse{Found: false}, nil
	}
	return &orchqv1.GetResultResponse{Found: true, Status: res.Status.String(), Result: res.Result}, nil
}

func (q *queuesSvc) GetDefinition(ctx context.Context, req *orchqv1.GetDefinitionRequest) (*orchqv1.GetDefinitionResponse, error) {
	key, err := parseKey(req.Key)
	if err != nil {
		return nil, err
	}
	item, err := q.svc.Item(ctx, req.Scope, key)
	if err != nil {
		return nil, toStatus(err)
	}
	raw, err := encodeDefinition(item.Definition)
	if err != nil {
		return nil, err
	}
	return &orchqv1.GetDefinitionResponse{Definition: raw}, nil
}

func (q *queuesSvc) StageState(ctx context.Context, req *orchqv1.StageStateRequest) (*orchqv1.StageStateResponse, error) {
	st, err := q.svc.StageState(ctx, req.Scope, queuesvc.StageQuery{OnlyKeys: req.OnlyKeys, Filter: req.Filter})
	if err != nil {
		return nil, toStatus(err)
	}
	out := &orchqv1.StageStateResponse{Pending: st.Pending, Active: st.Active}
	if st.Definitions != nil {
		out.Definitions = make(map[string]json.RawMessage, len(st.Definitions))
		for fp, def := range st.Definitions {
			raw, err := encodeDefinition(def)
			if err != nil {
				return nil, err
			}
			out.Definitions[fp] = raw
		}
	}
	return out, nil
}

func (q *queuesSvc) Inspect(ctx context.Context, req *orchqv1.InspectRequest) (*orchqv1.InspectResponse, error) {
	h, err := q.svc.Inspect(ctx, req.Scope)
	if err != nil {
		return nil, toStatus(err)
	}
	return &orchqv1.InspectResponse{Orphaned: h.Orphaned, Stalled: h.Stalled, ToCancel: h.ToCancel}, nil
}

func (q *queuesSvc) NextProcessingId(ctx context.Context, req *orchqv1.NextProcessingIdRequest) (*orchqv1.NextProcessingIdResponse, error) {
	id, err := q.svc.NextProcessingID(ctx, req.Scope)
	if err != nil {
		return nil, toStatus(err)
	}
	return &orchqv1.NextProcessingIdResponse{ProcessingId: id}, nil
}

func (q *queuesSvc) ReadEvents(ctx context.Context, req *orchqv1.ReadEventsRequest) (*orchqv1.ReadEventsResponse, error) {
	if q.journal == nil {
		return nil, status.Error(codes.FailedPrecondition, "journal is disabled")
	}
	entries, next, err := q.journal.Read(ctx, req.Scope, eventlog.ReadRequest{
		After:   req.After,
		Limit:   req.Limit,
		Reverse: req.Reverse,
		Wait:    time.Duration(req.WaitMs) * time.Millisecond,
		Group:   req.Group,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	out := &orchqv1.ReadEventsResponse{Entries: make([]orchqv1.EventEntry, 0, len(entries)), Next: next}
	for _, e := range entries {
		out.Entries = append(out.Entries, orchqv1.EventEntry{
			Seq:          e.Seq,
			Type:         string(e.Type),
			Fingerprint:  e.Fingerprint,
			ProcessingId: e.ProcessingID,
			StageKey:     e.StageKey,
			Priority:     e.Priority,
			AtMs:         e.AtMs,
		})
	}
	return out, nil
}

func (q *queuesSvc) CommitEventCursor(_ context.Context, req *orchqv1.CommitEventCursorRequest) (*orchqv1.CommitEventCursorResponse, error) {
	if q.journal == nil {
		return nil, status.Error(codes.FailedPrecondition, "journal is disabled")
	}
	if req.Group == "" {
		return nil, status.Error(codes.InvalidArgument, "group is required")
	}
	if err := q.journal.Commit(req.Scope, req.Group, req.Seq); err != nil {
		return nil, toStatus(err)
	}
	return &orchqv1.CommitEventCursorResponse{}, nil
}
