package orchqv1

import (
	"context"

	"google.golang.org/grpc"
)

// QueueServiceClient is the client API for QueueService.
type QueueServiceClient interface {
	Enqueue(ctx context.Context, in *EnqueueRequest, opts ...grpc.CallOption) (*EnqueueResponse, error)
	Retrieve(ctx context.Context, in *RetrieveRequest, opts ...grpc.CallOption) (*RetrieveResponse, error)
	Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error)
	Update(ctx context.Context, in *UpdateRequest, opts ...grpc.CallOption) (*UpdateResponse, error)
	Complete(ctx context.Context, in *CompleteRequest, opts ...grpc.CallOption) (*CompleteResponse, error)
	Cancel(ctx context.Context, in *CancelRequest, opts ...grpc.CallOption) (*CancelResponse, error)
	Release(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*ReleaseResponse, error)
	Wait(ctx context.Context, in *WaitRequest, opts ...grpc.CallOption) (*WaitResponse, error)
	GetResult(ctx context.Context, in *GetResultRequest, opts ...grpc.CallOption) (*GetResultResponse, error)
	GetDefinition(ctx context.Context, in *GetDefinitionRequest, opts ...grpc.CallOption) (*GetDefinitionResponse, error)
	StageState(ctx context.Context, in *StageStateRequest, opts ...grpc.CallOption) (*StageStateResponse, error)
	Inspect(ctx context.Context, in *InspectRequest, opts ...grpc.CallOption) (*InspectResponse, error)
	NextProcessingId(ctx context.Context, in *NextProcessingIdRequest, opts ...grpc.CallOption) (*NextProcessingIdResponse, error)
	ReadEvents(ctx context.Context, in *ReadEventsRequest, opts ...grpc.CallOption) (*ReadEventsResponse, error)
	CommitEventCursor(ctx context.Context, in *CommitEventCursorRequest, opts ...grpc.CallOption) (*CommitEventCursorResponse, error)
}

type queueServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewQueueServiceClient(cc grpc.ClientConnInterface) QueueServiceClient {
	return &queueServiceClient{cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, service, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	if err := cc.Invoke(ctx, "/"+service+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *queueServiceClient) Enqueue(ctx context.Context, in *EnqueueRequest, opts ...grpc.CallOption) (*EnqueueResponse, error) {
	return invoke[EnqueueResponse](ctx, c.cc, QueueServiceName, "Enqueue", in, opts)
}

func (c *queueServiceClient) Retrieve(ctx context.Context, in *RetrieveRequest, opts ...grpc.CallOption) (*RetrieveResponse, error) {
	return invoke[RetrieveResponse](ctx, c.cc, QueueServiceName, "Retrieve", in, opts)
}

func (c *queueServiceClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	return invoke[HeartbeatResponse](ctx, c.cc, QueueServiceName, "Heartbeat", in, opts)
}

func (c *queueServiceClient) Update(ctx context.Context, in *UpdateRequest, opts ...grpc.CallOption) (*UpdateResponse, error) {
	return invoke[UpdateResponse](ctx, c.cc, QueueServiceName, "Update", in, opts)
}

func (c *queueServiceClient) Complete(ctx context.Context, in *CompleteRequest, opts ...grpc.CallOption) (*CompleteResponse, error) {
	return invoke[CompleteResponse](ctx, c.cc, QueueServiceName, "Complete", in, opts)
}

func (c *queueServiceClient) Cancel(ctx context.Context, in *CancelRequest, opts ...grpc.CallOption) (*CancelResponse, error) {
	return invoke[CancelResponse](ctx, c.cc, QueueServiceName, "Cancel", in, opts)
}

func (c *queueServiceClient) Release(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*ReleaseResponse, error) {
	return invoke[ReleaseResponse](ctx, c.cc, QueueServiceName, "Release", in, opts)
}

func (c *queueServiceClient) Wait(ctx context.Context, in *WaitRequest, opts ...grpc.CallOption) (*WaitResponse, error) {
	return invoke[WaitResponse](ctx, c.cc, QueueServiceName, "Wait", in, opts)
}

func (c *queueServiceClient) GetResult(ctx context.Context, in *GetResultRequest, opts ...grpc.CallOption) (*GetResultResponse, error) {
	return invoke[GetResultResponse](ctx, c.cc, QueueServiceName, "GetResult", in, opts)
}

func (c *queueServiceClient) GetDefinition(ctx context.Context, in *GetDefinitionRequest, opts ...grpc.CallOption) (*GetDefinitionResponse, error) {
	return invoke[GetDefinitionResponse](ctx, c.cc, QueueServiceName, "GetDefinition", in, opts)
}

func (c *queueServiceClient) StageState(ctx context.Context, in *StageStateRequest, opts ...grpc.CallOption) (*StageStateResponse, error) {
	return invoke[StageStateResponse](ctx, c.cc, QueueServiceName, "StageState", in, opts)
}

func (c *queueServiceClient) Inspect(ctx context.Context, in *InspectRequest, opts ...grpc.CallOption) (*InspectResponse, error) {
	return invoke[InspectResponse](ctx, c.cc, QueueServiceName, "Inspect", in, opts)
}

func (c *queueServiceClient) NextProcessingId(ctx context.Context, in *NextProcessingIdRequest, opts ...grpc.CallOption) (*NextProcessingIdResponse, error) {
	return invoke[NextProcessingIdResponse](ctx, c.cc, QueueServiceName, "NextProcessingId", in, opts)
}

func (c *queueServiceClient) ReadEvents(ctx context.Context, in *ReadEventsRequest, opts ...grpc.CallOption) (*ReadEventsResponse, error) {
	return invoke[ReadEventsResponse](ctx, c.cc, QueueServiceName, "ReadEvents", in, opts)
}

func (c *queueServiceClient) CommitEventCursor(ctx context.Context, in *CommitEventCursorRequest, opts ...grpc.CallOption) (*CommitEventCursorResponse, error) {
	return invoke[CommitEventCursorResponse](ctx, c.cc, QueueServiceName, "CommitEventCursor", in, opts)
}

// HealthServiceClient is the client API for HealthService.
type HealthServiceClient interface {
	Check(ctx context.Context, in *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error)
}

type healthServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewHealthServiceClient(cc grpc.ClientConnInterface) HealthServiceClient {
	return &healthServiceClient{cc}
}

func (c *healthServiceClient) Check(ctx context.Context, in *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error) {
	return invoke[HealthCheckResponse](ctx, c.cc, HealthServiceName, "Check", in, opts)
}
