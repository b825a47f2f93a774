package orchqv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	QueueServiceName  = "orchq.v1.QueueService"
	HealthServiceName = "orchq.v1.HealthService"
)

// QueueServiceServer is the server API for QueueService.
type QueueServiceServer interface {
	Enqueue(context.Context, *EnqueueRequest) (*EnqueueResponse, error)
	Retrieve(context.Context, *RetrieveRequest) (*RetrieveResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	Update(context.Context, *UpdateRequest) (*UpdateResponse, error)
	Complete(context.Context, *CompleteRequest) (*CompleteResponse, error)
	Cancel(context.Context, *CancelRequest) (*CancelResponse, error)
	Release(context.Context, *ReleaseRequest) (*ReleaseResponse, error)
	Wait(context.Context, *WaitRequest) (*WaitResponse, error)
	GetResult(context.Context, *GetResultRequest) (*GetResultResponse, error)
	GetDefinition(context.Context, *GetDefinitionRequest) (*GetDefinitionResponse, error)
	StageState(context.Context, *StageStateRequest) (*StageStateResponse, error)
	Inspect(context.Context, *InspectRequest) (*InspectResponse, error)
	NextProcessingId(context.Context, *NextProcessingIdRequest) (*NextProcessingIdResponse, error)
	ReadEvents(context.Context, *ReadEventsRequest) (*ReadEventsResponse, error)
	CommitEventCursor(context.Context, *CommitEventCursorRequest) (*CommitEventCursorResponse, error)
}

// UnimplementedQueueServiceServer returns Unimplemented for every method.
type UnimplementedQueueServiceServer struct{}

func unimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

func (UnimplementedQueueServiceServer) Enqueue(context.Context, *EnqueueRequest) (*EnqueueResponse, error) {
	return nil, unimplemented("Enqueue")
}
func (UnimplementedQueueServiceServer) Retrieve(context.Context, *RetrieveRequest) (*RetrieveResponse, error) {
	return nil, unimplemented("Retrieve")
}
func (UnimplementedQueueServiceServer) Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error) {
	return nil, unimplemented("Heartbeat")
}
func (UnimplementedQueueServiceServer) Update(context.Context, *UpdateRequest) (*UpdateResponse, error) {
	return nil, unimplemented("Update")
}
func (UnimplementedQueueServiceServer) Complete(context.Context, *CompleteRequest) (*CompleteResponse, error) {
	return nil, unimplemented("Complete")
}
func (UnimplementedQueueServiceServer) Cancel(context.Context, *CancelRequest) (*CancelResponse, error) {
	return nil, unimplemented("Cancel")
}
func (UnimplementedQueueServiceServer) Release(context.Context, *ReleaseRequest) (*ReleaseResponse, error) {
	return nil, unimplemented("Release")
}
func (UnimplementedQueueServiceServer) Wait(context.Context, *WaitRequest) (*WaitResponse, error) {
	return nil, unimplemented("Wait")
}
func (UnimplementedQueueServiceServer) GetResult(context.Context, *GetResultRequest) (*GetResultResponse, error) {
	return nil, unimplemented("GetResult")
}
func (UnimplementedQueueServiceServer) GetDefinition(context.Context, *GetDefinitionRequest) (*GetDefinitionResponse, error) {
	return nil, unimplemented("GetDefinition")
}
func (UnimplementedQueueServiceServer) StageState(context.Context, *StageStateRequest) (*StageStateResponse, error) {
	return nil, unimplemented("StageState")
}
func (UnimplementedQueueServiceServer) Inspect(context.Context, *InspectRequest) (*InspectResponse, error) {
	return nil, unimplemented("Inspect")
}
func (UnimplementedQueueServiceServer) NextProcessingId(context.Context, *NextProcessingIdRequest) (*NextProcessingIdResponse, error) {
	return nil, unimplemented("NextProcessingId")
}
func (UnimplementedQueueServiceServer) ReadEvents(context.Context, *ReadEventsRequest) (*ReadEventsResponse, error) {
	return nil, unimplemented("ReadEvents")
}
func (UnimplementedQueueServiceServer) CommitEventCursor(context.Context, *CommitEventCursorRequest) (*CommitEventCursorResponse, error) {
	return nil, unimplemented("CommitEventCursor")
}

// HealthServiceServer is the server API for HealthService.
type HealthServiceServer interface {
	Check(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error)
}

// unary builds a MethodDesc that decodes Req, runs the interceptor chain and
// dispatches to call.
func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func queueMethod[Req any, Resp any](method string, call func(QueueServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return unary(QueueServiceName, method, call)
}

// QueueService_ServiceDesc describes QueueService for grpc.ServiceRegistrar.
var QueueService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: QueueServiceName,
	HandlerType: (*QueueServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		queueMethod("Enqueue", QueueServiceServer.Enqueue),
		queueMethod("Retrieve", QueueServiceServer.Retrieve),
		queueMethod("Heartbeat", QueueServiceServer.Heartbeat),
		queueMethod("Update", QueueServiceServer.Update),
		queueMethod("Complete", QueueServiceServer.Complete),
		queueMethod("Cancel", QueueServiceServer.Cancel),
		queueMethod("Release", QueueServiceServer.Release),
		queueMethod("Wait", QueueServiceServer.Wait),
		queueMethod("GetResult", QueueServiceServer.GetResult),
		queueMethod("GetDefinition", QueueServiceServer.GetDefinition),
		queueMethod("StageState", QueueServiceServer.StageState),
		queueMethod("Inspect", QueueServiceServer.Inspect),
		queueMethod("NextProcessingId", QueueServiceServer.NextProcessingId),
		queueMethod("ReadEvents", QueueServiceServer.ReadEvents),
		queueMethod("CommitEventCursor", QueueServiceServer.CommitEventCursor),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orchq/v1/queue.json",
}

// HealthService_ServiceDesc describes HealthService.
var HealthService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: HealthServiceName,
	HandlerType: (*HealthServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(HealthServiceName, "Check", HealthServiceServer.Check),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orchq/v1/queue.json",
}

func RegisterQueueServiceServer(s grpc.ServiceRegistrar, srv QueueServiceServer) {
	s.RegisterService(&QueueService_ServiceDesc, srv)
}

func RegisterHealthServiceServer(s grpc.ServiceRegistrar, srv HealthServiceServer) {
	s.RegisterService(&HealthService_ServiceDesc, srv)
}
