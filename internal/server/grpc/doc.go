// Package grpcserver hosts the orchq gRPC server, registering the Health and
// Queue services and delegating to the shared queue service. Messages travel
// with the JSON codec from api/orchq/v1.
//
// Example:
//
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: config.Default()})
//	s := grpcserver.New(rt)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":50051")
package grpcserver
