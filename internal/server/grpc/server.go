package grpcserver

import (
	"context"
	"net"

	"google.golang.org/grpc"

	orchqv1 "github.com/rzbill/orchq/api/orchq/v1"
	"github.com/rzbill/orchq/internal/runtime"
)

// Server owns the gRPC server instance and runtime.
type Server struct {
	rt   *runtime.Runtime
	grpc *grpc.Server
	lis  net.Listener
}

// New constructs a gRPC server and registers services.
func New(rt *runtime.Runtime, opts ...grpc.ServerOption) *Server {
	s := &Server{rt: rt, grpc: grpc.NewServer(opts...)}
	orchqv1.RegisterHealthServiceServer(s.grpc, &healthSvc{rt: rt})
	orchqv1.RegisterQueueServiceServer(s.grpc, &queuesSvc{svc: rt.Service(), journal: rt.Journal()})
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
