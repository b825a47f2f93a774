package grpcserver

import (
	"context"

	orchqv1 "github.com/rzbill/orchq/api/orchq/v1"
	"github.com/rzbill/orchq/internal/runtime"
)

type healthSvc struct {
	rt *runtime.Runtime
}

func (h *healthSvc) Check(ctx context.Context, _ *orchqv1.HealthCheckRequest) (*orchqv1.HealthCheckResponse, error) {
	if err := h.rt.CheckHealth(ctx); err != nil {
		return &orchqv1.HealthCheckResponse{Status: "not_serving"}, nil
	}
	return &orchqv1.HealthCheckResponse{Status: "ok"}, nil
}
