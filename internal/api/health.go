package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside the
// overall ("") status.
const ServiceName = "gridsync"

// Health is the serving state shared by /healthz and the gRPC health
// service.
type Health struct {
	srv *health.Server
}

// NewHealth returns a Health in the NOT_SERVING state.
func NewHealth() *Health {
	h := &Health{srv: health.NewServer()}
	h.Set(false)
	return h
}

// Register adds the health service to a gRPC server.
func (h *Health) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, h.srv)
}

// Set marks the process serving or not serving.
func (h *Health) Set(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(ServiceName, status)
}

// Serving reports the current overall status.
func (h *Health) Serving(ctx context.Context) bool {
	resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{})
	return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// Shutdown sets every service to NOT_SERVING and ignores later updates.
func (h *Health) Shutdown() { h.srv.Shutdown() }
