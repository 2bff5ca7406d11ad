package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"authlink.org/internal/obs"
)

// GRPCHealth publishes readiness through the standard grpc.health.v1 service,
// both for the empty service name and for serviceName.
type GRPCHealth struct {
	server    *health.Server
	readiness readinessChecker
}

// NewGRPCHealth creates the health service. Status starts as NOT_SERVING
// until the first Refresh.
func NewGRPCHealth(r readinessChecker) *GRPCHealth {
	h := &GRPCHealth{server: health.NewServer(), readiness: r}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the service to s.
func (h *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Refresh evaluates readiness once and publishes the result.
func (h *GRPCHealth) Refresh(ctx context.Context) error {
	err := h.readiness.Check(ctx)
	if err != nil {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		obs.SetReady(false)
		return err
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	obs.SetReady(true)
	return nil
}

// Run refreshes every interval until ctx is done, then marks the service
// as shutting down.
func (h *GRPCHealth) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, every)
		if err := h.Refresh(checkCtx); err != nil && ctx.Err() == nil {
			obs.Error("readiness_check_failed", err, nil)
		}
		cancel()
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

func (h *GRPCHealth) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(serviceName, status)
}
