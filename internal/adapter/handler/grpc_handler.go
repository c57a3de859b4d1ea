package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// LedgerServiceName is the service name reported by the health endpoint.
const LedgerServiceName = "inventory.ledger.v1.Ledger"

type Pinger interface {
	Ping(ctx context.Context) error
}

// GRPCHandler serves the standard gRPC health protocol. The ledger service
// is reported SERVING while every registered dependency answers a ping.
type GRPCHandler struct {
	health *health.Server
	deps   map[string]Pinger
	logger *zap.Logger
}

func NewGRPCHandler(logger *zap.Logger) *GRPCHandler {
	return &GRPCHandler{
		health: health.NewServer(),
		deps:   make(map[string]Pinger),
		logger: logger,
	}
}

// AddDependency must be called before Watch.
func (h *GRPCHandler) AddDependency(name string, p Pinger) {
	h.deps[name] = p
}

func (h *GRPCHandler) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.health)
	reflection.Register(s)
	h.health.SetServingStatus(LedgerServiceName, healthpb.HealthCheckResponse_SERVING)
}

// Check pings every dependency once and updates the reported status.
func (h *GRPCHandler) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			h.logger.Warn("dependency unhealthy", zap.String("dependency", name), zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	h.health.SetServingStatus(LedgerServiceName, status)
	return status
}

// Watch re-checks dependencies every interval until ctx is done.
func (h *GRPCHandler) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Shutdown reports NOT_SERVING for every service so clients drain first.
func (h *GRPCHandler) Shutdown() {
	h.health.Shutdown()
}
