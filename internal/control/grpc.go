package control

import (
	"context"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"

	"github.com/signalsfoundry/trackcast/internal/logging"
)

// SimulationService is the health service name that tracks whether the
// simulation driver is running.
const SimulationService = "trackcast.Simulation"

const requestIDMetadataKey = "x-request-id"

// Health wraps the standard gRPC health server. The overall status is
// always SERVING once constructed; SimulationService flips with the driver.
type Health struct {
	srv *health.Server
}

// NewHealth returns a health server with the simulation marked stopped.
func NewHealth() *Health {
	h := &Health{srv: health.NewServer()}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.srv.SetServingStatus(SimulationService, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// SetSimulationRunning updates the SimulationService status.
func (h *Health) SetSimulationRunning(running bool) {
	if h == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if running {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus(SimulationService, status)
}

// Shutdown marks every service NOT_SERVING.
func (h *Health) Shutdown() {
	if h == nil {
		return
	}
	h.srv.Shutdown()
}

// NewGRPCServer builds the control gRPC server with tracing, request ids,
// and the given extra interceptors, and registers h on it.
func NewGRPCServer(h *Health, log logging.Logger, interceptors ...grpc.UnaryServerInterceptor) *grpc.Server {
	chain := append([]grpc.UnaryServerInterceptor{RequestIDUnaryServerInterceptor(log)}, interceptors...)
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(chain...),
	)
	if h != nil {
		healthpb.RegisterHealthServer(server, h.srv)
	}
	reflection.Register(server)
	return server
}

// RequestIDUnaryServerInterceptor ensures a request_id is present on the
// context, sourcing it from inbound metadata if provided, and attaches a
// per-request logger annotated with request_id and method.
func RequestIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(requestIDMetadataKey); len(vals) > 0 && strings.TrimSpace(vals[0]) != "" {
				ctx = logging.ContextWithRequestID(ctx, vals[0])
			}
		}
		ctx, reqLog := logging.WithRequestLogger(ctx, base.With(logging.String("method", info.FullMethod)))
		ctx = logging.ContextWithLogger(ctx, reqLog)
		return handler(ctx, req)
	}
}
