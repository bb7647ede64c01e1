package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/logging"
)

// ServiceName is the health service name reported for the orchestrator.
const ServiceName = "karen.Orchestrator"

// GracefulServer wraps a gRPC server carrying the health service.
type GracefulServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     logging.Logger
	address    string

	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer creates the server with the standard interceptors and
// the otelgrpc stats handler. Extra options are appended.
func NewGracefulServer(address string, logger logging.Logger, opts ...grpc.ServerOption) *GracefulServer {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.Bind("component", "grpc")

	all := append(ServerOptions(logger), grpc.StatsHandler(otelgrpc.NewServerHandler()))
	all = append(all, opts...)
	grpcServer := grpc.NewServer(all...)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GracefulServer{
		grpcServer: grpcServer,
		health:     hs,
		logger:     logger,
		address:    address,
	}
}

// SetServing reports the orchestrator as serving or not serving.
func (s *GracefulServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
	s.logger.Info("grpc_health_changed", "service", ServiceName, "status", st.String())
}

// Serve serves on lis until the server stops.
func (s *GracefulServer) Serve(lis net.Listener) error {
	s.logger.Info("grpc_server_started", "address", lis.Addr().String())
	return s.grpcServer.Serve(lis)
}

// Start listens on the configured address and blocks until ctx is
// cancelled, then stops gracefully.
func (s *GracefulServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(lis)
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated", "reason", ctx.Err().Error())
		s.GracefulStop()
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// GracefulStop marks every service not serving, stops accepting
// connections and waits for in-flight calls.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// ShutdownWithTimeout stops gracefully, forcing an immediate stop after
// timeout.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
	}
}

// Address returns the configured listen address.
func (s *GracefulServer) Address() string {
	return s.address
}
