// Package grpc serves the handoff kernel over gRPC.
//
// The service is described by hand (see ServiceDesc) and exchanges
// google.protobuf.Struct messages, so no generated code is required.
package grpc

import (
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Logger interface for the server.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// GracefulServer runs HandoffService next to the standard gRPC health
// service. Health reports SERVING while the server accepts calls and
// NOT_SERVING once shutdown begins.
type GracefulServer struct {
	server  *grpc.Server
	health  *health.Server
	logger  Logger
	address string

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// NewGracefulServer creates a server for srv. Without options the standard
// interceptors of ServerOptions are installed.
func NewGracefulServer(srv HandoffServiceServer, address string, logger Logger, opts ...grpc.ServerOption) *GracefulServer {
	if len(opts) == 0 {
		opts = ServerOptions(logger)
	}
	s := &GracefulServer{
		server:  grpc.NewServer(opts...),
		health:  health.NewServer(),
		logger:  logger,
		address: address,
	}
	RegisterHandoffServiceServer(s.server, srv)
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Serve accepts connections on lis in the background. The returned channel
// yields the serve error, if any, and is closed when serving ends.
func (s *GracefulServer) Serve(lis net.Listener) <-chan error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.logger.Info("grpc_server_started", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.server.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	return errCh
}

// StartBackground listens on the configured address and serves in the
// background.
func (s *GracefulServer) StartBackground() (<-chan error, error) {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis), nil
}

// beginStop marks the server stopped and flips health. It reports false when
// a stop already ran.
func (s *GracefulServer) beginStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.stopped = true
	s.health.Shutdown()
	return true
}

// ShutdownWithTimeout waits up to timeout for in-flight calls, then cancels
// the rest. Open WatchEvents streams only end on the forced stop.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	if !s.beginStop() {
		return
	}
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("grpc_server_stopped")
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.server.Stop()
	}
}

// Stop cancels every call and closes the listeners.
func (s *GracefulServer) Stop() {
	if !s.beginStop() {
		return
	}
	s.logger.Warn("grpc_immediate_stop")
	s.server.Stop()
}

// Address returns the bound address once listening, else the configured one.
func (s *GracefulServer) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}
