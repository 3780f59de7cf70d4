package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
)

// GracefulServer serves the process service on one listener and stops at
// most once, gracefully or not.
type GracefulServer struct {
	grpcServer *grpc.Server
	logger     Logger
	address    string

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// NewGracefulServer registers srv on a new gRPC server. With no options the
// standard interceptor chain is installed without rate limiting.
func NewGracefulServer(srv *KernelServer, address string, opts ...grpc.ServerOption) *GracefulServer {
	if len(opts) == 0 {
		opts = ServerOptions(srv.logger, nil)
	}

	grpcServer := grpc.NewServer(opts...)
	RegisterProcessServiceServer(grpcServer, srv)

	return &GracefulServer{
		grpcServer: grpcServer,
		logger:     srv.logger,
		address:    address,
	}
}

// listen binds the listener and starts serving. The returned channel gets
// Serve's error, if any, and is closed when Serve returns.
func (s *GracefulServer) listen() (<-chan error, error) {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	s.logger.Info("kernel_rpc_listening", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
	}()
	return errCh, nil
}

// Start serves until ctx is cancelled, then stops gracefully.
func (s *GracefulServer) Start(ctx context.Context) error {
	errCh, err := s.listen()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		s.logger.Info("kernel_rpc_shutdown_requested", "reason", ctx.Err().Error())
		s.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// StartBackground serves in a goroutine.
func (s *GracefulServer) StartBackground() (<-chan error, error) {
	return s.listen()
}

// stop reports whether this call is the one that stops the server.
func (s *GracefulServer) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.stopped = true
	return true
}

// GracefulStop refuses new calls and waits for in-flight ones.
func (s *GracefulServer) GracefulStop() {
	if !s.stop() {
		return
	}
	s.grpcServer.GracefulStop()
	s.logger.Info("kernel_rpc_stopped", "graceful", true)
}

// Stop closes every connection immediately.
func (s *GracefulServer) Stop() {
	if !s.stop() {
		return
	}
	s.grpcServer.Stop()
	s.logger.Warn("kernel_rpc_stopped", "graceful", false)
}

// ShutdownWithTimeout stops gracefully, falling back to an immediate stop
// after timeout.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("kernel_rpc_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
	}
}

// Address returns the configured listen address.
func (s *GracefulServer) Address() string {
	return s.address
}

// Addr returns the address actually bound, which differs from Address when
// the port was 0. Empty before the server has started.
func (s *GracefulServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
