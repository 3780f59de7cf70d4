package grpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/observability"
)

// methodName trims the service prefix from a full gRPC method so metrics and
// logs carry "Kill" rather than "/mfqkernel.v1.ProcessService/Kill".
func methodName(fullMethod string) string {
	if i := strings.LastIndexByte(fullMethod, '/'); i >= 0 {
		return fullMethod[i+1:]
	}
	return fullMethod
}

// requestPID returns the pid a request targets, or 0 when it names none.
func requestPID(req any) int {
	s, ok := req.(*structpb.Struct)
	if !ok || s == nil {
		return 0
	}
	v, ok := s.GetFields()["pid"]
	if !ok {
		return 0
	}
	return int(v.GetNumberValue())
}

// callerFault reports whether code means the caller asked for something the
// kernel refused, as opposed to the kernel failing.
func callerFault(code codes.Code) bool {
	switch code {
	case codes.NotFound, codes.InvalidArgument, codes.FailedPrecondition,
		codes.ResourceExhausted, codes.Unavailable:
		return true
	}
	return false
}

// =============================================================================
// LOGGING INTERCEPTOR
// =============================================================================

// LoggingInterceptor logs each call with its target pid. Refused requests
// log at Warn, kernel failures at Error.
func LoggingInterceptor(logger Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		method := methodName(info.FullMethod)
		pid := requestPID(req)
		start := time.Now()

		logger.Debug("rpc_started", "method", method, "pid", pid)
		resp, err := handler(ctx, req)
		elapsed := time.Since(start).Milliseconds()

		if err == nil {
			logger.Debug("rpc_completed", "method", method, "pid", pid, "duration_ms", elapsed)
			return resp, nil
		}

		code := status.Code(err)
		fields := []any{"method", method, "pid", pid, "duration_ms", elapsed, "code", code.String(), "error", err.Error()}
		if callerFault(code) {
			logger.Warn("rpc_rejected", fields...)
		} else {
			logger.Error("rpc_failed", fields...)
		}
		return resp, err
	}
}

// =============================================================================
// RECOVERY INTERCEPTOR
// =============================================================================

// RecoveryHandler turns a recovered panic value into the error returned to
// the caller.
type RecoveryHandler func(p any) error

// DefaultRecoveryHandler returns an Internal error with panic details.
func DefaultRecoveryHandler(p any) error {
	return status.Errorf(codes.Internal, "panic recovered: %v", p)
}

// RecoveryInterceptor keeps a panicking handler from taking the server down.
// Invariant violations do not reach it: the kernel halts on those before
// unwinding.
func RecoveryInterceptor(logger Logger, handler RecoveryHandler) grpc.UnaryServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("rpc_panic_recovered",
					"method", methodName(info.FullMethod),
					"pid", requestPID(req),
					"panic", fmt.Sprintf("%v", p),
					"stack", string(debug.Stack()),
				)
				resp, err = nil, handler(p)
			}
		}()
		return next(ctx, req)
	}
}

// =============================================================================
// METRICS INTERCEPTOR
// =============================================================================

// MetricsInterceptor records the count and latency of every call by method
// and status code.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observability.RecordGRPCRequest(
			methodName(info.FullMethod),
			status.Code(err).String(),
			int(time.Since(start).Milliseconds()),
		)
		return resp, err
	}
}

// =============================================================================
// SERVER OPTIONS
// =============================================================================

// ServerOptions returns the interceptor chain and OpenTelemetry stats handler
// for the process service. Recovery runs outermost so every other
// interceptor is covered. A nil limiter disables rate limiting.
func ServerOptions(logger Logger, limiter *RateLimiter) []grpc.ServerOption {
	interceptors := []grpc.UnaryServerInterceptor{
		RecoveryInterceptor(logger, nil),
		MetricsInterceptor(),
		LoggingInterceptor(logger),
	}
	if limiter != nil {
		interceptors = append(interceptors, RateLimitInterceptor(limiter, logger))
	}

	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	}
}
