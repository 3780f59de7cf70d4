package grpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func killInfo() *grpc.UnaryServerInfo {
	return &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodKill)}
}

func pidRequest(t *testing.T, pid int) *structpb.Struct {
	t.Helper()
	req, err := structpb.NewStruct(map[string]any{"pid": pid})
	require.NoError(t, err)
	return req
}

// =============================================================================
// HELPER TESTS
// =============================================================================

func TestMethodName(t *testing.T) {
	assert.Equal(t, "Kill", methodName(FullMethod(MethodKill)))
	assert.Equal(t, "Bare", methodName("Bare"))
}

func TestRequestPID(t *testing.T) {
	assert.Equal(t, 7, requestPID(pidRequest(t, 7)))
	assert.Equal(t, 0, requestPID(&structpb.Struct{}))
	assert.Equal(t, 0, requestPID("not a struct"))
	assert.Equal(t, 0, requestPID((*structpb.Struct)(nil)))
}

// =============================================================================
// LOGGING INTERCEPTOR TESTS
// =============================================================================

func TestLoggingInterceptor_Success(t *testing.T) {
	logger := &TestLogger{}
	interceptor := LoggingInterceptor(logger)

	handler := func(ctx context.Context, req any) (any, error) {
		return "response", nil
	}

	resp, err := interceptor(context.Background(), pidRequest(t, 3), killInfo(), handler)

	require.NoError(t, err)
	assert.Equal(t, "response", resp)
	require.Len(t, logger.debugCalls, 2)
	assert.Equal(t, "rpc_started", logger.debugCalls[0]["msg"])
	assert.Equal(t, "rpc_completed", logger.debugCalls[1]["msg"])
	assert.Equal(t, "Kill", logger.debugCalls[1]["method"])
	assert.Equal(t, 3, logger.debugCalls[1]["pid"])
}

func TestLoggingInterceptor_Rejected(t *testing.T) {
	logger := &TestLogger{}
	interceptor := LoggingInterceptor(logger)

	handler := func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.NotFound, "process not found")
	}

	_, err := interceptor(context.Background(), pidRequest(t, 99), killInfo(), handler)

	require.Error(t, err)
	assert.Empty(t, logger.errorCalls)
	require.Len(t, logger.warnCalls, 1)
	assert.Equal(t, "rpc_rejected", logger.warnCalls[0]["msg"])
	assert.Equal(t, "NotFound", logger.warnCalls[0]["code"])
	assert.Equal(t, 99, logger.warnCalls[0]["pid"])
}

func TestLoggingInterceptor_Failed(t *testing.T) {
	logger := &TestLogger{}
	interceptor := LoggingInterceptor(logger)

	handler := func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.Internal, "boom")
	}

	_, err := interceptor(context.Background(), pidRequest(t, 3), killInfo(), handler)

	require.Error(t, err)
	assert.Empty(t, logger.warnCalls)
	require.Len(t, logger.errorCalls, 1)
	assert.Equal(t, "rpc_failed", logger.errorCalls[0]["msg"])
	assert.Equal(t, "Internal", logger.errorCalls[0]["code"])
}

func TestCallerFault(t *testing.T) {
	tests := []struct {
		code codes.Code
		want bool
	}{
		{codes.NotFound, true},
		{codes.InvalidArgument, true},
		{codes.FailedPrecondition, true},
		{codes.ResourceExhausted, true},
		{codes.Unavailable, true},
		{codes.Internal, false},
		{codes.Unknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, callerFault(tt.code))
		})
	}
}

// =============================================================================
// RECOVERY INTERCEPTOR TESTS
// =============================================================================

func TestRecoveryInterceptor_NoPanic(t *testing.T) {
	logger := &TestLogger{}
	interceptor := RecoveryInterceptor(logger, nil)

	handler := func(ctx context.Context, req any) (any, error) {
		return "safe response", nil
	}

	resp, err := interceptor(context.Background(), pidRequest(t, 1), killInfo(), handler)

	require.NoError(t, err)
	assert.Equal(t, "safe response", resp)
	assert.Empty(t, logger.errorCalls)
}

func TestRecoveryInterceptor_Panic(t *testing.T) {
	logger := &TestLogger{}
	interceptor := RecoveryInterceptor(logger, nil)

	handler := func(ctx context.Context, req any) (any, error) {
		panic("table corrupted")
	}

	resp, err := interceptor(context.Background(), pidRequest(t, 4), killInfo(), handler)

	assert.Nil(t, resp)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Contains(t, st.Message(), "table corrupted")

	require.Len(t, logger.errorCalls, 1)
	assert.Equal(t, "rpc_panic_recovered", logger.errorCalls[0]["msg"])
	assert.Equal(t, "Kill", logger.errorCalls[0]["method"])
	assert.Equal(t, 4, logger.errorCalls[0]["pid"])
}

func TestRecoveryInterceptor_CustomHandler(t *testing.T) {
	logger := &TestLogger{}
	interceptor := RecoveryInterceptor(logger, func(p any) error {
		return status.Errorf(codes.Aborted, "custom: %v", p)
	})

	handler := func(ctx context.Context, req any) (any, error) {
		panic("custom panic")
	}

	_, err := interceptor(context.Background(), nil, killInfo(), handler)

	st, _ := status.FromError(err)
	assert.Equal(t, codes.Aborted, st.Code())
	assert.Contains(t, st.Message(), "custom: custom panic")
}

func TestDefaultRecoveryHandler(t *testing.T) {
	err := DefaultRecoveryHandler("test panic value")

	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Contains(t, st.Message(), "test panic value")
}

// =============================================================================
// METRICS INTERCEPTOR TESTS
// =============================================================================

func TestMetricsInterceptor_StatusCodes(t *testing.T) {
	interceptor := MetricsInterceptor()

	tests := []codes.Code{codes.OK, codes.InvalidArgument, codes.NotFound, codes.Internal, codes.Unavailable}

	for _, code := range tests {
		t.Run(code.String(), func(t *testing.T) {
			handler := func(ctx context.Context, req any) (any, error) {
				if code == codes.OK {
					return "ok", nil
				}
				return nil, status.Error(code, "error")
			}

			_, err := interceptor(context.Background(), nil, killInfo(), handler)

			assert.Equal(t, code, status.Code(err))
		})
	}
}

// =============================================================================
// SERVER OPTIONS TESTS
// =============================================================================

func TestServerOptions(t *testing.T) {
	logger := &TestLogger{}

	// Stats handler plus the unary chain
	assert.Len(t, ServerOptions(logger, nil), 2)
	assert.Len(t, ServerOptions(logger, NewRateLimiter(nil)), 2)
}
