package grpc

import (
	"errors"
	"math"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/kernel"
)

// =============================================================================
// SYSCALL ARGUMENT VALIDATION
// =============================================================================

// requireInt reads an integral number field.
func requireInt(req *structpb.Struct, field string) (int, error) {
	v, ok := req.GetFields()[field]
	if !ok {
		return 0, InvalidArgument(field)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", field)
	}
	return int(n.NumberValue), nil
}

// requirePID reads a positive pid field.
func requirePID(req *structpb.Struct) (int, error) {
	pid, err := requireInt(req, "pid")
	if err != nil {
		return 0, err
	}
	if pid < 1 {
		return 0, status.Errorf(codes.InvalidArgument, "pid must be positive, got %d", pid)
	}
	return pid, nil
}

// requireFloat reads a number field.
func requireFloat(req *structpb.Struct, field string) (float64, error) {
	v, ok := req.GetFields()[field]
	if !ok {
		return 0, InvalidArgument(field)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a number", field)
	}
	return n.NumberValue, nil
}

// requireQueue reads a queue given by name ("bjf") or number (3).
func requireQueue(req *structpb.Struct) (kernel.QueueType, error) {
	v, ok := req.GetFields()["queue"]
	if !ok {
		return kernel.QueueUnassigned, InvalidArgument("queue")
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		q, err := kernel.ParseQueueType(kind.StringValue)
		if err != nil {
			return kernel.QueueUnassigned, status.Error(codes.InvalidArgument, err.Error())
		}
		return q, nil
	case *structpb.Value_NumberValue:
		q := kernel.QueueType(int(kind.NumberValue))
		if !q.Valid() || kind.NumberValue != math.Trunc(kind.NumberValue) {
			return kernel.QueueUnassigned, status.Errorf(codes.InvalidArgument, "invalid queue: %v", kind.NumberValue)
		}
		return q, nil
	}
	return kernel.QueueUnassigned, status.Error(codes.InvalidArgument, "queue must be a name or number")
}

// requireRatios reads the four rank ratios.
func requireRatios(req *structpb.Struct) (kernel.RankRatios, error) {
	var r kernel.RankRatios
	fields := []struct {
		name string
		dst  *float64
	}{
		{"priority_ratio", &r.Priority},
		{"arrival_time_ratio", &r.ArrivalTime},
		{"executed_cycle_ratio", &r.ExecutedCycles},
		{"process_size_ratio", &r.ProcessSize},
	}
	for _, f := range fields {
		v, err := requireFloat(req, f.name)
		if err != nil {
			return kernel.RankRatios{}, err
		}
		*f.dst = v
	}
	return r, nil
}

// =============================================================================
// KERNEL ERROR CODES (analogous to errno.h)
// =============================================================================

// InvalidArgument returns a gRPC InvalidArgument error (analogous to EINVAL).
func InvalidArgument(fieldName string) error {
	return status.Errorf(codes.InvalidArgument, "%s is required", fieldName)
}

// Internal wraps an internal error with context (analogous to EIO).
func Internal(operation string, cause error) error {
	return status.Errorf(codes.Internal, "%s failed: %v", operation, cause)
}

// ResourceExhausted returns an error for limit violations (analogous to EAGAIN).
func ResourceExhausted(resourceType, limit string) error {
	return status.Errorf(codes.ResourceExhausted,
		"%s limit exceeded: %s", resourceType, limit)
}

// kernelError maps a kernel error onto a status code.
func kernelError(operation string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, kernel.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, kernel.ErrInvalidQueue):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, kernel.ErrResourceExhausted):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, kernel.ErrUnchanged), errors.Is(err, kernel.ErrNoChildren):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, kernel.ErrHalted):
		return status.Error(codes.Unavailable, err.Error())
	}
	return Internal(operation, err)
}
