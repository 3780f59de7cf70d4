// Package grpc serves the kernel's process-table operations over gRPC.
//
// The ProcessService carries structpb.Struct request and response bodies,
// so no generated code is needed on either side. Every method is unary.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mfqkernel.v1.ProcessService"

// Method names.
const (
	MethodKill                 = "Kill"
	MethodTransferQueue        = "TransferQueue"
	MethodSetProcessRankParams = "SetProcessRankParams"
	MethodSetSystemRankParams  = "SetSystemRankParams"
	MethodSetProcessPriority   = "SetProcessPriority"
	MethodDumpTable            = "DumpTable"
	MethodUncleCount           = "UncleCount"
	MethodProcessLifetime      = "ProcessLifetime"
	MethodWakeProcess          = "WakeProcess"
	MethodListProcesses        = "ListProcesses"
	MethodSystemStatus         = "SystemStatus"
)

// FullMethod returns "/mfqkernel.v1.ProcessService/<method>".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ProcessServiceServer is the server API for ProcessService.
type ProcessServiceServer interface {
	Kill(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TransferQueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetProcessRankParams(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetSystemRankParams(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetProcessPriority(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DumpTable(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UncleCount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ProcessLifetime(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WakeProcess(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListProcesses(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SystemStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type methodFunc func(ProcessServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call methodFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ProcessServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(method),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ProcessServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ProcessServiceDesc describes ProcessService for grpc.Server.RegisterService.
var ProcessServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProcessServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(MethodKill, ProcessServiceServer.Kill),
		unaryHandler(MethodTransferQueue, ProcessServiceServer.TransferQueue),
		unaryHandler(MethodSetProcessRankParams, ProcessServiceServer.SetProcessRankParams),
		unaryHandler(MethodSetSystemRankParams, ProcessServiceServer.SetSystemRankParams),
		unaryHandler(MethodSetProcessPriority, ProcessServiceServer.SetProcessPriority),
		unaryHandler(MethodDumpTable, ProcessServiceServer.DumpTable),
		unaryHandler(MethodUncleCount, ProcessServiceServer.UncleCount),
		unaryHandler(MethodProcessLifetime, ProcessServiceServer.ProcessLifetime),
		unaryHandler(MethodWakeProcess, ProcessServiceServer.WakeProcess),
		unaryHandler(MethodListProcesses, ProcessServiceServer.ListProcesses),
		unaryHandler(MethodSystemStatus, ProcessServiceServer.SystemStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mfqkernel/v1/process.proto",
}

// RegisterProcessServiceServer registers srv with s.
func RegisterProcessServiceServer(s grpc.ServiceRegistrar, srv ProcessServiceServer) {
	s.RegisterService(&ProcessServiceDesc, srv)
}
