package grpc

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/mfqkernel/commbus"
	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/observability"
)

// Logger interface for the server.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Bus is the message bus process queries and commands can be routed
// through. commbus.InMemoryCommBus implements it once commbus.AttachKernel
// has registered the kernel's handlers.
type Bus interface {
	QuerySync(ctx context.Context, query commbus.Query) (any, error)
	Send(ctx context.Context, command commbus.Message) error
	HasHandler(messageType string) bool
}

// KernelServer implements ProcessService on top of a running kernel.
// Thread-safe: delegates to the kernel, which takes the table lock.
type KernelServer struct {
	logger Logger
	kernel *kernel.Kernel
	bus    Bus
}

// KernelServerOption configures a KernelServer.
type KernelServerOption func(*KernelServer)

// WithBus routes process listing, system status, kill, and queue transfer
// through bus, so its middleware sees them. Messages the bus has no handler
// for go straight to the kernel.
func WithBus(bus Bus) KernelServerOption {
	return func(s *KernelServer) {
		s.bus = bus
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NewKernelServer creates a ProcessService server. A nil logger discards.
func NewKernelServer(logger Logger, k *kernel.Kernel, opts ...KernelServerOption) *KernelServer {
	if logger == nil {
		logger = nopLogger{}
	}
	s := &KernelServer{
		logger: logger,
		kernel: k,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// routed reports whether messageType goes through the bus.
func (s *KernelServer) routed(messageType string) bool {
	return s.bus != nil && s.bus.HasHandler(messageType)
}

func (s *KernelServer) kill(ctx context.Context, pid int) error {
	cmd := &commbus.KillProcess{PID: pid}
	if s.routed(commbus.GetMessageType(cmd)) {
		return s.bus.Send(ctx, cmd)
	}
	return s.kernel.Kill(pid)
}

func (s *KernelServer) transferQueue(ctx context.Context, pid int, q kernel.QueueType) (kernel.QueueType, error) {
	query := &commbus.TransferProcess{PID: pid, Queue: q}
	if !s.routed(commbus.GetMessageType(query)) {
		return s.kernel.TransferQueue(pid, q)
	}
	v, err := s.bus.QuerySync(ctx, query)
	if err != nil {
		return kernel.QueueUnassigned, err
	}
	old, ok := v.(kernel.QueueType)
	if !ok {
		return kernel.QueueUnassigned, fmt.Errorf("unexpected TransferProcess answer %T", v)
	}
	return old, nil
}

func (s *KernelServer) listProcesses(ctx context.Context) ([]kernel.ProcessInfo, error) {
	query := &commbus.ListProcesses{}
	if !s.routed(commbus.GetMessageType(query)) {
		return s.kernel.ListProcesses(), nil
	}
	v, err := s.bus.QuerySync(ctx, query)
	if err != nil {
		return nil, err
	}
	procs, ok := v.([]kernel.ProcessInfo)
	if !ok {
		return nil, fmt.Errorf("unexpected ListProcesses answer %T", v)
	}
	return procs, nil
}

func (s *KernelServer) systemStatus(ctx context.Context) (map[string]any, error) {
	query := &commbus.GetSystemStatus{}
	if !s.routed(commbus.GetMessageType(query)) {
		return s.kernel.GetSystemStatus(), nil
	}
	v, err := s.bus.QuerySync(ctx, query)
	if err != nil {
		return nil, err
	}
	status, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected GetSystemStatus answer %T", v)
	}
	return status, nil
}

var _ ProcessServiceServer = (*KernelServer)(nil)

// =============================================================================
// Process Control
// =============================================================================

// Kill marks a process killed.
func (s *KernelServer) Kill(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pid, err := requirePID(req)
	if err != nil {
		return nil, err
	}
	ctx, span := observability.StartSpan(ctx, "kernel.kill", pid)
	defer span.End()

	if err := s.kill(ctx, pid); err != nil {
		span.RecordError(err)
		return nil, kernelError("kill", err)
	}

	s.logger.Info("process_kill_requested", "pid", pid)
	return respond(map[string]any{"pid": pid})
}

// TransferQueue moves a process to another ready queue and returns the
// queue it left.
func (s *KernelServer) TransferQueue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pid, err := requirePID(req)
	if err != nil {
		return nil, err
	}
	q, err := requireQueue(req)
	if err != nil {
		return nil, err
	}
	ctx, span := observability.StartSpan(ctx, "kernel.transfer_queue", pid)
	defer span.End()

	old, err := s.transferQueue(ctx, pid, q)
	if err != nil {
		span.RecordError(err)
		return nil, kernelError("transfer queue", err)
	}

	s.logger.Debug("queue_transfer_requested", "pid", pid, "from", old.String(), "to", q.String())
	return respond(map[string]any{
		"pid":  pid,
		"from": old.String(),
		"to":   q.String(),
	})
}

// WakeProcess makes a sleeping process runnable.
func (s *KernelServer) WakeProcess(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pid, err := requirePID(req)
	if err != nil {
		return nil, err
	}
	_, span := observability.StartSpan(ctx, "kernel.wake_process", pid)
	defer span.End()

	if err := s.kernel.WakeProcess(pid); err != nil {
		span.RecordError(err)
		return nil, kernelError("wake process", err)
	}
	return respond(map[string]any{"pid": pid})
}

// =============================================================================
// Rank Parameters
// =============================================================================

// SetProcessRankParams replaces one process's rank ratios.
func (s *KernelServer) SetProcessRankParams(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pid, err := requirePID(req)
	if err != nil {
		return nil, err
	}
	ratios, err := requireRatios(req)
	if err != nil {
		return nil, err
	}
	_, span := observability.StartSpan(ctx, "kernel.set_process_rank_params", pid)
	defer span.End()

	if err := s.kernel.SetProcessRankParams(pid, ratios); err != nil {
		span.RecordError(err)
		return nil, kernelError("set process rank params", err)
	}
	return respond(map[string]any{"pid": pid})
}

// SetSystemRankParams replaces the rank ratios of every slot.
func (s *KernelServer) SetSystemRankParams(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ratios, err := requireRatios(req)
	if err != nil {
		return nil, err
	}
	_, span := observability.StartSpan(ctx, "kernel.set_system_rank_params", 0)
	defer span.End()

	s.kernel.SetSystemRankParams(ratios)
	s.logger.Info("system_rank_params_set",
		"priority_ratio", ratios.Priority,
		"arrival_time_ratio", ratios.ArrivalTime,
		"executed_cycle_ratio", ratios.ExecutedCycles,
		"process_size_ratio", ratios.ProcessSize,
	)
	return respond(map[string]any{})
}

// SetProcessPriority sets one process's BJF priority.
func (s *KernelServer) SetProcessPriority(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pid, err := requirePID(req)
	if err != nil {
		return nil, err
	}
	priority, err := requireInt(req, "priority")
	if err != nil {
		return nil, err
	}
	_, span := observability.StartSpan(ctx, "kernel.set_process_priority", pid)
	defer span.End()

	if err := s.kernel.SetProcessPriority(pid, priority); err != nil {
		span.RecordError(err)
		return nil, kernelError("set process priority", err)
	}
	return respond(map[string]any{"pid": pid, "priority": priority})
}

// =============================================================================
// Diagnostics
// =============================================================================

// DumpTable renders the process table.
func (s *KernelServer) DumpTable(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	_, span := observability.StartSpan(ctx, "kernel.dump_table", 0)
	defer span.End()

	table, err := s.kernel.DumpTableString()
	if err != nil {
		span.RecordError(err)
		return nil, Internal("dump table", err)
	}
	return respond(map[string]any{
		"table":    table,
		"procdump": s.kernel.Procdump(),
	})
}

// UncleCount returns the sibling count of a process's parent, or -1.
func (s *KernelServer) UncleCount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pid, err := requirePID(req)
	if err != nil {
		return nil, err
	}
	_, span := observability.StartSpan(ctx, "kernel.uncle_count", pid)
	defer span.End()

	return respond(map[string]any{"pid": pid, "uncles": s.kernel.UncleCount(pid)})
}

// ProcessLifetime returns how many hundreds of ticks a process has existed,
// or -1.
func (s *KernelServer) ProcessLifetime(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pid, err := requirePID(req)
	if err != nil {
		return nil, err
	}
	_, span := observability.StartSpan(ctx, "kernel.process_lifetime", pid)
	defer span.End()

	return respond(map[string]any{"pid": pid, "lifetime": s.kernel.ProcessLifetime(pid)})
}

// ListProcesses returns every live process.
func (s *KernelServer) ListProcesses(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ctx, span := observability.StartSpan(ctx, "kernel.list_processes", 0)
	defer span.End()

	procs, err := s.listProcesses(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, kernelError("list processes", err)
	}
	out := make([]any, len(procs))
	for i, p := range procs {
		out[i] = processToMap(p)
	}
	return respond(map[string]any{"processes": out})
}

// SystemStatus returns process counts, CPUs, ticks, and syscall totals.
func (s *KernelServer) SystemStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ctx, span := observability.StartSpan(ctx, "kernel.system_status", 0)
	defer span.End()

	status, err := s.systemStatus(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, kernelError("system status", err)
	}
	return respond(status)
}

// =============================================================================
// Conversion Functions
// =============================================================================

func respond(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, Internal("encode response", err)
	}
	return out, nil
}

func processToMap(p kernel.ProcessInfo) map[string]any {
	return map[string]any{
		"slot":             p.Slot,
		"pid":              p.PID,
		"parent_pid":       p.ParentPID,
		"name":             p.Name,
		"state":            string(p.State),
		"queue":            p.Queue.String(),
		"size":             p.Size,
		"killed":           p.Killed,
		"cpu":              p.CPU,
		"created_at":       p.CreatedAt,
		"last_exec_time":   p.LastExecTime,
		"arrive_lcfs_time": p.ArriveLCFSTime,
		"priority":         p.Rank.Priority,
		"arrival_time":     p.Rank.ArrivalTime,
		"executed_cycle":   p.Rank.ExecutedCycles,
		"process_size":     p.Rank.ProcessSize,
		"ratios": map[string]any{
			"priority_ratio":       p.Rank.Ratios.Priority,
			"arrival_time_ratio":   p.Rank.Ratios.ArrivalTime,
			"executed_cycle_ratio": p.Rank.Ratios.ExecutedCycles,
			"process_size_ratio":   p.Rank.Ratios.ProcessSize,
		},
		"rank": p.RankValue,
	}
}
