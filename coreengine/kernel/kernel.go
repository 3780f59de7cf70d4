package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/config"
)

// =============================================================================
// LOGGER
// =============================================================================

// Logger is the structured logger the kernel writes to.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// =============================================================================
// KERNEL
// =============================================================================

// Kernel owns the process table, the CPUs, and the clock.
//
// Usage:
//
//	k := NewKernel(logger, cfg, devices)
//	if err := k.Boot(ctx, initProgram); err != nil {
//	    return err
//	}
//	defer k.Shutdown(ctx)
//
//	k.TransferQueue(pid, QueueBJF)
//	k.DumpTable(os.Stdout)
type Kernel struct {
	config  *config.KernelConfig
	logger  Logger
	devices Devices

	table   *Table
	cpus    []*CPU
	clock   *Clock
	initRef Ref

	eventHandlers []KernelEventHandler
	eventMu       sync.RWMutex

	haltHandler func(error)
	halted      chan struct{}
	haltOnce    sync.Once

	booted    atomic.Bool
	cancel    context.CancelFunc
	stopClock func()
	wg        sync.WaitGroup

	totalSyscalls atomic.Uint64
	startedAt     time.Time
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithHaltHandler replaces what happens on an invariant violation. The
// default panics. If the handler returns, the goroutine that hit the
// violation is ended.
func WithHaltHandler(fn func(error)) Option {
	return func(k *Kernel) {
		k.haltHandler = fn
	}
}

// NewKernel creates a kernel. A nil config uses the current global config.
func NewKernel(logger Logger, cfg *config.KernelConfig, devices Devices, opts ...Option) *Kernel {
	if cfg == nil {
		cfg = config.Get()
	}
	if logger == nil {
		logger = nopLogger{}
	}

	k := &Kernel{
		config:        cfg,
		logger:        logger,
		devices:       devices,
		table:         newTable(cfg.NProc, cfg.NOFile),
		clock:         newClock(),
		initRef:       NoRef,
		eventHandlers: []KernelEventHandler{},
		haltHandler:   func(err error) { panic(err) },
		halted:        make(chan struct{}),
		startedAt:     time.Now().UTC(),
	}
	for i := 0; i < cfg.NCPU; i++ {
		k.cpus = append(k.cpus, newCPU(i, k.halted))
	}
	for _, opt := range opts {
		opt(k)
	}

	logger.Info("kernel_initialized",
		"nproc", cfg.NProc,
		"ncpu", cfg.NCPU,
		"aging_threshold", cfg.AgingThreshold,
		"shell_prepass", cfg.ShellPrepass,
	)
	return k
}

// Config returns the kernel configuration.
func (k *Kernel) Config() *config.KernelConfig {
	return k.config
}

// Clock returns the kernel clock.
func (k *Kernel) Clock() *Clock {
	return k.clock
}

// NumCPU returns the number of CPUs.
func (k *Kernel) NumCPU() int {
	return len(k.cpus)
}

// =============================================================================
// BOOT AND SHUTDOWN
// =============================================================================

// Boot creates the init process running initProg, starts a scheduler on
// every CPU, and starts the clock. Failing to create init halts the kernel.
func (k *Kernel) Boot(ctx context.Context, initProg Program) error {
	select {
	case <-k.halted:
		return ErrHalted
	default:
	}
	if !k.booted.CompareAndSwap(false, true) {
		return errors.New("kernel already booted")
	}
	if err := k.userInit(initProg); err != nil {
		k.logger.Error("userinit_failed", "error", err.Error())
		k.haltHandler(&InvariantViolation{Op: "userinit", Msg: err.Error()})
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel

	for _, c := range k.cpus {
		k.wg.Add(1)
		SafeGo(k.logger, "scheduler", func() {
			defer k.wg.Done()
			k.scheduler(runCtx, c)
		}, func(recovered any) {
			k.haltHandler(fmt.Errorf("cpu %d: %v", c.ID, recovered))
		})
	}
	k.stopClock = k.StartClock(k.config.TickInterval)

	k.logger.Info("kernel_booted", "cpus", len(k.cpus))
	return nil
}

// Shutdown stops the clock and every CPU. Parked processes are discarded;
// the table must not be used afterwards.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.logger.Info("kernel_shutdown_initiated")

	k.haltOnce.Do(func() {
		if k.cancel != nil {
			k.cancel()
		}
		if k.stopClock != nil {
			k.stopClock()
		}
		close(k.halted)
	})

	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("shutdown cancelled: %w", ctx.Err()))
		k.logger.Warn("shutdown_cancelled", "error", ctx.Err().Error())
	}

	k.logger.Info("kernel_shutdown_completed", "errors", len(errs))
	if len(errs) > 0 {
		return &ShutdownError{Errors: errs}
	}
	return nil
}

// Halted is closed once the kernel has shut down.
func (k *Kernel) Halted() <-chan struct{} {
	return k.halted
}

// =============================================================================
// SYSTEM STATUS
// =============================================================================

// GetSystemStatus returns overall system status.
func (k *Kernel) GetSystemStatus() map[string]any {
	l := k.table.Lock(nil)
	counts := l.stateCounts()
	l.Unlock()

	byState := make(map[string]any, len(counts))
	live := 0
	for state, n := range counts {
		byState[string(state)] = n
		if state.IsLive() {
			live += n
		}
	}

	perCPU, total := k.SyscallCounts()
	cpus := make([]any, len(perCPU))
	for i, n := range perCPU {
		cpus[i] = map[string]any{"id": i, "syscalls": int(n)}
	}

	return map[string]any{
		"processes": map[string]any{
			"total":    live,
			"capacity": k.table.Size(),
			"by_state": byState,
		},
		"cpus":           cpus,
		"ticks":          k.clock.Ticks(),
		"syscalls":       int(total),
		"uptime_seconds": time.Since(k.startedAt).Seconds(),
	}
}
