package grpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/machine"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// TestLogger captures log calls for verification.
type TestLogger struct {
	mu         sync.Mutex
	debugCalls []map[string]any
	infoCalls  []map[string]any
	warnCalls  []map[string]any
	errorCalls []map[string]any
}

func (l *TestLogger) Debug(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugCalls = append(l.debugCalls, toMap(msg, keysAndValues))
}

func (l *TestLogger) Info(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infoCalls = append(l.infoCalls, toMap(msg, keysAndValues))
}

func (l *TestLogger) Warn(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnCalls = append(l.warnCalls, toMap(msg, keysAndValues))
}

func (l *TestLogger) Error(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorCalls = append(l.errorCalls, toMap(msg, keysAndValues))
}

// has reports whether any call at any level logged msg.
func (l *TestLogger) has(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, calls := range [][]map[string]any{l.debugCalls, l.infoCalls, l.warnCalls, l.errorCalls} {
		for _, c := range calls {
			if c["msg"] == msg {
				return true
			}
		}
	}
	return false
}

func toMap(msg string, keysAndValues []any) map[string]any {
	m := map[string]any{"msg": msg}
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			m[key] = keysAndValues[i+1]
		}
	}
	return m
}

// =============================================================================
// KERNEL FIXTURE
// =============================================================================

// idle pauses until killed.
func idle(p *kernel.Proc) {
	for {
		_ = p.Pause(1 << 30)
	}
}

// testInit forks two idle workers (pids 2 and 3) and reaps forever.
func testInit(p *kernel.Proc) {
	for i := 0; i < 2; i++ {
		_, _ = p.ForkNamed("worker", idle)
	}
	for {
		if _, err := p.Wait(); err != nil {
			_ = p.Pause(1 << 30)
		}
	}
}

// startKernel boots a one-CPU kernel running testInit and waits until init
// and both workers are asleep.
func startKernel(t *testing.T) *kernel.Kernel {
	t.Helper()

	cfg := config.DefaultKernelConfig()
	cfg.NProc = 8
	cfg.NCPU = 1
	cfg.ShellPrepass = false
	cfg.TickInterval = time.Hour
	cfg.IdleBackoff = 50 * time.Microsecond
	cfg.MemoryPages = 64

	m, err := machine.New(cfg, nil)
	require.NoError(t, err)
	devices := kernel.Devices{Memory: m.Memory, Stacks: m.Memory, Files: m.Files}

	k := kernel.NewKernel(nil, cfg, devices)
	require.NoError(t, k.Boot(context.Background(), testInit))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Shutdown(ctx)
	})

	require.Eventually(t, func() bool {
		procs := k.ListProcesses()
		if len(procs) != 3 {
			return false
		}
		for _, p := range procs {
			if p.State != kernel.StateSleeping {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)
	return k
}
