package userland

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/machine"
)

type logEntry struct {
	msg    string
	fields map[string]any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) record(msg string, keysAndValues []any) {
	fields := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{msg: msg, fields: fields})
}

func (l *recordingLogger) Debug(msg string, kv ...any) { l.record(msg, kv) }
func (l *recordingLogger) Info(msg string, kv ...any)  { l.record(msg, kv) }
func (l *recordingLogger) Warn(msg string, kv ...any)  { l.record(msg, kv) }
func (l *recordingLogger) Error(msg string, kv ...any) { l.record(msg, kv) }

func (l *recordingLogger) find(msg string) []map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []map[string]any
	for _, e := range l.entries {
		if e.msg == msg {
			out = append(out, e.fields)
		}
	}
	return out
}

func testConfig() *config.KernelConfig {
	cfg := config.DefaultKernelConfig()
	cfg.NProc = 16
	cfg.NCPU = 2
	cfg.Workload = 4
	cfg.TickInterval = time.Millisecond
	cfg.IdleBackoff = 50 * time.Microsecond
	cfg.MemoryPages = 64
	return cfg
}

func boot(t *testing.T, cfg *config.KernelConfig, logger *recordingLogger) *kernel.Kernel {
	t.Helper()
	m, err := machine.New(cfg, nil)
	require.NoError(t, err)
	k := kernel.NewKernel(nil, cfg, kernel.Devices{Memory: m.Memory, Stacks: m.Memory, Files: m.Files})

	programs := New(logger, cfg)
	require.NoError(t, k.Boot(context.Background(), programs.Init))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Shutdown(ctx)
	})
	return k
}

func TestShell_RunsWorkload(t *testing.T) {
	logger := &recordingLogger{}
	cfg := testConfig()
	k := boot(t, cfg, logger)

	require.Eventually(t, func() bool {
		return len(logger.find("workload_completed")) == 1
	}, 10*time.Second, time.Millisecond)

	done := logger.find("workload_completed")[0]
	assert.Equal(t, 4, done["started"])
	assert.Equal(t, 4, done["reaped"])
	assert.Greater(t, done["syscalls"].(uint64), uint64(0))
	assert.Len(t, done["per_cpu"], 2)

	indexes := map[int]bool{}
	for _, f := range logger.find("worker_done") {
		indexes[f["index"].(int)] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true, 3: true}, indexes)

	procs := k.ListProcesses()
	require.Len(t, procs, 2)
	assert.Equal(t, "initcode", procs[0].Name)
	assert.Equal(t, "sh", procs[1].Name)
	assert.Equal(t, 2, procs[1].PID)
	assert.Equal(t, kernel.QueueRoundRobin, procs[1].Queue)
}

func TestInit_RestartsShell(t *testing.T) {
	logger := &recordingLogger{}
	cfg := testConfig()
	cfg.Workload = 1
	k := boot(t, cfg, logger)

	require.Eventually(t, func() bool {
		return len(logger.find("workload_completed")) == 1
	}, 10*time.Second, time.Millisecond)
	first := logger.find("shell_started")[0]["pid"].(int)

	require.NoError(t, k.Kill(first))

	require.Eventually(t, func() bool {
		return len(logger.find("workload_completed")) == 2
	}, 10*time.Second, time.Millisecond)

	exited := logger.find("shell_exited")
	require.Len(t, exited, 1)
	assert.Equal(t, first, exited[0]["pid"])

	started := logger.find("shell_started")
	require.Len(t, started, 2)
	second := started[1]["pid"].(int)
	assert.NotEqual(t, first, second)

	p, ok := k.GetProcess(second)
	require.True(t, ok)
	assert.Equal(t, "sh", p.Name)
}

func TestShell_ForkFailureStopsWorkload(t *testing.T) {
	logger := &recordingLogger{}
	cfg := testConfig()
	cfg.NProc = 4
	boot(t, cfg, logger)

	require.Eventually(t, func() bool {
		return len(logger.find("workload_completed")) == 1
	}, 10*time.Second, time.Millisecond)

	done := logger.find("workload_completed")[0]
	assert.Equal(t, 2, done["started"])
	assert.Equal(t, 2, done["reaped"])

	failed := logger.find("workload_fork_failed")
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0]["index"])
}

func TestNew_Defaults(t *testing.T) {
	config.Reset()
	u := New(nil, nil)

	assert.Equal(t, "sh", u.shellName)
	assert.Equal(t, config.DefaultKernelConfig().Workload, u.workload)
	assert.Equal(t, config.DefaultKernelConfig().PageSize, u.growBy)
	assert.NotNil(t, u.logger)
}
