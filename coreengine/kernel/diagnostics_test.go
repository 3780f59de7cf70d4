package kernel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spawn claims a slot directly in the table, bypassing fork.
func spawn(k *Kernel, name string, parent *PCB, state ProcState, q QueueType) *PCB {
	l := k.table.Lock(nil)
	defer l.Unlock()
	p := l.claim(k.config.BJFDefaultPriority)
	p.name = name
	if parent != nil {
		p.parent = parent.ref()
	}
	p.state = state
	p.queue.Queue = q
	return p
}

func TestUncleCount(t *testing.T) {
	k := NewKernel(nil, testConfig(), testDevices(t))
	grandparent := spawn(k, "init", nil, StateSleeping, QueueRoundRobin)
	parent := spawn(k, "sh", grandparent, StateSleeping, QueueRoundRobin)
	spawn(k, "uncle1", grandparent, StateRunnable, QueueLCFS)
	spawn(k, "uncle2", grandparent, StateZombie, QueueLCFS)
	child := spawn(k, "child", parent, StateRunnable, QueueLCFS)
	only := spawn(k, "only", child, StateRunnable, QueueLCFS)

	tests := []struct {
		name string
		pid  int
		want int
	}{
		{"two uncles", child.pid, 2},
		{"no uncles", only.pid, 0},
		{"no grandparent", parent.pid, -1},
		{"no parent", grandparent.pid, -1},
		{"unknown pid", 99, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, k.UncleCount(tt.pid))
		})
	}
}

func TestUncleCount_StaleParent(t *testing.T) {
	k := NewKernel(nil, testConfig(), testDevices(t))
	grandparent := spawn(k, "gp", nil, StateSleeping, QueueRoundRobin)
	parent := spawn(k, "p", grandparent, StateSleeping, QueueRoundRobin)
	child := spawn(k, "c", parent, StateRunnable, QueueLCFS)

	l := k.table.Lock(nil)
	l.release(grandparent)
	l.Unlock()

	assert.Equal(t, -1, k.UncleCount(child.pid))
}

func TestProcessLifetime(t *testing.T) {
	k := NewKernel(nil, testConfig(), testDevices(t))
	p := spawn(k, "a", nil, StateRunnable, QueueLCFS)

	l := k.table.Lock(nil)
	stamp(p, 250)
	l.Unlock()
	k.clock.ticks.Store(780)

	assert.Equal(t, 7-2, k.ProcessLifetime(p.pid))
	assert.Equal(t, -1, k.ProcessLifetime(99))
	assert.Equal(t, -1, k.ProcessLifetime(0))
}

func TestDumpTable(t *testing.T) {
	k := NewKernel(nil, testConfig(), testDevices(t))
	spawn(k, "initcode", nil, StateSleeping, QueueRoundRobin)
	w := spawn(k, "worker", nil, StateRunnable, QueueBJF)
	require.NoError(t, k.SetProcessPriority(w.pid, 4))

	out, err := k.DumpTableString()
	require.NoError(t, err)

	upper := strings.ToUpper(out)
	for _, col := range []string{"NAME", "PID", "STATE", "QUEUE", "RANK"} {
		assert.Contains(t, upper, col)
	}
	assert.Contains(t, out, "initcode")
	assert.Contains(t, out, "worker")
	assert.Contains(t, out, "BJF")
	assert.Contains(t, out, "RR")
	assert.Contains(t, out, "4.0", "rank of the worker")

	lines := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "initcode") || strings.Contains(line, "worker") {
			lines++
		}
	}
	assert.Equal(t, 2, lines)
}

func TestProcdump(t *testing.T) {
	k := NewKernel(nil, testConfig(), testDevices(t))
	spawn(k, "initcode", nil, StateSleeping, QueueRoundRobin)
	spawn(k, "sh", nil, StateRunnable, QueueRoundRobin)

	assert.Equal(t, "1 sleeping initcode\n2 runnable sh\n", k.Procdump())
}

func TestListProcesses(t *testing.T) {
	k := NewKernel(nil, testConfig(), testDevices(t))
	parent := spawn(k, "a", nil, StateSleeping, QueueRoundRobin)
	spawn(k, "b", parent, StateRunnable, QueueLCFS)

	procs := k.ListProcesses()
	require.Len(t, procs, 2)
	assert.Equal(t, 0, procs[0].Slot)
	assert.Equal(t, "b", procs[1].Name)
	assert.Equal(t, parent.pid, procs[1].ParentPID)
	assert.Equal(t, -1, procs[1].CPU)

	_, ok := k.GetProcess(3)
	assert.False(t, ok)
}

func TestWakeProcess(t *testing.T) {
	k := NewKernel(nil, testConfig(), testDevices(t))
	sleeper := spawn(k, "sleeper", nil, StateSleeping, QueueLCFS)
	waiter := spawn(k, "waiter", nil, StateSleeping, QueueLCFS)
	zombie := spawn(k, "zombie", nil, StateZombie, QueueLCFS)

	l := k.table.Lock(nil)
	sleeper.channel = "disk"
	waiter.channel = sleeper
	l.Unlock()

	require.NoError(t, k.WakeProcess(sleeper.pid))
	info, _ := k.GetProcess(sleeper.pid)
	assert.Equal(t, StateRunnable, info.State)
	info, _ = k.GetProcess(waiter.pid)
	assert.Equal(t, StateRunnable, info.State, "sleepers on the process are woken too")

	require.NoError(t, k.WakeProcess(zombie.pid))
	info, _ = k.GetProcess(zombie.pid)
	assert.Equal(t, StateZombie, info.State)

	assert.ErrorIs(t, k.WakeProcess(99), ErrNotFound)
}

func TestKill_MarksAndWakes(t *testing.T) {
	k := NewKernel(nil, testConfig(), testDevices(t))
	sleeper := spawn(k, "sleeper", nil, StateSleeping, QueueLCFS)
	runnable := spawn(k, "runnable", nil, StateRunnable, QueueBJF)

	require.NoError(t, k.Kill(sleeper.pid))
	require.NoError(t, k.Kill(runnable.pid))

	info, _ := k.GetProcess(sleeper.pid)
	assert.True(t, info.Killed)
	assert.Equal(t, StateRunnable, info.State)

	info, _ = k.GetProcess(runnable.pid)
	assert.True(t, info.Killed)
	assert.Equal(t, StateRunnable, info.State)
}

func TestSyscallCounts_Reset(t *testing.T) {
	cfg := testConfig()
	cfg.NCPU = 3
	k := NewKernel(nil, cfg, testDevices(t))
	k.cpus[0].syscalls.Add(4)
	k.cpus[2].syscalls.Add(1)
	k.totalSyscalls.Add(5)

	perCPU, total := k.SyscallCounts()
	assert.Equal(t, []uint64{4, 0, 1}, perCPU)
	assert.Equal(t, uint64(5), total)

	k.ResetSyscallCounts()
	perCPU, total = k.SyscallCounts()
	assert.Equal(t, []uint64{0, 0, 0}, perCPU)
	assert.Zero(t, total)
}
