package commbus

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

// eventLog collects bus events by type.
type eventLog struct {
	mu     sync.Mutex
	events map[string][]Message
}

func (l *eventLog) handler(ctx context.Context, msg Message) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[GetMessageType(msg)] = append(l.events[GetMessageType(msg)], msg)
	return nil, nil
}

func (l *eventLog) get(messageType string) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.events[messageType]...)
}

func idle(p *kernel.Proc) {
	for {
		_ = p.Pause(1 << 30)
	}
}

func workerInit(p *kernel.Proc) {
	for i := 0; i < 2; i++ {
		_, _ = p.ForkNamed("worker", idle)
	}
	for {
		if _, err := p.Wait(); err != nil {
			_ = p.Pause(1 << 30)
		}
	}
}

// attachedKernel boots a one-CPU kernel wired to a fresh bus and records
// every kernel event the bus carries.
func attachedKernel(t *testing.T) (*kernel.Kernel, *InMemoryCommBus, *eventLog) {
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
	k := kernel.NewKernel(nil, cfg, kernel.Devices{Memory: m.Memory, Stacks: m.Memory, Files: m.Files})

	bus := newBus(t, 5*time.Second, 8)
	log := &eventLog{events: map[string][]Message{}}
	for _, eventType := range []string{
		"ProcessCreated", "ProcessExited", "ProcessReaped", "ProcessKilled", "QueueTransferred",
	} {
		bus.Subscribe(eventType, log.handler)
	}
	require.NoError(t, AttachKernel(context.Background(), k, bus))

	require.NoError(t, k.Boot(context.Background(), workerInit))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Shutdown(ctx)
	})
	return k, bus, log
}

func TestAttachKernel_PublishesLifecycleEvents(t *testing.T) {
	k, bus, log := attachedKernel(t)

	require.Eventually(t, func() bool {
		return len(log.get("ProcessCreated")) == 3
	}, 5*time.Second, time.Millisecond)

	names := map[int]string{}
	for _, msg := range log.get("ProcessCreated") {
		e := msg.(*ProcessCreated)
		names[e.PID] = e.Name
		assert.NotEmpty(t, e.EventID)
	}
	assert.Equal(t, map[int]string{1: "initcode", 2: "worker", 3: "worker"}, names)

	require.NoError(t, bus.Send(context.Background(), &KillProcess{PID: 3}))

	require.Eventually(t, func() bool {
		return len(log.get("ProcessReaped")) == 1
	}, 5*time.Second, time.Millisecond)

	killed := log.get("ProcessKilled")
	require.Len(t, killed, 1)
	assert.Equal(t, 3, killed[0].(*ProcessKilled).PID)

	exited := log.get("ProcessExited")
	require.Len(t, exited, 1)
	assert.True(t, exited[0].(*ProcessExited).Killed)

	reaped := log.get("ProcessReaped")[0].(*ProcessReaped)
	assert.Equal(t, 3, reaped.PID)
	assert.Equal(t, 1, reaped.ParentPID)

	_, ok := k.GetProcess(3)
	assert.False(t, ok)
}

func TestAttachKernel_Queries(t *testing.T) {
	_, bus, log := attachedKernel(t)
	require.Eventually(t, func() bool {
		return len(log.get("ProcessCreated")) == 3
	}, 5*time.Second, time.Millisecond)
	ctx := context.Background()

	result, err := bus.QuerySync(ctx, &GetProcess{PID: 2})
	require.NoError(t, err)
	info := result.(kernel.ProcessInfo)
	assert.Equal(t, "worker", info.Name)
	assert.Equal(t, 1, info.ParentPID)

	_, err = bus.QuerySync(ctx, &GetProcess{PID: 42})
	assert.ErrorIs(t, err, kernel.ErrNotFound)

	result, err = bus.QuerySync(ctx, &ListProcesses{})
	require.NoError(t, err)
	assert.Len(t, result.([]kernel.ProcessInfo), 3)

	result, err = bus.QuerySync(ctx, &GetSystemStatus{})
	require.NoError(t, err)
	status := result.(map[string]any)
	assert.Equal(t, 8, status["processes"].(map[string]any)["capacity"])
}

func TestAttachKernel_TransferCommand(t *testing.T) {
	k, bus, log := attachedKernel(t)
	require.Eventually(t, func() bool {
		return len(log.get("ProcessCreated")) == 3
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, bus.Send(context.Background(), &TransferProcess{PID: 3, Queue: kernel.QueueBJF}))

	info, ok := k.GetProcess(3)
	require.True(t, ok)
	assert.Equal(t, kernel.QueueBJF, info.Queue)

	require.Eventually(t, func() bool {
		for _, msg := range log.get("QueueTransferred") {
			e := msg.(*QueueTransferred)
			if e.PID == 3 && e.To == "BJF" {
				return e.From == "LCFS" && e.Reason == kernel.TransferExplicit
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)

	err := bus.Send(context.Background(), &TransferProcess{PID: 3, Queue: kernel.QueueBJF})
	assert.ErrorIs(t, err, kernel.ErrUnchanged)
}

func TestAttachKernel_TransferQuery(t *testing.T) {
	k, bus, _ := attachedKernel(t)
	require.Eventually(t, func() bool {
		_, ok := k.GetProcess(3)
		return ok
	}, 5*time.Second, time.Millisecond)

	old, err := bus.QuerySync(context.Background(), &TransferProcess{PID: 3, Queue: kernel.QueueRoundRobin})
	require.NoError(t, err)
	assert.Equal(t, kernel.QueueLCFS, old)

	_, err = bus.QuerySync(context.Background(), &TransferProcess{PID: 42, Queue: kernel.QueueBJF})
	assert.ErrorIs(t, err, kernel.ErrNotFound)
}

func TestAttachKernel_DuplicateAttach(t *testing.T) {
	k, bus, _ := attachedKernel(t)

	err := AttachKernel(context.Background(), k, bus)

	var alreadyRegisteredErr *HandlerAlreadyRegisteredError
	assert.ErrorAs(t, err, &alreadyRegisteredErr)
}
