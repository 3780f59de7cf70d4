package commbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/kernel"
)

// AttachKernel wires k to bus. Kernel events are published asynchronously
// so the kernel never waits for subscribers; an event that finds every
// worker busy is dropped and logged. Process queries and commands are
// registered as bus handlers backed by k.
func AttachKernel(ctx context.Context, k *kernel.Kernel, bus *InMemoryCommBus) error {
	handlers := map[string]HandlerFunc{
		"GetProcess": func(_ context.Context, msg Message) (any, error) {
			q := msg.(*GetProcess)
			info, ok := k.GetProcess(q.PID)
			if !ok {
				return nil, fmt.Errorf("%w: pid %d", kernel.ErrNotFound, q.PID)
			}
			return info, nil
		},
		"ListProcesses": func(context.Context, Message) (any, error) {
			return k.ListProcesses(), nil
		},
		"GetSystemStatus": func(context.Context, Message) (any, error) {
			return k.GetSystemStatus(), nil
		},
		"KillProcess": func(_ context.Context, msg Message) (any, error) {
			return nil, k.Kill(msg.(*KillProcess).PID)
		},
		"TransferProcess": func(_ context.Context, msg Message) (any, error) {
			cmd := msg.(*TransferProcess)
			return k.TransferQueue(cmd.PID, cmd.Queue)
		},
	}
	for messageType, h := range handlers {
		if err := bus.RegisterHandler(messageType, h); err != nil {
			return err
		}
	}

	k.OnEvent(func(e *kernel.KernelEvent) {
		msg := FromKernelEvent(e)
		if msg == nil {
			return
		}
		if err := bus.PublishAsync(ctx, msg); err != nil && !errors.Is(err, ErrClosed) {
			bus.logger.Warn("commbus_event_dropped",
				"type", GetMessageType(msg),
				"event_id", e.EventID,
				"error", err.Error(),
			)
		}
	})
	return nil
}
