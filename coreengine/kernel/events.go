package kernel

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// KERNEL EVENTS
// =============================================================================

// KernelEventType names a kernel event.
type KernelEventType string

const (
	KernelEventProcessCreated    KernelEventType = "process.created"
	KernelEventProcessExited     KernelEventType = "process.exited"
	KernelEventProcessReaped     KernelEventType = "process.reaped"
	KernelEventProcessKilled     KernelEventType = "process.killed"
	KernelEventQueueTransferred  KernelEventType = "queue.transferred"
	KernelEventInvariantViolated KernelEventType = "invariant.violated"
)

// KernelEvent is emitted after the table lock has been released.
type KernelEvent struct {
	EventID   string          `json:"event_id"`
	EventType KernelEventType `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Tick      int             `json:"tick"`
	PID       int             `json:"pid,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
}

// KernelEventHandler handles kernel events.
type KernelEventHandler func(*KernelEvent)

// OnEvent registers an event handler. Handlers run synchronously on the
// goroutine that raised the event and must not block.
func (k *Kernel) OnEvent(handler KernelEventHandler) {
	k.eventMu.Lock()
	defer k.eventMu.Unlock()
	k.eventHandlers = append(k.eventHandlers, handler)
}

// emitEvent stamps event and hands it to every handler.
func (k *Kernel) emitEvent(event *KernelEvent) {
	k.eventMu.RLock()
	handlers := make([]KernelEventHandler, len(k.eventHandlers))
	copy(handlers, k.eventHandlers)
	k.eventMu.RUnlock()

	if len(handlers) == 0 {
		return
	}
	event.EventID = uuid.NewString()
	event.Timestamp = time.Now().UTC()
	event.Tick = k.clock.Ticks()

	for _, handler := range handlers {
		_ = SafeExecute(k.logger, "event_handler", func() error {
			handler(event)
			return nil
		})
	}
}
