package commbus

import (
	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/kernel"
)

// =============================================================================
// MESSAGE CATEGORIES
// =============================================================================

// MessageCategory is the routing category of a message.
type MessageCategory string

const (
	MessageCategoryEvent   MessageCategory = "event"
	MessageCategoryQuery   MessageCategory = "query"
	MessageCategoryCommand MessageCategory = "command"
)

// =============================================================================
// PROCESS LIFECYCLE EVENTS
// =============================================================================

// EventMeta carries the fields every kernel event has.
type EventMeta struct {
	EventID string `json:"event_id"`
	Tick    int    `json:"tick"`
}

// ProcessCreated is published when init is created or a process forks.
type ProcessCreated struct {
	EventMeta
	PID       int    `json:"pid"`
	ParentPID int    `json:"parent_pid"`
	Name      string `json:"name"`
}

func (m *ProcessCreated) Category() string { return string(MessageCategoryEvent) }

// ProcessExited is published when a process becomes a zombie.
type ProcessExited struct {
	EventMeta
	PID    int    `json:"pid"`
	Name   string `json:"name"`
	Killed bool   `json:"killed"`
}

func (m *ProcessExited) Category() string { return string(MessageCategoryEvent) }

// ProcessReaped is published when a parent collects a zombie child.
type ProcessReaped struct {
	EventMeta
	PID       int    `json:"pid"`
	ParentPID int    `json:"parent_pid"`
	Name      string `json:"name"`
}

func (m *ProcessReaped) Category() string { return string(MessageCategoryEvent) }

// ProcessKilled is published when a process is marked killed.
type ProcessKilled struct {
	EventMeta
	PID int `json:"pid"`
}

func (m *ProcessKilled) Category() string { return string(MessageCategoryEvent) }

// QueueTransferred is published when a process changes scheduling queue.
type QueueTransferred struct {
	EventMeta
	PID    int    `json:"pid"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

func (m *QueueTransferred) Category() string { return string(MessageCategoryEvent) }

// InvariantViolated is published just before the kernel halts.
type InvariantViolated struct {
	EventMeta
	Op  string `json:"op"`
	Msg string `json:"msg"`
}

func (m *InvariantViolated) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// PROCESS QUERIES
// =============================================================================

// GetProcess asks for one live process. The response is a
// kernel.ProcessInfo.
type GetProcess struct {
	PID int `json:"pid"`
}

func (m *GetProcess) Category() string { return string(MessageCategoryQuery) }
func (m *GetProcess) IsQuery()         {}

// ListProcesses asks for every live process. The response is a
// []kernel.ProcessInfo.
type ListProcesses struct{}

func (m *ListProcesses) Category() string { return string(MessageCategoryQuery) }
func (m *ListProcesses) IsQuery()         {}

// GetSystemStatus asks for the kernel status map.
type GetSystemStatus struct{}

func (m *GetSystemStatus) Category() string { return string(MessageCategoryQuery) }
func (m *GetSystemStatus) IsQuery()         {}

// =============================================================================
// PROCESS COMMANDS
// =============================================================================

// KillProcess marks a process killed.
type KillProcess struct {
	PID int `json:"pid"`
}

func (m *KillProcess) Category() string { return string(MessageCategoryCommand) }

// TransferProcess moves a process to another queue. Sent as a query, the
// answer is the kernel.QueueType the process left.
type TransferProcess struct {
	PID   int              `json:"pid"`
	Queue kernel.QueueType `json:"queue"`
}

func (m *TransferProcess) Category() string { return string(MessageCategoryCommand) }
func (m *TransferProcess) IsQuery()         {}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// TypedMessage is implemented by messages that name their own type.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the routing name of msg.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *ProcessCreated:
		return "ProcessCreated"
	case *ProcessExited:
		return "ProcessExited"
	case *ProcessReaped:
		return "ProcessReaped"
	case *ProcessKilled:
		return "ProcessKilled"
	case *QueueTransferred:
		return "QueueTransferred"
	case *InvariantViolated:
		return "InvariantViolated"
	case *GetProcess:
		return "GetProcess"
	case *ListProcesses:
		return "ListProcesses"
	case *GetSystemStatus:
		return "GetSystemStatus"
	case *KillProcess:
		return "KillProcess"
	case *TransferProcess:
		return "TransferProcess"
	default:
		return "Unknown"
	}
}

// FromKernelEvent converts a kernel event to its bus message. It returns
// nil for event types the bus does not carry.
func FromKernelEvent(e *kernel.KernelEvent) Message {
	meta := EventMeta{EventID: e.EventID, Tick: e.Tick}
	switch e.EventType {
	case kernel.KernelEventProcessCreated:
		return &ProcessCreated{
			EventMeta: meta,
			PID:       e.PID,
			ParentPID: dataInt(e.Data, "parent_pid"),
			Name:      dataString(e.Data, "name"),
		}
	case kernel.KernelEventProcessExited:
		killed, _ := e.Data["killed"].(bool)
		return &ProcessExited{
			EventMeta: meta,
			PID:       e.PID,
			Name:      dataString(e.Data, "name"),
			Killed:    killed,
		}
	case kernel.KernelEventProcessReaped:
		return &ProcessReaped{
			EventMeta: meta,
			PID:       e.PID,
			ParentPID: dataInt(e.Data, "parent_pid"),
			Name:      dataString(e.Data, "name"),
		}
	case kernel.KernelEventProcessKilled:
		return &ProcessKilled{EventMeta: meta, PID: e.PID}
	case kernel.KernelEventQueueTransferred:
		return &QueueTransferred{
			EventMeta: meta,
			PID:       e.PID,
			From:      dataString(e.Data, "from"),
			To:        dataString(e.Data, "to"),
			Reason:    dataString(e.Data, "reason"),
		}
	case kernel.KernelEventInvariantViolated:
		return &InvariantViolated{
			EventMeta: meta,
			Op:        dataString(e.Data, "op"),
			Msg:       dataString(e.Data, "msg"),
		}
	default:
		return nil
	}
}

func dataString(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func dataInt(data map[string]any, key string) int {
	n, _ := data[key].(int)
	return n
}
