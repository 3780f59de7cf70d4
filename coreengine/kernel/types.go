// Package kernel implements the process-management and CPU-scheduling core
// of a small multiprocessor teaching kernel.
//
// The process table is a fixed arena of slots guarded by a single spin lock.
// Each simulated CPU runs a scheduler loop on its own goroutine and hands the
// table lock to the process it dispatches; each process runs its Program on
// a goroutine of its own and gives the lock back when it switches out.
//
// Key concepts:
//   - ProcState: slot lifecycle (unused -> embryo -> runnable <-> running -> zombie)
//   - QueueType: one of three ready queues (RR, LCFS, BJF)
//   - RankParams: inputs to the Best-Job-First rank
//   - PCB: the kernel's record for one process
package kernel

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// =============================================================================
// PROCESS STATES
// =============================================================================

// ProcState is the lifecycle state of a process table slot.
//
//	UNUSED -> EMBRYO -> RUNNABLE <-> RUNNING -> ZOMBIE -> UNUSED
//	RUNNING -> SLEEPING -> RUNNABLE
type ProcState string

const (
	// StateUnused marks a free slot.
	StateUnused ProcState = "unused"
	// StateEmbryo marks a slot claimed by fork or userinit but not yet runnable.
	StateEmbryo ProcState = "embryo"
	// StateSleeping marks a process blocked on a wait channel.
	StateSleeping ProcState = "sleeping"
	// StateRunnable marks a process eligible for dispatch.
	StateRunnable ProcState = "runnable"
	// StateRunning marks a process executing on a CPU.
	StateRunning ProcState = "running"
	// StateZombie marks an exited process awaiting reaping by its parent.
	StateZombie ProcState = "zombie"
)

// AllStates lists every state in lifecycle order.
var AllStates = []ProcState{
	StateUnused, StateEmbryo, StateSleeping, StateRunnable, StateRunning, StateZombie,
}

// IsLive reports whether the slot holds a process.
func (s ProcState) IsLive() bool {
	return s != StateUnused
}

// =============================================================================
// QUEUES
// =============================================================================

// QueueType identifies a ready queue. The zero value means unassigned.
type QueueType int

const (
	// QueueUnassigned is the queue of a freshly allocated slot.
	QueueUnassigned QueueType = iota
	// QueueRoundRobin is scanned first, circularly per CPU.
	QueueRoundRobin
	// QueueLCFS dispatches the most recent arrival.
	QueueLCFS
	// QueueBJF dispatches the lowest rank.
	QueueBJF
)

// String renders the queue the way the process dump prints it.
func (q QueueType) String() string {
	switch q {
	case QueueRoundRobin:
		return "RR"
	case QueueLCFS:
		return "LCFS"
	case QueueBJF:
		return "BJF"
	default:
		return "-"
	}
}

// Valid reports whether q names one of the three ready queues.
func (q QueueType) Valid() bool {
	return q >= QueueRoundRobin && q <= QueueBJF
}

// ParseQueueType accepts a queue name ("rr", "lcfs", "bjf") or its number.
func ParseQueueType(s string) (QueueType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rr", "roundrobin", "round_robin", "1":
		return QueueRoundRobin, nil
	case "lcfs", "2":
		return QueueLCFS, nil
	case "bjf", "3":
		return QueueBJF, nil
	}
	return QueueUnassigned, fmt.Errorf("%w: %q", ErrInvalidQueue, s)
}

// =============================================================================
// RANK
// =============================================================================

// RankRatios weights each rank input.
type RankRatios struct {
	Priority       float64 `json:"priority_ratio"`
	ArrivalTime    float64 `json:"arrival_time_ratio"`
	ExecutedCycles float64 `json:"executed_cycle_ratio"`
	ProcessSize    float64 `json:"process_size_ratio"`
}

// DefaultRankRatios weights every input equally.
func DefaultRankRatios() RankRatios {
	return RankRatios{Priority: 1, ArrivalTime: 1, ExecutedCycles: 1, ProcessSize: 1}
}

// RankParams are the Best-Job-First inputs of one process.
type RankParams struct {
	Priority       int        `json:"priority"`
	ArrivalTime    int        `json:"arrival_time"`
	ExecutedCycles float64    `json:"executed_cycle"`
	ProcessSize    float64    `json:"process_size"`
	Ratios         RankRatios `json:"ratios"`
}

// Rank is the weighted sum used by Best-Job-First. Lower runs first.
func (r RankParams) Rank() float64 {
	return float64(r.Priority)*r.Ratios.Priority +
		float64(r.ArrivalTime)*r.Ratios.ArrivalTime +
		r.ExecutedCycles*r.Ratios.ExecutedCycles +
		r.ProcessSize*r.Ratios.ProcessSize
}

// QueueInfo is the scheduling metadata of one process.
type QueueInfo struct {
	Queue          QueueType  `json:"queue"`
	LastExecTime   int        `json:"last_exec_time"`
	ArriveLCFSTime int        `json:"arrive_lcfs_time"`
	Rank           RankParams `json:"rank"`
}

// =============================================================================
// PROCESS CONTROL BLOCK
// =============================================================================

// Ref names a process by slot and pid. A Ref whose slot has since been reused
// by another pid no longer resolves.
type Ref struct {
	Slot int
	PID  int
}

// NoRef is the parent of the first process.
var NoRef = Ref{Slot: -1}

// Valid reports whether r names any process at all.
func (r Ref) Valid() bool {
	return r.PID > 0
}

// TrapFrame is the user-visible register state saved at fork.
type TrapFrame struct {
	// Ret is the value the process sees returned from fork: 0 in the child.
	Ret int
	// Entry is the code the process runs when first dispatched.
	Entry Program
	// Args carries program arguments and is copied into children.
	Args []string
}

// PCB is the kernel's record for one process. Every field other than
// killed is read and written with the table lock held, except where the
// owning process touches its own private resources.
type PCB struct {
	slot   int
	pid    int
	name   string
	state  ProcState
	parent Ref
	killed atomic.Bool

	// channel is the wait channel while sleeping.
	channel any

	size    int
	pgdir   AddressSpace
	kstack  KernelStack
	context *Context
	tf      *TrapFrame
	ofile   []File
	cwd     Inode

	// cpu is the CPU the process last ran on.
	cpu *CPU

	createdAt int
	queue     QueueInfo
}

func (p *PCB) ref() Ref {
	return Ref{Slot: p.slot, PID: p.pid}
}

// is reports whether r names p.
func (r Ref) is(p *PCB) bool {
	return p != nil && r.PID > 0 && r.Slot == p.slot && r.PID == p.pid
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// ProcessInfo is a point-in-time copy of a live slot.
type ProcessInfo struct {
	Slot           int        `json:"slot"`
	PID            int        `json:"pid"`
	ParentPID      int        `json:"parent_pid"`
	Name           string     `json:"name"`
	State          ProcState  `json:"state"`
	Queue          QueueType  `json:"queue"`
	Size           int        `json:"size"`
	Killed         bool       `json:"killed"`
	CPU            int        `json:"cpu"`
	CreatedAt      int        `json:"created_at"`
	LastExecTime   int        `json:"last_exec_time"`
	ArriveLCFSTime int        `json:"arrive_lcfs_time"`
	Rank           RankParams `json:"rank"`
	RankValue      float64    `json:"rank_value"`
}
