package kernel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// =============================================================================
// CPU
// =============================================================================

// CPU is the per-processor state. Its interrupt bookkeeping is touched only
// by the goroutine currently executing on it: the scheduler loop, or the
// process the scheduler handed the CPU to.
type CPU struct {
	ID int

	// proc is the process running here, or nil. Guarded by the table lock.
	proc *PCB
	// scheduler is the context of this CPU's scheduler loop.
	scheduler *Context

	ncli   int
	intena bool
	intrOn bool

	// preempt is raised by the clock and consumed at the next safe point.
	preempt  atomic.Bool
	syscalls atomic.Uint64
}

func newCPU(id int, halt <-chan struct{}) *CPU {
	return &CPU{
		ID:        id,
		scheduler: &Context{wake: make(chan struct{}, 1), halt: halt, started: true},
	}
}

// pushcli disables interrupts, remembering whether they were on before the
// outermost push.
func (c *CPU) pushcli() {
	old := c.intrOn
	c.intrOn = false
	if c.ncli == 0 {
		c.intena = old
	}
	c.ncli++
}

func (c *CPU) popcli() {
	if c.intrOn {
		panic(&InvariantViolation{Op: "popcli", Msg: "interruptible"})
	}
	c.ncli--
	if c.ncli < 0 {
		panic(&InvariantViolation{Op: "popcli", Msg: "unbalanced"})
	}
	if c.ncli == 0 && c.intena {
		c.intrOn = true
	}
}

// sti enables interrupts.
func (c *CPU) sti() {
	c.intrOn = true
}

// =============================================================================
// SPIN LOCK
// =============================================================================

// SpinLock is a mutual exclusion lock that records the CPU holding it and
// disables that CPU's interrupts while held. A lock acquired on one goroutine
// may be released on another; the table lock crosses every context switch
// that way. A nil CPU acquires on behalf of code outside any CPU.
type SpinLock struct {
	name   string
	mu     sync.Mutex
	locked atomic.Bool
	cpu    atomic.Pointer[CPU]
}

// NewSpinLock creates an unlocked lock.
func NewSpinLock(name string) *SpinLock {
	return &SpinLock{name: name}
}

// Name returns the lock's debug name.
func (lk *SpinLock) Name() string {
	return lk.name
}

// Acquire blocks until the lock is held by c.
func (lk *SpinLock) Acquire(c *CPU) {
	if c != nil {
		c.pushcli()
		if lk.Holding(c) {
			panic(&InvariantViolation{Op: "acquire", Msg: lk.name})
		}
	}
	lk.mu.Lock()
	lk.cpu.Store(c)
	lk.locked.Store(true)
}

// acquireOrHalt spins until the lock is held by c, giving up once halt is
// closed. A halted kernel may have ended the goroutine holding the lock.
func (lk *SpinLock) acquireOrHalt(c *CPU, halt <-chan struct{}) bool {
	if c != nil {
		c.pushcli()
		if lk.Holding(c) {
			panic(&InvariantViolation{Op: "acquire", Msg: lk.name})
		}
	}
	for !lk.mu.TryLock() {
		select {
		case <-halt:
			if c != nil {
				c.popcli()
			}
			return false
		default:
			runtime.Gosched()
		}
	}
	lk.cpu.Store(c)
	lk.locked.Store(true)
	return true
}

// Release releases a lock held by c.
func (lk *SpinLock) Release(c *CPU) {
	if !lk.Holding(c) {
		panic(&InvariantViolation{Op: "release", Msg: lk.name})
	}
	lk.locked.Store(false)
	lk.cpu.Store(nil)
	lk.mu.Unlock()
	if c != nil {
		c.popcli()
	}
}

// Holding reports whether c holds the lock.
func (lk *SpinLock) Holding(c *CPU) bool {
	return lk.locked.Load() && lk.cpu.Load() == c
}

// holder returns the CPU holding the lock.
func (lk *SpinLock) holder() *CPU {
	return lk.cpu.Load()
}

// =============================================================================
// CONTEXT SWITCH
// =============================================================================

// Context is a parked thread of kernel execution: a CPU's scheduler loop or
// a process. Resuming a context that has never run starts its goroutine.
type Context struct {
	wake    chan struct{}
	halt    <-chan struct{}
	entry   func()
	started bool
}

func newContext(entry func(), halt <-chan struct{}) *Context {
	return &Context{wake: make(chan struct{}, 1), halt: halt, entry: entry}
}

func (ctx *Context) resume() {
	if !ctx.started {
		ctx.started = true
		go ctx.entry()
		return
	}
	ctx.wake <- struct{}{}
}

// park blocks until the context is resumed. After a halt it ends the
// goroutine instead, unless a resume is already pending: a resumed context
// may have been handed the table lock and must run on to release it.
func (ctx *Context) park() {
	select {
	case <-ctx.wake:
		return
	default:
	}
	select {
	case <-ctx.wake:
	case <-ctx.halt:
		select {
		case <-ctx.wake:
			return
		default:
		}
		runtime.Goexit()
	}
}

// swtch resumes to and parks the caller in from until it is resumed.
func swtch(from, to *Context) {
	to.resume()
	from.park()
}

// swtchFinal resumes to and ends the calling goroutine.
func swtchFinal(to *Context) {
	to.resume()
	runtime.Goexit()
}
