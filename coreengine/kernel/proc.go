package kernel

import (
	"fmt"
	"runtime"
)

// Program is the code a process runs. Returning from it exits the process.
// Exit and kill end the process goroutine with runtime.Goexit, so a Program
// must not rely on deferred calls running at a point where it holds kernel
// locks.
type Program func(p *Proc)

// Proc is the system-call interface a running process uses. It is valid
// only on the goroutine running that process.
type Proc struct {
	k   *Kernel
	pcb *PCB
}

// PID returns the process id.
func (p *Proc) PID() int {
	return p.pcb.pid
}

// Name returns the process name.
func (p *Proc) Name() string {
	return p.pcb.name
}

// CPU returns the id of the CPU the process is running on.
func (p *Proc) CPU() int {
	return p.pcb.cpu.ID
}

// TrapFrame returns a copy of the saved user registers.
func (p *Proc) TrapFrame() TrapFrame {
	return *p.pcb.tf
}

// Args returns the program arguments.
func (p *Proc) Args() []string {
	return append([]string(nil), p.pcb.tf.Args...)
}

// SetArgs replaces the program arguments, which children inherit.
func (p *Proc) SetArgs(args ...string) {
	p.pcb.tf.Args = append([]string(nil), args...)
}

// Killed reports whether the process has been marked killed.
func (p *Proc) Killed() bool {
	return p.pcb.killed.Load()
}

// Kernel returns the kernel the process runs on.
func (p *Proc) Kernel() *Kernel {
	return p.k
}

// =============================================================================
// SAFE POINTS
// =============================================================================

// enter accounts a system call.
func (p *Proc) enter() {
	p.haltPoint()
	p.pcb.cpu.syscalls.Add(1)
	p.k.totalSyscalls.Add(1)
}

func (p *Proc) haltPoint() {
	select {
	case <-p.k.halted:
		runtime.Goexit()
	default:
	}
}

// Checkpoint is the return-to-user path. A killed process exits here and a
// process whose time slice has expired yields. Neither happens while the
// process holds a spin lock.
func (p *Proc) Checkpoint() {
	p.haltPoint()
	c := p.pcb.cpu
	if c.ncli != 0 {
		return
	}
	if p.pcb.killed.Load() {
		p.k.exit(p.pcb)
	}
	if c.preempt.Swap(false) {
		p.k.yield(p.pcb)
	}
}

// =============================================================================
// SYSTEM CALLS
// =============================================================================

// Fork creates a child running child and returns its pid.
func (p *Proc) Fork(child Program) (int, error) {
	return p.ForkNamed("", child)
}

// ForkNamed is Fork with a name for the child. An empty name inherits the
// parent's.
func (p *Proc) ForkNamed(name string, child Program) (int, error) {
	p.enter()
	pid, err := p.k.fork(p.pcb, name, child)
	p.Checkpoint()
	return pid, err
}

// Exit terminates the process. It does not return.
func (p *Proc) Exit() {
	p.enter()
	p.k.exit(p.pcb)
}

// Wait reaps a child and returns its pid.
func (p *Proc) Wait() (int, error) {
	p.enter()
	pid, err := p.k.wait(p.pcb)
	p.Checkpoint()
	return pid, err
}

// Kill marks pid killed.
func (p *Proc) Kill(pid int) error {
	p.enter()
	err := p.k.kill(p.pcb.cpu, pid)
	p.Checkpoint()
	return err
}

// Yield gives up the CPU for one scheduling round.
func (p *Proc) Yield() {
	p.enter()
	p.k.yield(p.pcb)
	p.Checkpoint()
}

// Pause sleeps for n clock ticks. It returns ErrKilled if the process is
// killed while waiting.
func (p *Proc) Pause(n int) error {
	p.enter()
	clock := p.k.clock
	clock.lock.Acquire(p.pcb.cpu)
	start := clock.Ticks()
	for clock.Ticks()-start < n {
		if p.pcb.killed.Load() {
			clock.lock.Release(p.pcb.cpu)
			p.Checkpoint()
			return ErrKilled
		}
		p.k.sleep(p.pcb, clock, &clock.lock)
	}
	clock.lock.Release(p.pcb.cpu)
	p.Checkpoint()
	return nil
}

// Sbrk grows or shrinks the process memory by n bytes and returns the old
// size.
func (p *Proc) Sbrk(n int) (int, error) {
	p.enter()
	old, err := p.k.growProc(p.pcb, n)
	p.Checkpoint()
	return old, err
}

// Size returns the process memory size in bytes.
func (p *Proc) Size() int {
	return p.pcb.size
}

// TransferQueue moves pid into q and returns the queue it was in.
func (p *Proc) TransferQueue(pid int, q QueueType) (QueueType, error) {
	p.enter()
	old, err := p.k.transferQueue(p.pcb.cpu, pid, q)
	p.Checkpoint()
	return old, err
}

// =============================================================================
// FILES
// =============================================================================

// Open opens path and returns the lowest free descriptor.
func (p *Proc) Open(path string) (int, error) {
	p.enter()
	defer p.Checkpoint()

	f, err := p.k.devices.Files.Open(path)
	if err != nil {
		return -1, err
	}
	for fd, cur := range p.pcb.ofile {
		if cur == nil {
			p.pcb.ofile[fd] = f
			return fd, nil
		}
	}
	_ = p.k.devices.Files.Close(f)
	return -1, fmt.Errorf("%w: no free descriptor", ErrResourceExhausted)
}

// Close closes descriptor fd.
func (p *Proc) Close(fd int) error {
	p.enter()
	defer p.Checkpoint()

	if fd < 0 || fd >= len(p.pcb.ofile) || p.pcb.ofile[fd] == nil {
		return fmt.Errorf("%w: %d", ErrBadDescriptor, fd)
	}
	f := p.pcb.ofile[fd]
	p.pcb.ofile[fd] = nil
	return p.k.devices.Files.Close(f)
}

// =============================================================================
// SYNCHRONIZATION
// =============================================================================

// Acquire takes lk on the process's CPU.
func (p *Proc) Acquire(lk *SpinLock) {
	lk.Acquire(p.pcb.cpu)
}

// Release releases lk on the process's CPU.
func (p *Proc) Release(lk *SpinLock) {
	lk.Release(p.pcb.cpu)
}

// Holding reports whether the process's CPU holds lk.
func (p *Proc) Holding(lk *SpinLock) bool {
	return lk.Holding(p.pcb.cpu)
}

// Sleep atomically releases lk and sleeps on ch. It reacquires lk before
// returning. The caller must hold lk.
func (p *Proc) Sleep(ch any, lk *SpinLock) {
	p.k.sleep(p.pcb, ch, lk)
}

// Wakeup makes every process sleeping on ch runnable.
func (p *Proc) Wakeup(ch any) {
	p.k.wakeup(p.pcb.cpu, ch)
}
