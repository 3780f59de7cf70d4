package kernel

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/observability"
)

// =============================================================================
// SCHEDULER
// =============================================================================

// scheduler is the per-CPU dispatch loop. It never returns until ctx is
// cancelled or the kernel halts.
func (k *Kernel) scheduler(ctx context.Context, c *CPU) {
	cur := newCursor(k.table.Size())
	c.proc = nil

	for ctx.Err() == nil {
		if k.config.ShellPrepass && !k.shellPrepass(c) {
			return
		}
		c.sti()

		start := time.Now()
		l, ok := k.table.lockOrHalt(c, k.halted)
		if !ok {
			return
		}
		p := l.pick(&cur)
		observability.ObserveSelect(time.Since(start))

		if p == nil {
			l.Unlock()
			observability.RecordIdle()
			k.idle()
			continue
		}

		k.dispatch(c, p)
		l.Unlock()
	}
}

// dispatch switches c to p and returns once p gives the CPU back. The table
// lock is held on entry and on return.
func (k *Kernel) dispatch(c *CPU, p *PCB) {
	c.proc = p
	p.cpu = c
	c.preempt.Store(false)
	k.devices.Memory.Activate(c.ID, p.pgdir)
	k.setState(p, StateRunning)
	p.queue.LastExecTime = k.clock.Ticks()
	p.queue.Rank.ExecutedCycles += k.config.QuantumWeight
	observability.RecordDispatch(p.queue.Queue.String())

	swtch(c.scheduler, p.context)

	k.devices.Memory.Deactivate(c.ID)
	c.proc = nil
}

func (k *Kernel) idle() {
	if k.config.IdleBackoff > 0 {
		time.Sleep(k.config.IdleBackoff)
		return
	}
	runtime.Gosched()
}

// shellPrepass returns every process other than the shell to round robin
// before each selection. It reports false if the kernel halted first.
func (k *Kernel) shellPrepass(c *CPU) bool {
	now := k.clock.Ticks()
	var moved []transferRecord

	l, ok := k.table.lockOrHalt(c, k.halted)
	if !ok {
		return false
	}
	procs := l.slots()
	for i := range procs {
		p := &procs[i]
		if p.state == StateUnused || p.name == k.config.ShellName {
			continue
		}
		if old, err := l.transfer(p, QueueRoundRobin, now); err == nil {
			moved = append(moved, transferRecord{pid: p.pid, from: old, to: QueueRoundRobin, reason: TransferPrepass})
		}
	}
	l.Unlock()

	k.recordTransfers(moved...)
	return true
}

// =============================================================================
// SWITCHING OUT
// =============================================================================

// sched gives the CPU back to the scheduler. The caller holds only the table
// lock and has already moved p out of the running state.
func (k *Kernel) sched(p *PCB) {
	c := k.checkSched(p)
	intena := c.intena
	swtch(p.context, c.scheduler)
	p.cpu.intena = intena
}

// schedFinal leaves the CPU for good on behalf of an exiting process.
func (k *Kernel) schedFinal(p *PCB) {
	c := k.checkSched(p)
	swtchFinal(c.scheduler)
}

func (k *Kernel) checkSched(p *PCB) *CPU {
	c := p.cpu
	if !k.table.lock.Holding(c) {
		k.panic("sched", "ptable.lock not held")
	}
	if c.ncli != 1 {
		k.panic("sched", "locks")
	}
	if p.state == StateRunning {
		k.panic("sched", "running")
	}
	if c.intrOn {
		k.panic("sched", "interruptible")
	}
	return c
}

// yield gives up the CPU for one scheduling round.
func (k *Kernel) yield(p *PCB) {
	l := k.table.Lock(p.cpu)
	k.setState(p, StateRunnable)
	k.sched(p)
	l.Unlock()
}

// forkret is the first code a process runs. The scheduler that dispatched
// it still holds the table lock.
func (k *Kernel) forkret(p *PCB) func() {
	return func() {
		k.table.lock.Release(p.cpu)
		proc := &Proc{k: k, pcb: p}
		if entry := p.tf.Entry; entry != nil {
			entry(proc)
		}
		proc.Exit()
	}
}

// =============================================================================
// SLEEP AND WAKEUP
// =============================================================================

// sleep atomically releases lk and sleeps on ch, reacquiring lk when woken.
func (k *Kernel) sleep(p *PCB, ch any, lk *SpinLock) {
	if p == nil {
		k.panic("sleep", "no process")
	}
	if lk == nil {
		k.panic("sleep", "sleep without lk")
	}

	tbl := &k.table.lock
	if lk != tbl {
		tbl.Acquire(p.cpu)
		lk.Release(p.cpu)
	}

	p.channel = ch
	k.setState(p, StateSleeping)
	k.sched(p)
	p.channel = nil

	if lk != tbl {
		tbl.Release(p.cpu)
		lk.Acquire(p.cpu)
	}
}

// Wakeup makes every process sleeping on ch runnable.
func (k *Kernel) Wakeup(ch any) {
	k.wakeup(nil, ch)
}

func (k *Kernel) wakeup(c *CPU, ch any) {
	l := k.table.Lock(c)
	l.wakeup(ch)
	l.Unlock()
}

// WakeProcess makes pid runnable and wakes anything sleeping on it. Unused
// and zombie slots are left alone.
func (k *Kernel) WakeProcess(pid int) error {
	l := k.table.Lock(nil)
	defer l.Unlock()

	p := l.find(pid)
	if p == nil {
		return fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	if p.state == StateZombie {
		return nil
	}
	if p.state == StateSleeping {
		k.setState(p, StateRunnable)
	}
	l.wakeup(p)
	return nil
}
