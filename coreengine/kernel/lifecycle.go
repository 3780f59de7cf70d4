package kernel

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/observability"
)

// =============================================================================
// VALID STATE TRANSITIONS
// =============================================================================

var validTransitions = map[ProcState]map[ProcState]bool{
	StateUnused: {
		StateEmbryo: true,
	},
	StateEmbryo: {
		StateRunnable: true,
		StateUnused:   true, // allocation rolled back
	},
	StateRunnable: {
		StateRunning: true,
	},
	StateRunning: {
		StateRunnable: true, // yield
		StateSleeping: true,
		StateZombie:   true,
	},
	StateSleeping: {
		StateRunnable: true,
	},
	StateZombie: {
		StateUnused: true,
	},
}

// IsValidTransition reports whether a slot may move from one state to another.
func IsValidTransition(from, to ProcState) bool {
	return validTransitions[from][to]
}

// setState moves p to s. The table lock must be held.
func (k *Kernel) setState(p *PCB, s ProcState) {
	if !IsValidTransition(p.state, s) {
		k.panic("state", fmt.Sprintf("pid %d: %s -> %s", p.pid, p.state, s))
	}
	p.state = s
}

// =============================================================================
// ALLOCATION
// =============================================================================

// allocate claims a slot and gives it a kernel stack, a context, and an
// empty trap frame. The slot is left an embryo.
func (k *Kernel) allocate(c *CPU) (*PCB, error) {
	l := k.table.Lock(c)
	p := l.claim(k.config.BJFDefaultPriority)
	l.Unlock()
	if p == nil {
		return nil, fmt.Errorf("%w: process table full", ErrResourceExhausted)
	}

	stack, err := k.devices.Stacks.AllocStack()
	if err != nil {
		l := k.table.Lock(c)
		l.release(p)
		l.Unlock()
		return nil, fmt.Errorf("%w: kernel stack: %v", ErrResourceExhausted, err)
	}
	p.kstack = stack
	p.context = newContext(k.forkret(p), k.halted)
	p.tf = &TrapFrame{}
	return p, nil
}

// rollback returns an embryo to the free pool.
func (k *Kernel) rollback(c *CPU, p *PCB) {
	stack := p.kstack
	l := k.table.Lock(c)
	l.release(p)
	l.Unlock()
	k.devices.Stacks.FreeStack(stack)
}

// stamp records the arrival of p at tick now. The table lock must be held.
func stamp(p *PCB, now int) {
	p.createdAt = now / 100
	p.queue.LastExecTime = now
	p.queue.Rank.ArrivalTime = now
	p.queue.Rank.ProcessSize = float64(p.size)
}

// =============================================================================
// CREATION
// =============================================================================

// userInit creates the first process, running prog from a one-page image
// rooted at the file system root.
func (k *Kernel) userInit(prog Program) error {
	p, err := k.allocate(nil)
	if err != nil {
		return err
	}
	as, err := k.devices.Memory.Create(k.config.PageSize)
	if err != nil {
		k.rollback(nil, p)
		return fmt.Errorf("%w: init image: %v", ErrResourceExhausted, err)
	}
	p.tf.Entry = prog
	cwd := k.devices.Files.RootDir()
	now := k.clock.Ticks()

	l := k.table.Lock(nil)
	p.pgdir = as
	p.size = k.config.PageSize
	p.name = "initcode"
	p.cwd = cwd
	stamp(p, now)
	_, _ = l.transfer(p, QueueRoundRobin, now)
	k.setState(p, StateRunnable)
	k.initRef = p.ref()
	pid := p.pid
	l.Unlock()

	observability.RecordFork("ok")
	k.logger.Info("init_created", "pid", pid)
	k.emitEvent(&KernelEvent{
		EventType: KernelEventProcessCreated,
		PID:       pid,
		Data:      map[string]any{"name": "initcode", "parent_pid": 0},
	})
	return nil
}

// fork creates a child of parent running entry. The child shares nothing
// with the parent but duplicated file references, and starts in LCFS.
func (k *Kernel) fork(parent *PCB, name string, entry Program) (int, error) {
	np, err := k.allocate(parent.cpu)
	if err != nil {
		observability.RecordFork("failed")
		k.logger.Warn("fork_failed", "parent_pid", parent.pid, "error", err.Error())
		return -1, err
	}

	as, err := k.devices.Memory.Copy(parent.pgdir, parent.size)
	if err != nil {
		k.rollback(parent.cpu, np)
		observability.RecordFork("failed")
		k.logger.Warn("fork_failed", "parent_pid", parent.pid, "error", err.Error())
		return -1, fmt.Errorf("%w: copy address space: %v", ErrResourceExhausted, err)
	}

	tf := *parent.tf
	tf.Ret = 0
	tf.Entry = entry
	tf.Args = append([]string(nil), parent.tf.Args...)
	*np.tf = tf

	files := make([]File, len(parent.ofile))
	for fd, f := range parent.ofile {
		if f != nil {
			files[fd] = k.devices.Files.Dup(f)
		}
	}
	var cwd Inode
	if parent.cwd != nil {
		cwd = k.devices.Files.DupDir(parent.cwd)
	}
	if name == "" {
		name = parent.name
	}
	now := k.clock.Ticks()

	l := k.table.Lock(parent.cpu)
	np.pgdir = as
	np.size = parent.size
	np.parent = parent.ref()
	np.ofile = files
	np.cwd = cwd
	np.name = name
	stamp(np, now)
	from, _ := l.transfer(np, QueueLCFS, now)
	to := np.queue.Queue
	k.setState(np, StateRunnable)
	pid := np.pid
	l.Unlock()

	observability.RecordFork("ok")
	k.recordTransfers(transferRecord{pid: pid, from: from, to: to, reason: TransferFork})
	k.logger.Debug("process_forked", "pid", pid, "parent_pid", parent.pid, "name", name)
	k.emitEvent(&KernelEvent{
		EventType: KernelEventProcessCreated,
		PID:       pid,
		Data:      map[string]any{"name": name, "parent_pid": parent.pid},
	})
	return pid, nil
}

// =============================================================================
// TERMINATION
// =============================================================================

// exit releases p's files, hands its children to init, and leaves p a
// zombie for its parent to reap. It does not return.
func (k *Kernel) exit(p *PCB) {
	if k.initRef.is(p) {
		k.panic("exit", "init exiting")
	}

	var errs error
	for fd, f := range p.ofile {
		if f != nil {
			errs = multierr.Append(errs, k.devices.Files.Close(f))
			p.ofile[fd] = nil
		}
	}
	if p.cwd != nil {
		errs = multierr.Append(errs, k.devices.Files.ReleaseDir(p.cwd))
		p.cwd = nil
	}
	if errs != nil {
		k.logger.Warn("exit_release_failed",
			"pid", p.pid,
			"errors", len(multierr.Errors(errs)),
			"error", errs.Error(),
		)
	}

	observability.RecordExit()
	k.logger.Debug("process_exited", "pid", p.pid, "name", p.name)
	k.emitEvent(&KernelEvent{
		EventType: KernelEventProcessExited,
		PID:       p.pid,
		Data:      map[string]any{"name": p.name, "killed": p.killed.Load()},
	})

	l := k.table.Lock(p.cpu)

	if parent := l.deref(p.parent); parent != nil {
		l.wakeup(parent)
	}

	initProc := l.deref(k.initRef)
	procs := l.slots()
	for i := range procs {
		q := &procs[i]
		if q.state == StateUnused || !q.parent.is(p) {
			continue
		}
		q.parent = k.initRef
		if q.state == StateZombie && initProc != nil {
			l.wakeup(initProc)
		}
	}

	k.setState(p, StateZombie)
	k.schedFinal(p)
}

// wait reaps one zombie child of p and returns its pid, sleeping until a
// child exits if none has yet.
func (k *Kernel) wait(p *PCB) (int, error) {
	l := k.table.Lock(p.cpu)
	for {
		haveKids := false
		procs := l.slots()
		for i := range procs {
			q := &procs[i]
			if q.state == StateUnused || !q.parent.is(p) {
				continue
			}
			haveKids = true
			if q.state != StateZombie {
				continue
			}

			pid, name := q.pid, q.name
			k.devices.Stacks.FreeStack(q.kstack)
			k.devices.Memory.Destroy(q.pgdir)
			k.setState(q, StateUnused)
			l.release(q)
			l.Unlock()

			observability.RecordReap()
			k.logger.Debug("process_reaped", "pid", pid, "parent_pid", p.pid)
			k.emitEvent(&KernelEvent{
				EventType: KernelEventProcessReaped,
				PID:       pid,
				Data:      map[string]any{"name": name, "parent_pid": p.pid},
			})
			return pid, nil
		}

		if !haveKids || p.killed.Load() {
			l.Unlock()
			return -1, ErrNoChildren
		}

		k.sleep(p, p, &k.table.lock)
	}
}

// Kill marks pid killed. A sleeping target is made runnable so it reaches a
// safe point and exits.
func (k *Kernel) Kill(pid int) error {
	return k.kill(nil, pid)
}

func (k *Kernel) kill(c *CPU, pid int) error {
	l := k.table.Lock(c)
	p := l.find(pid)
	if p == nil {
		l.Unlock()
		return fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	p.killed.Store(true)
	if p.state == StateSleeping {
		k.setState(p, StateRunnable)
	}
	l.Unlock()

	k.logger.Info("process_killed", "pid", pid)
	k.emitEvent(&KernelEvent{EventType: KernelEventProcessKilled, PID: pid})
	return nil
}

// =============================================================================
// MEMORY
// =============================================================================

// growProc changes p's memory by n bytes and returns the previous size.
func (k *Kernel) growProc(p *PCB, n int) (int, error) {
	old := p.size
	size := old
	var err error
	switch {
	case n > 0:
		size, err = k.devices.Memory.Grow(p.pgdir, old, old+n)
	case n < 0:
		size, err = k.devices.Memory.Shrink(p.pgdir, old, old+n)
	}
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}

	l := k.table.Lock(p.cpu)
	p.size = size
	p.queue.Rank.ProcessSize = float64(size)
	l.Unlock()

	k.devices.Memory.Activate(p.cpu.ID, p.pgdir)
	return old, nil
}
