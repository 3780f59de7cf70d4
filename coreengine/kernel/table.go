package kernel

// =============================================================================
// PROCESS TABLE
// =============================================================================

// Table is the fixed arena of process slots and the lock guarding it.
type Table struct {
	lock    SpinLock
	procs   []PCB
	nextPID int
	nofile  int
}

func newTable(nproc, nofile int) *Table {
	t := &Table{
		lock:    SpinLock{name: "ptable"},
		procs:   make([]PCB, nproc),
		nextPID: 1,
		nofile:  nofile,
	}
	for i := range t.procs {
		t.procs[i].slot = i
		t.procs[i].state = StateUnused
		t.procs[i].parent = NoRef
		t.procs[i].queue.Rank.Ratios = DefaultRankRatios()
	}
	return t
}

// Size returns the number of slots.
func (t *Table) Size() int {
	return len(t.procs)
}

// Locked is held only while the table lock is held. Operations that
// require the lock take it as their receiver.
type Locked struct {
	t *Table
}

// Lock acquires the table lock on c.
func (t *Table) Lock(c *CPU) Locked {
	t.lock.Acquire(c)
	return Locked{t: t}
}

// lockOrHalt is Lock for scheduler loops: it fails once halt is closed
// rather than wait on a lock nobody will release.
func (t *Table) lockOrHalt(c *CPU, halt <-chan struct{}) (Locked, bool) {
	if !t.lock.acquireOrHalt(c, halt) {
		return Locked{}, false
	}
	return Locked{t: t}, true
}

// Unlock releases the table lock on whichever CPU holds it. After a context
// switch that is the CPU the caller is now running on.
func (l Locked) Unlock() {
	l.t.lock.Release(l.t.lock.holder())
}

// slots exposes the arena.
func (l Locked) slots() []PCB {
	return l.t.procs
}

// find returns the live process with pid, or nil.
func (l Locked) find(pid int) *PCB {
	if pid < 1 {
		return nil
	}
	for i := range l.t.procs {
		p := &l.t.procs[i]
		if p.state != StateUnused && p.pid == pid {
			return p
		}
	}
	return nil
}

// deref resolves r, or returns nil if its slot has been reused.
func (l Locked) deref(r Ref) *PCB {
	if !r.Valid() || r.Slot < 0 || r.Slot >= len(l.t.procs) {
		return nil
	}
	p := &l.t.procs[r.Slot]
	if p.state == StateUnused || p.pid != r.PID {
		return nil
	}
	return p
}

// claim turns the first unused slot into an embryo with a fresh pid.
func (l Locked) claim(priority int) *PCB {
	for i := range l.t.procs {
		p := &l.t.procs[i]
		if p.state != StateUnused {
			continue
		}
		p.state = StateEmbryo
		p.pid = l.t.nextPID
		l.t.nextPID++
		p.name = ""
		p.parent = NoRef
		p.killed.Store(false)
		p.channel = nil
		p.size = 0
		p.cpu = nil
		p.createdAt = 0
		p.ofile = make([]File, l.t.nofile)
		p.queue = QueueInfo{
			Rank: RankParams{Priority: priority, Ratios: DefaultRankRatios()},
		}
		return p
	}
	return nil
}

// release returns p's slot to the free pool, wiping its identity.
func (l Locked) release(p *PCB) {
	p.pid = 0
	p.parent = NoRef
	p.name = ""
	p.killed.Store(false)
	p.channel = nil
	p.pgdir = nil
	p.kstack = nil
	p.context = nil
	p.tf = nil
	p.ofile = nil
	p.cwd = nil
	p.cpu = nil
	p.state = StateUnused
}

// wakeup makes every process sleeping on ch runnable. Wait channels must be
// comparable values, conventionally pointers.
func (l Locked) wakeup(ch any) int {
	n := 0
	for i := range l.t.procs {
		p := &l.t.procs[i]
		if p.state == StateSleeping && p.channel == ch {
			p.state = StateRunnable
			n++
		}
	}
	return n
}

// info copies p out of the table.
func (l Locked) info(p *PCB) ProcessInfo {
	parentPID := 0
	if parent := l.deref(p.parent); parent != nil {
		parentPID = parent.pid
	}
	cpu := -1
	if p.state == StateRunning && p.cpu != nil {
		cpu = p.cpu.ID
	}
	return ProcessInfo{
		Slot:           p.slot,
		PID:            p.pid,
		ParentPID:      parentPID,
		Name:           p.name,
		State:          p.state,
		Queue:          p.queue.Queue,
		Size:           p.size,
		Killed:         p.killed.Load(),
		CPU:            cpu,
		CreatedAt:      p.createdAt,
		LastExecTime:   p.queue.LastExecTime,
		ArriveLCFSTime: p.queue.ArriveLCFSTime,
		Rank:           p.queue.Rank,
		RankValue:      p.queue.Rank.Rank(),
	}
}

// snapshot copies out every live slot in slot order.
func (l Locked) snapshot() []ProcessInfo {
	out := make([]ProcessInfo, 0, len(l.t.procs))
	for i := range l.t.procs {
		p := &l.t.procs[i]
		if p.state == StateUnused {
			continue
		}
		out = append(out, l.info(p))
	}
	return out
}

// stateCounts tallies slots by state.
func (l Locked) stateCounts() map[ProcState]int {
	counts := make(map[ProcState]int, len(AllStates))
	for _, s := range AllStates {
		counts[s] = 0
	}
	for i := range l.t.procs {
		counts[l.t.procs[i].state]++
	}
	return counts
}
