package kernel

import (
	"fmt"

	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/observability"
)

// Reasons recorded with every queue transfer.
const (
	TransferExplicit = "explicit"
	TransferAging    = "aging"
	TransferPrepass  = "prepass"
	TransferFork     = "fork"
	TransferBoot     = "boot"
)

// Pids 1 and 2 are the init process and the first shell. They always stay
// in round robin.
const (
	initPID  = 1
	shellPID = 2
)

type transferRecord struct {
	pid      int
	from, to QueueType
	reason   string
}

// =============================================================================
// SELECTION
// =============================================================================

// cursor is one CPU's selection state: the round-robin slot it dispatched
// last and the LCFS process it keeps running while that stays runnable.
type cursor struct {
	lastRR   int
	lastLCFS Ref
}

func newCursor(nproc int) cursor {
	return cursor{lastRR: nproc - 1, lastLCFS: NoRef}
}

// pick selects the next process for a CPU: round robin first, then the
// CPU's previous LCFS process if still runnable, then the latest LCFS
// arrival, then the best BJF job. It returns nil when nothing is runnable.
func (l Locked) pick(cur *cursor) *PCB {
	if p := l.roundRobin(cur.lastRR); p != nil {
		cur.lastRR = p.slot
		return p
	}

	p := l.deref(cur.lastLCFS)
	if p == nil || p.state != StateRunnable || p.queue.Queue != QueueLCFS {
		p = l.lcfs()
	}
	if p != nil {
		cur.lastLCFS = p.ref()
		return p
	}
	return l.bestJobFirst()
}

// roundRobin scans circularly from the slot after last and returns the first
// runnable RR process, or nil after coming back around to last.
func (l Locked) roundRobin(last int) *PCB {
	procs := l.slots()
	n := len(procs)
	if last < 0 || last >= n {
		last = n - 1
	}
	i := last
	for {
		i = (i + 1) % n
		p := &procs[i]
		if p.state == StateRunnable && p.queue.Queue == QueueRoundRobin {
			return p
		}
		if i == last {
			return nil
		}
	}
}

// lcfs returns the runnable LCFS process that arrived last. Ties go to the
// lower slot.
func (l Locked) lcfs() *PCB {
	var best *PCB
	latest := -1
	procs := l.slots()
	for i := range procs {
		p := &procs[i]
		if p.state != StateRunnable || p.queue.Queue != QueueLCFS {
			continue
		}
		if p.queue.ArriveLCFSTime > latest {
			latest = p.queue.ArriveLCFSTime
			best = p
		}
	}
	return best
}

// bestJobFirst returns the runnable BJF process of lowest rank. Ties go to
// the lower slot.
func (l Locked) bestJobFirst() *PCB {
	var best *PCB
	var lowest float64
	procs := l.slots()
	for i := range procs {
		p := &procs[i]
		if p.state != StateRunnable || p.queue.Queue != QueueBJF {
			continue
		}
		rank := p.queue.Rank.Rank()
		if best == nil || rank < lowest {
			lowest = rank
			best = p
		}
	}
	return best
}

// =============================================================================
// TRANSFER AND AGING
// =============================================================================

// transfer moves p into q and returns the queue it left. Bootstrap processes
// are forced into RR. Entering LCFS stamps the arrival time.
func (l Locked) transfer(p *PCB, q QueueType, now int) (QueueType, error) {
	if p.pid == initPID || p.pid == shellPID {
		q = QueueRoundRobin
	}
	old := p.queue.Queue
	if old == q {
		return old, ErrUnchanged
	}
	if q == QueueLCFS {
		p.queue.ArriveLCFSTime = now
	}
	p.queue.Queue = q
	return old, nil
}

// age promotes every runnable non-RR process that has not run for more than
// threshold ticks back to RR.
func (l Locked) age(now, threshold int) []transferRecord {
	var moved []transferRecord
	procs := l.slots()
	for i := range procs {
		p := &procs[i]
		if p.state != StateRunnable || p.queue.Queue == QueueRoundRobin {
			continue
		}
		if now-p.queue.LastExecTime <= threshold {
			continue
		}
		if old, err := l.transfer(p, QueueRoundRobin, now); err == nil {
			moved = append(moved, transferRecord{pid: p.pid, from: old, to: QueueRoundRobin, reason: TransferAging})
		}
	}
	return moved
}

// TransferQueue moves pid into q and returns the queue it was in.
func (k *Kernel) TransferQueue(pid int, q QueueType) (QueueType, error) {
	return k.transferQueue(nil, pid, q)
}

func (k *Kernel) transferQueue(c *CPU, pid int, q QueueType) (QueueType, error) {
	if !q.Valid() {
		return QueueUnassigned, fmt.Errorf("%w: %d", ErrInvalidQueue, int(q))
	}
	if pid < 1 {
		return QueueUnassigned, fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}

	l := k.table.Lock(c)
	p := l.find(pid)
	if p == nil {
		l.Unlock()
		return QueueUnassigned, fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	old, err := l.transfer(p, q, k.clock.Ticks())
	to := p.queue.Queue
	l.Unlock()

	if err != nil {
		return old, err
	}
	k.recordTransfers(transferRecord{pid: pid, from: old, to: to, reason: TransferExplicit})
	return old, nil
}

// Age runs one aging sweep at tick now and returns how many processes were
// promoted.
func (k *Kernel) Age(now int) int {
	l := k.table.Lock(nil)
	moved := l.age(now, k.config.AgingThreshold)
	l.Unlock()

	k.recordTransfers(moved...)
	return len(moved)
}

func (k *Kernel) recordTransfers(moves ...transferRecord) {
	for _, m := range moves {
		observability.RecordQueueTransfer(m.from.String(), m.to.String(), m.reason)
		k.logger.Debug("queue_transferred",
			"pid", m.pid,
			"from", m.from.String(),
			"to", m.to.String(),
			"reason", m.reason,
		)
		k.emitEvent(&KernelEvent{
			EventType: KernelEventQueueTransferred,
			PID:       m.pid,
			Data: map[string]any{
				"from":   m.from.String(),
				"to":     m.to.String(),
				"reason": m.reason,
			},
		})
	}
}

// =============================================================================
// RANK PARAMETERS
// =============================================================================

// SetProcessRankParams replaces the rank ratios of pid.
func (k *Kernel) SetProcessRankParams(pid int, ratios RankRatios) error {
	l := k.table.Lock(nil)
	defer l.Unlock()

	p := l.find(pid)
	if p == nil {
		return fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	p.queue.Rank.Ratios = ratios
	return nil
}

// SetSystemRankParams replaces the rank ratios of every slot. Slots claimed
// later start from the defaults again.
func (k *Kernel) SetSystemRankParams(ratios RankRatios) {
	l := k.table.Lock(nil)
	defer l.Unlock()

	procs := l.slots()
	for i := range procs {
		procs[i].queue.Rank.Ratios = ratios
	}
}

// SetProcessPriority sets the BJF priority of pid.
func (k *Kernel) SetProcessPriority(pid, priority int) error {
	l := k.table.Lock(nil)
	defer l.Unlock()

	p := l.find(pid)
	if p == nil {
		return fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	p.queue.Rank.Priority = priority
	return nil
}
