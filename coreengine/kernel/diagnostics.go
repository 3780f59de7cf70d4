package kernel

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/olekukonko/tablewriter"
)

// =============================================================================
// INSPECTION
// =============================================================================

// ListProcesses returns every live process in slot order.
func (k *Kernel) ListProcesses() []ProcessInfo {
	l := k.table.Lock(nil)
	defer l.Unlock()
	return l.snapshot()
}

// GetProcess returns the live process with pid.
func (k *Kernel) GetProcess(pid int) (ProcessInfo, bool) {
	l := k.table.Lock(nil)
	defer l.Unlock()

	p := l.find(pid)
	if p == nil {
		return ProcessInfo{}, false
	}
	return l.info(p), true
}

// UncleCount returns how many siblings the parent of pid has, or -1 when
// pid has no grandparent.
func (k *Kernel) UncleCount(pid int) int {
	l := k.table.Lock(nil)
	defer l.Unlock()

	p := l.find(pid)
	if p == nil {
		return -1
	}
	parent := l.deref(p.parent)
	if parent == nil {
		return -1
	}
	grandparent := l.deref(parent.parent)
	if grandparent == nil {
		return -1
	}

	children := mapset.NewThreadUnsafeSet[int]()
	procs := l.slots()
	for i := range procs {
		q := &procs[i]
		if q.state != StateUnused && q.parent.is(grandparent) {
			children.Add(q.pid)
		}
	}
	return children.Cardinality() - 1
}

// ProcessLifetime returns how many hundreds of ticks pid has existed, or -1
// if no process has that pid.
func (k *Kernel) ProcessLifetime(pid int) int {
	l := k.table.Lock(nil)
	defer l.Unlock()

	p := l.find(pid)
	if p == nil {
		return -1
	}
	return k.clock.Ticks()/100 - p.createdAt
}

// =============================================================================
// DUMPS
// =============================================================================

var dumpHeader = []any{
	"name", "pid", "state", "queue", "cycle", "arrival", "priority",
	"R_prty", "R_arvl", "R_exec", "R_size", "rank",
}

// DumpTable writes one row per live process with its queue and rank.
func (k *Kernel) DumpTable(w io.Writer) error {
	procs := k.ListProcesses()

	table := tablewriter.NewWriter(w)
	table.Header(dumpHeader...)
	for _, p := range procs {
		row := []string{
			p.Name,
			strconv.Itoa(p.PID),
			string(p.State),
			p.Queue.String(),
			formatFloat(p.Rank.ExecutedCycles),
			strconv.Itoa(p.Rank.ArrivalTime),
			strconv.Itoa(p.Rank.Priority),
			formatFloat(p.Rank.Ratios.Priority),
			formatFloat(p.Rank.Ratios.ArrivalTime),
			formatFloat(p.Rank.Ratios.ExecutedCycles),
			formatFloat(p.Rank.Ratios.ProcessSize),
			formatFloat(p.RankValue),
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

// DumpTableString renders DumpTable to a string.
func (k *Kernel) DumpTableString() (string, error) {
	var buf bytes.Buffer
	if err := k.DumpTable(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Procdump returns one "pid state name" line per live process.
func (k *Kernel) Procdump() string {
	var buf bytes.Buffer
	for _, p := range k.ListProcesses() {
		fmt.Fprintf(&buf, "%d %s %s\n", p.PID, p.State, p.Name)
	}
	return buf.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

// =============================================================================
// SYSTEM CALL COUNTERS
// =============================================================================

// SyscallCounts returns the per-CPU and total system call counts.
func (k *Kernel) SyscallCounts() ([]uint64, uint64) {
	perCPU := make([]uint64, len(k.cpus))
	for i, c := range k.cpus {
		perCPU[i] = c.syscalls.Load()
	}
	return perCPU, k.totalSyscalls.Load()
}

// ResetSyscallCounts zeroes every system call counter.
func (k *Kernel) ResetSyscallCounts() {
	for _, c := range k.cpus {
		c.syscalls.Store(0)
	}
	k.totalSyscalls.Store(0)
}
