// Package userland holds the programs the kernel boots: init, the shell,
// and the demo workload the shell runs.
package userland

import (
	"errors"
	"strconv"

	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/machine"
)

// restartDelay is how many ticks init waits before retrying a failed fork.
const restartDelay = 100

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Programs builds init, the shell, and the workers from one configuration.
type Programs struct {
	logger    kernel.Logger
	shellName string
	workload  int
	growBy    int
}

// New creates the programs for cfg. A nil cfg uses the current global
// config.
func New(logger kernel.Logger, cfg *config.KernelConfig) *Programs {
	if cfg == nil {
		cfg = config.Get()
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Programs{
		logger:    logger,
		shellName: cfg.ShellName,
		workload:  cfg.Workload,
		growBy:    cfg.PageSize,
	}
}

// Init starts the shell and reaps orphans forever. A shell that exits is
// started again.
func (u *Programs) Init(p *kernel.Proc) {
	for {
		shellPID, err := p.ForkNamed(u.shellName, u.Shell)
		if err != nil {
			u.logger.Warn("init_fork_shell_failed", "error", err.Error())
			_ = p.Pause(restartDelay)
			continue
		}
		u.logger.Info("shell_started", "pid", shellPID, "name", u.shellName)

		for {
			pid, err := p.Wait()
			if err != nil {
				break
			}
			if pid == shellPID {
				u.logger.Info("shell_exited", "pid", pid)
				break
			}
			u.logger.Debug("orphan_reaped", "pid", pid)
		}
	}
}

// Shell forks the configured number of workers, reaps all of them, reports
// the system call counters, and then waits to be killed.
func (u *Programs) Shell(p *kernel.Proc) {
	started := 0
	for i := 0; i < u.workload; i++ {
		p.SetArgs("worker", strconv.Itoa(i))
		if _, err := p.ForkNamed("worker", u.Worker); err != nil {
			u.logger.Warn("workload_fork_failed", "index", i, "error", err.Error())
			break
		}
		started++
	}
	p.SetArgs()

	reaped := 0
	for {
		if _, err := p.Wait(); err != nil {
			break
		}
		reaped++
	}

	perCPU, total := p.Kernel().SyscallCounts()
	u.logger.Info("workload_completed",
		"started", started,
		"reaped", reaped,
		"syscalls", total,
		"per_cpu", perCPU,
	)

	for {
		if err := p.Pause(1 << 30); errors.Is(err, kernel.ErrKilled) {
			return
		}
	}
}

// Worker touches the console, grows its memory by a page, gives up the CPU
// once, and exits.
func (u *Programs) Worker(p *kernel.Proc) {
	index := -1
	if args := p.Args(); len(args) == 2 {
		index, _ = strconv.Atoi(args[1])
	}

	fd, err := p.Open(machine.ConsolePath)
	if err != nil {
		u.logger.Warn("worker_open_failed", "pid", p.PID(), "index", index, "error", err.Error())
		p.Exit()
	}
	if _, err := p.Sbrk(u.growBy); err != nil {
		u.logger.Warn("worker_sbrk_failed", "pid", p.PID(), "index", index, "error", err.Error())
	}
	p.Yield()
	_ = p.Close(fd)

	u.logger.Debug("worker_done", "pid", p.PID(), "index", index, "cpu", p.CPU())
}
