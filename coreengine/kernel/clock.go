package kernel

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/observability"
)

// Clock counts timer ticks. Processes pausing for a number of ticks sleep on
// the clock with its lock.
type Clock struct {
	ticks atomic.Int64
	lock  SpinLock
}

func newClock() *Clock {
	return &Clock{lock: SpinLock{name: "time"}}
}

// Ticks returns the current tick.
func (c *Clock) Ticks() int {
	return int(c.ticks.Load())
}

// Tick advances the clock by one and wakes processes pausing on it.
func (k *Kernel) Tick() int {
	k.clock.lock.Acquire(nil)
	now := int(k.clock.ticks.Add(1))
	k.Wakeup(k.clock)
	k.clock.lock.Release(nil)
	return now
}

// StartClock starts the timer interrupt. Every interval it advances the
// clock, runs an aging sweep, and asks each CPU to preempt its current
// process at the next safe point. Returns a stop function.
func (k *Kernel) StartClock(interval time.Duration) func() {
	if interval <= 0 {
		interval = k.config.TickInterval
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	SafeGo(k.logger, "clock", func() {
		for {
			select {
			case <-ticker.C:
				if !k.runTickCycle() {
					ticker.Stop()
					return
				}
			case <-done:
				ticker.Stop()
				return
			case <-k.halted:
				ticker.Stop()
				return
			}
		}
	}, func(recovered any) {
		k.haltHandler(fmt.Errorf("clock: %v", recovered))
	})

	return func() { close(done) }
}

// runTickCycle performs a single timer interrupt. It reports false once the
// clock must stop.
func (k *Kernel) runTickCycle() bool {
	return k.guardTick(k.tick)
}

// guardTick runs fn, logging and surviving ordinary panics. An invariant
// violation goes to the halt handler and stops the clock.
func (k *Kernel) guardTick(fn func()) (ok bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		var violation *InvariantViolation
		if err, isErr := r.(error); isErr && errors.As(err, &violation) {
			k.logger.Error("kernel_panic", "op", violation.Op, "msg", violation.Msg)
			observability.RecordInvariantViolation(violation.Op)
			ok = false
			k.haltHandler(violation)
			return
		}
		k.logger.Error("clock_panic_recovered", "error", r)
		ok = true
	}()

	fn()
	return true
}

func (k *Kernel) tick() {
	now := k.Tick()
	moved := k.Age(now)
	for _, c := range k.cpus {
		c.preempt.Store(true)
	}

	l := k.table.Lock(nil)
	counts := l.stateCounts()
	l.Unlock()
	for state, n := range counts {
		observability.SetProcessCount(string(state), n)
	}

	if moved > 0 {
		k.logger.Debug("aging_sweep_completed", "tick", now, "promoted", moved)
	}
}
