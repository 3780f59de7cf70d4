package kernel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopCLI(t *testing.T) {
	c := newCPU(0, nil)
	c.sti()

	c.pushcli()
	c.pushcli()
	assert.Equal(t, 2, c.ncli)
	assert.False(t, c.intrOn)
	assert.True(t, c.intena)

	c.popcli()
	assert.False(t, c.intrOn, "still nested")
	c.popcli()
	assert.True(t, c.intrOn, "restored after the outermost pop")
	assert.Equal(t, 0, c.ncli)
}

func TestPushPopCLI_InterruptsWereOff(t *testing.T) {
	c := newCPU(0, nil)

	c.pushcli()
	c.popcli()
	assert.False(t, c.intrOn)
}

func TestPopCLI_Violations(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *CPU)
		msg   string
	}{
		{"unbalanced", func(c *CPU) {}, "unbalanced"},
		{"interruptible", func(c *CPU) { c.pushcli(); c.sti() }, "interruptible"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCPU(0, nil)
			tt.setup(c)

			defer func() {
				r := recover()
				require.NotNil(t, r)
				violation, ok := r.(*InvariantViolation)
				require.True(t, ok)
				assert.Equal(t, "popcli", violation.Op)
				assert.Equal(t, tt.msg, violation.Msg)
			}()
			c.popcli()
		})
	}
}

func TestSpinLock_AcquireRelease(t *testing.T) {
	c := newCPU(0, nil)
	lk := NewSpinLock("test")
	assert.Equal(t, "test", lk.Name())

	lk.Acquire(c)
	assert.True(t, lk.Holding(c))
	assert.False(t, lk.Holding(nil))
	assert.Equal(t, 1, c.ncli)
	assert.Same(t, c, lk.holder())

	lk.Release(c)
	assert.False(t, lk.Holding(c))
	assert.Equal(t, 0, c.ncli)
	assert.Nil(t, lk.holder())
}

func TestSpinLock_NilCPU(t *testing.T) {
	lk := NewSpinLock("external")

	lk.Acquire(nil)
	assert.True(t, lk.Holding(nil))
	lk.Release(nil)
	assert.False(t, lk.Holding(nil))
}

func TestSpinLock_Violations(t *testing.T) {
	tests := []struct {
		name string
		fn   func(lk *SpinLock, a, b *CPU)
		op   string
	}{
		{"acquire twice", func(lk *SpinLock, a, b *CPU) { lk.Acquire(a); lk.Acquire(a) }, "acquire"},
		{"release unheld", func(lk *SpinLock, a, b *CPU) { lk.Release(a) }, "release"},
		{"release by another cpu", func(lk *SpinLock, a, b *CPU) { lk.Acquire(a); lk.Release(b) }, "release"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lk := NewSpinLock("test")
			a, b := newCPU(0, nil), newCPU(1, nil)

			defer func() {
				r := recover()
				require.NotNil(t, r)
				violation, ok := r.(*InvariantViolation)
				require.True(t, ok)
				assert.Equal(t, tt.op, violation.Op)
				assert.Equal(t, "test", violation.Msg)
			}()
			tt.fn(lk, a, b)
		})
	}
}

func TestSpinLock_MutualExclusion(t *testing.T) {
	lk := NewSpinLock("counter")
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		c := newCPU(i, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				lk.Acquire(c)
				counter++
				lk.Release(c)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8*500, counter)
}

func TestSpinLock_ReleasedOnAnotherGoroutine(t *testing.T) {
	c := newCPU(0, nil)
	lk := NewSpinLock("handoff")
	lk.Acquire(c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		lk.Release(c)
	}()
	<-done

	assert.False(t, lk.Holding(c))
}

func TestSwtch_Handoff(t *testing.T) {
	halt := make(chan struct{})
	defer close(halt)

	var trace []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		trace = append(trace, s)
	}

	sched := &Context{wake: make(chan struct{}, 1), halt: halt, started: true}
	var proc *Context
	proc = newContext(func() {
		record("proc 1")
		swtch(proc, sched)
		record("proc 2")
		swtchFinal(sched)
	}, halt)

	record("sched 1")
	swtch(sched, proc)
	record("sched 2")
	swtch(sched, proc)
	record("sched 3")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"sched 1", "proc 1", "sched 2", "proc 2", "sched 3"}, trace)
}

func TestContext_HaltEndsParkedGoroutine(t *testing.T) {
	halt := make(chan struct{})
	exited := make(chan struct{})

	ctx := newContext(nil, halt)
	go func() {
		defer close(exited)
		ctx.park()
		t.Error("park returned after halt")
	}()

	close(halt)
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("parked goroutine did not exit")
	}
}
