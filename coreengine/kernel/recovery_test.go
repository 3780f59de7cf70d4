package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeExecute_Success(t *testing.T) {
	logger := &testLogger{}

	err := SafeExecute(logger, "test_operation", func() error {
		return nil
	})

	assert.NoError(t, err)
}

func TestSafeExecute_Error(t *testing.T) {
	logger := &testLogger{}
	expectedErr := errors.New("test error")

	err := SafeExecute(logger, "test_operation", func() error {
		return expectedErr
	})

	assert.Equal(t, expectedErr, err)
}

func TestSafeExecute_Panic(t *testing.T) {
	logger := &testLogger{}

	err := SafeExecute(logger, "test_operation", func() error {
		panic("test panic")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "panic in test_operation")
	assert.Contains(t, err.Error(), "test panic")

	// Check logger was called
	logger.mu.Lock()
	found := false
	for _, log := range logger.logs {
		if strings.Contains(log, "panic_recovered") {
			found = true
			break
		}
	}
	logger.mu.Unlock()
	assert.True(t, found, "expected panic_recovered log entry")
}

func TestSafeExecute_NilLogger(t *testing.T) {
	// Should not panic even with nil logger
	err := SafeExecute(nil, "test_operation", func() error {
		panic("test panic")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestSafeGo_Success(t *testing.T) {
	logger := &testLogger{}
	var wg sync.WaitGroup
	wg.Add(1)

	executed := false
	SafeGo(logger, "test_goroutine", func() {
		executed = true
		wg.Done()
	}, nil)

	wg.Wait()
	assert.True(t, executed)
}

func TestSafeGo_Panic(t *testing.T) {
	logger := &testLogger{}
	recovered := make(chan any, 1)

	SafeGo(logger, "test_goroutine", func() {
		panic("goroutine panic")
	}, func(r any) {
		recovered <- r
	})

	select {
	case r := <-recovered:
		assert.Equal(t, "goroutine panic", r)
	case <-time.After(time.Second):
		t.Fatal("onPanic not called")
	}

	// The log entry is written before onPanic runs.
	assert.True(t, logger.contains("ERROR: goroutine_panic_recovered"))
}

func TestSafeGo_PanicNilCallback(t *testing.T) {
	logger := &testLogger{}
	done := make(chan struct{})

	SafeGo(logger, "test_goroutine", func() {
		defer close(done)
		panic("goroutine panic")
	}, nil) // nil callback

	<-done
	time.Sleep(10 * time.Millisecond)

	// Should not panic with nil callback
	logger.mu.Lock()
	found := false
	for _, log := range logger.logs {
		if strings.Contains(log, "goroutine_panic_recovered") {
			found = true
			break
		}
	}
	logger.mu.Unlock()
	assert.True(t, found)
}

func TestSafeGo_NilLogger(t *testing.T) {
	done := make(chan struct{})

	// Should not panic even with nil logger
	SafeGo(nil, "test_goroutine", func() {
		defer close(done)
		panic("goroutine panic")
	}, func(r any) {
		// Callback should still be called
		assert.Equal(t, "goroutine panic", r)
	})

	<-done
}

func TestShutdownError_Error(t *testing.T) {
	// Single error
	err := &ShutdownError{Errors: []error{errors.New("error1")}}
	assert.Equal(t, "shutdown error: error1", err.Error())

	// Multiple errors
	err = &ShutdownError{Errors: []error{
		errors.New("error1"),
		errors.New("error2"),
		errors.New("error3"),
	}}
	assert.Equal(t, "shutdown errors: 3 errors occurred", err.Error())
}

func TestShutdownError_Unwrap(t *testing.T) {
	// No errors
	err := &ShutdownError{Errors: nil}
	assert.Empty(t, err.Unwrap())

	// With errors
	cancelled := fmt.Errorf("shutdown cancelled: %w", context.DeadlineExceeded)
	err = &ShutdownError{Errors: []error{errors.New("first"), cancelled}}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKernelPanic_HaltHandler(t *testing.T) {
	logger := &testLogger{}
	halted := make(chan error, 1)
	k := NewKernel(logger, testConfig(), testDevices(t), WithHaltHandler(func(err error) {
		halted <- err
	}))

	var events []KernelEventType
	var mu sync.Mutex
	k.OnEvent(func(e *KernelEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e.EventType)
	})

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		k.panic("sched", "locks")
		t.Error("panic returned")
	}()

	err := <-halted
	<-returned

	var violation *InvariantViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "sched", violation.Op)
	assert.Equal(t, "kernel panic: sched: locks", err.Error())
	assert.True(t, logger.contains("ERROR: kernel_panic"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []KernelEventType{KernelEventInvariantViolated}, events)
}
