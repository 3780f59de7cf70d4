package kernel

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/observability"
)

// =============================================================================
// HALT
// =============================================================================

// panic reports a broken invariant and halts. With the default handler the
// whole program stops; a handler that returns ends only the calling
// goroutine, leaving whatever it held held.
func (k *Kernel) panic(op, msg string) {
	err := &InvariantViolation{Op: op, Msg: msg}
	k.logger.Error("kernel_panic", "op", op, "msg", msg)
	observability.RecordInvariantViolation(op)
	k.emitEvent(&KernelEvent{
		EventType: KernelEventInvariantViolated,
		Data:      map[string]any{"op": op, "msg": msg},
	})
	k.haltHandler(err)
	runtime.Goexit()
}

// =============================================================================
// PANIC RECOVERY
// =============================================================================

// logPanic records a recovered panic. A nil logger drops it.
func logPanic(logger Logger, msg, operation string, r any) {
	if logger == nil {
		return
	}
	logger.Error(msg,
		"operation", operation,
		"panic", r,
		"stack", string(debug.Stack()),
	)
}

// SafeExecute runs fn, converting a panic into an error. Event handlers run
// through it so one bad subscriber cannot take down the CPU that emitted the
// event.
func SafeExecute(logger Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(logger, "panic_recovered", operation, r)
			err = fmt.Errorf("panic in %s: %v", operation, r)
		}
	}()
	return fn()
}

// SafeGo runs fn on a new goroutine. A panic is logged and passed to
// onPanic. runtime.Goexit is not a panic and ends fn quietly, which is how
// schedulers and the clock leave after a halt.
func SafeGo(logger Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logPanic(logger, "goroutine_panic_recovered", operation, r)
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
