package kernel

import (
	"fmt"
	"runtime/debug"
)

// PanicError is returned in place of a panic raised by an event handler,
// a branch predicate or a background goroutine.
type PanicError struct {
	Operation string
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

// capturePanic converts a recovered value into a logged *PanicError.
// It returns nil when r is nil.
func capturePanic(logger Logger, event, operation string, r any) *PanicError {
	if r == nil {
		return nil
	}
	pe := &PanicError{Operation: operation, Value: r, Stack: string(debug.Stack())}
	if logger != nil {
		logger.Error(event, "operation", operation, "panic", r, "stack", pe.Stack)
	}
	return pe
}

// SafeExecute runs fn and reports a panic as a *PanicError.
func SafeExecute(logger Logger, operation string, fn func() error) (err error) {
	defer func() {
		if pe := capturePanic(logger, "panic_recovered", operation, recover()); pe != nil {
			err = pe
		}
	}()
	return fn()
}

// SafeExecuteWithResult is SafeExecute for functions that also return a value.
// On panic the zero value is returned.
func SafeExecuteWithResult[T any](logger Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if pe := capturePanic(logger, "panic_recovered", operation, recover()); pe != nil {
			var zero T
			result, err = zero, pe
		}
	}()
	return fn()
}

// SafeGo runs fn on a new goroutine. A panic is logged and passed to
// onPanic, which may be nil.
func SafeGo(logger Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if pe := capturePanic(logger, "goroutine_panic_recovered", operation, recover()); pe != nil && onPanic != nil {
				onPanic(pe.Value)
			}
		}()
		fn()
	}()
}
