package qmerrors

import (
	"fmt"
	"runtime/debug"
)

// PanicError represents an error recovered from a panic in a hook or a
// background loop tick.
type PanicError struct {
	Value      interface{}
	Stacktrace string
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// RecoverPanic recovers from a panic and returns it as an error with a
// stack trace. Returns nil if no panic occurred. Go's recover only stops a
// panic when called directly by the deferred function, so this stops one
// only when deferred itself (defer qmerrors.RecoverPanic()), and the
// returned error is then discarded. The hook, timeout, loop and predicate
// guards call recover() in their own deferred closure and wrap the value
// in a PanicError.
func RecoverPanic() error {
	if r := recover(); r != nil {
		return &PanicError{Value: r, Stacktrace: string(debug.Stack())}
	}
	return nil
}

// FormatPanicForLog returns a formatted string suitable for logging.
func FormatPanicForLog(panicErr *PanicError) string {
	return fmt.Sprintf("PANIC: %v\n\nStack Trace:\n%s", panicErr.Value, panicErr.Stacktrace)
}
