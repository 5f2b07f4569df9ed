package regalloc

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidWriteTarget is returned when JITed code writes a value that is declared in
// the global scope, which no function has a register context for.
var ErrInvalidWriteTarget = errors.New("cannot write to global variable outside its owning register context")

// AssertionError reports a violated invariant. It always points at a bug in an earlier
// compiler stage or in the caller, so it is raised with panic and never retried.
type AssertionError struct {
	Op     string
	Handle string
	Msg    string
}

// Error implements error.
func (e *AssertionError) Error() string {
	if e.Handle == "" {
		return fmt.Sprintf("BUG: %s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("BUG: %s %s: %s", e.Op, e.Handle, e.Msg)
}

func assertf(cond bool, op, handle, format string, args ...interface{}) {
	if !cond {
		panic(&AssertionError{Op: op, Handle: handle, Msg: fmt.Sprintf(format, args...)})
	}
}

// EmitterError wraps a failure of the Emitter with the operation and symbol that triggered it.
// The compilation unit must be aborted.
type EmitterError struct {
	Op     string
	Symbol string
	Err    error
}

// Error implements error.
func (e *EmitterError) Error() string {
	return fmt.Sprintf("emitter failed to %s %s: %v", e.Op, e.Symbol, e.Err)
}

// Unwrap returns the error of the emitter.
func (e *EmitterError) Unwrap() error {
	return e.Err
}
