package utils

import "fmt"

// TimeoutError creates a timeout error
func TimeoutError(operation string) error {
	return fmt.Errorf("%s: operation timed out", operation)
}

// InvariantError is raised when internal state would be corrupted by continuing.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "invariant violated: " + e.Msg
}

// Bugcheck aborts the current operation with an *InvariantError when cond is false.
// The violation is logged before the panic so that it is visible even when recovered.
func Bugcheck(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	err := &InvariantError{Msg: fmt.Sprintf(format, args...)}
	Error("bugcheck", Err(err))
	panic(err)
}
