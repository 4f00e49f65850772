package value

import "fmt"

// RuntimeError is a VM-level failure: a type mismatch, an out-of-range
// index, a failed allocation, division by zero, and so on (spec.md §7).
// It carries the Value that becomes a fiber's Err field and propagates
// across fiber boundaries on resume, per the error-across-fibers scenario
// in spec.md §8.2.5.
type RuntimeError struct {
	Message string
	Pos     string // formatted source position, empty if unavailable
}

func (e *RuntimeError) Error() string {
	if e.Pos == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Pos, e.Message)
}

// NewRuntimeError builds a RuntimeError with a formatted message.
func NewRuntimeError(format string, args ...interface{}) *RuntimeError {
	return &RuntimeError{Message: fmt.Sprintf(format, args...)}
}
