package asyncthunk

import (
	"errors"
	"fmt"
)

// ErrConditionFalse is returned by a promise whose Condition declined to
// run. No lifecycle actions are dispatched in that case.
var ErrConditionFalse = errors.New("condition returned false")

// RejectedError carries the value passed to API.RejectWithValue. It is a
// recognized failure and is not reported as unexpected.
type RejectedError struct {
	Value any
}

func (e *RejectedError) Error() string {
	if err, ok := e.Value.(error); ok {
		return fmt.Sprintf("rejected: %v", err)
	}
	return fmt.Sprintf("rejected with value %v", e.Value)
}

// AbortError reports a run whose cancellation scope fired before it
// settled. Cause is the cancellation cause, usually context.Canceled or
// context.DeadlineExceeded.
type AbortError struct {
	Cause error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("aborted: %v", e.Cause)
}

func (e *AbortError) Unwrap() error {
	return e.Cause
}

// PanicError wraps a value recovered from a runner.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("runner panicked: %v", e.Value)
}
