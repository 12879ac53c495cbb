package store

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateSlice is matched by errors returned when a slice name is
	// registered twice on one store.
	ErrDuplicateSlice = errors.New("duplicate slice")

	// ErrDuplicateCase is returned by Builder.Build when two case handlers
	// were registered for the same action type.
	ErrDuplicateCase = errors.New("duplicate case handler")

	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("store closed")

	// ErrUnknownSlice is returned by Hydrate for an unregistered name.
	ErrUnknownSlice = errors.New("unknown slice")

	errUnhandled = errors.New("no middleware handled dispatched value")
)

// DuplicateSliceError reports a second registration of Name.
type DuplicateSliceError struct {
	Name string
}

func (e *DuplicateSliceError) Error() string {
	return fmt.Sprintf("slice %q already registered", e.Name)
}

func (e *DuplicateSliceError) Unwrap() error {
	return ErrDuplicateSlice
}

// ReducerError reports a reducer that panicked while handling an action.
// The slice kept its previous state for that action.
type ReducerError struct {
	Slice  string
	Action string
	Cause  error
}

func (e *ReducerError) Error() string {
	return fmt.Sprintf("reducer %s failed on %s: %v", e.Slice, e.Action, e.Cause)
}

func (e *ReducerError) Unwrap() error {
	return e.Cause
}

func panicError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", v)
}
