package supervisor

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrPermissionDenied is returned when a principal operates on a job it
	// doesn't own.
	ErrPermissionDenied = errors.New("permission denied")
)

// InvalidStateError is returned when an operation isn't valid for the job's
// current state, e.g. stopping a job that has already reached a terminal
// state.
type InvalidStateError struct {
	op    string
	state JobState
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s job in state %s", e.op, e.state)
}

func NewInvalidStateError(op string, state JobState) InvalidStateError {
	return InvalidStateError{op: op, state: state}
}
