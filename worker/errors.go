package worker

import (
	"fmt"
)

// State of a Manager.
type State int32

const (
	StateNew State = iota
	StateListening
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateListening:
		return "listening"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StateError reports a manager level failure: workers that could not be started or that
// did not stop.
type StateError struct {
	State State
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("worker manager (%s): %s", e.State, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }
