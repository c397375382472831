package execution

import (
	"fmt"

	"github.com/taskwing/taskwing/pkg/models"
)

// NotFoundError is returned when the addressed entity does not exist.
// The message is surfaced verbatim in the HTTP error detail.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	return e.Message
}

// InvalidStateError is returned when a transition is requested from a
// state that does not permit it.
type InvalidStateError struct {
	Message       string
	PreviousState models.State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s (previous state: %s)", e.Message, e.PreviousState.OrNull())
}

// RunningElsewhereError is returned when a heartbeat arrives from a
// process that is not the one recorded as running the instance.
type RunningElsewhereError struct {
	CurrentHostname string
	CurrentPID      int
}

func (e *RunningElsewhereError) Error() string {
	return fmt.Sprintf("task instance is already running on %s (pid %d)", e.CurrentHostname, e.CurrentPID)
}

// NotRunningError is returned when a heartbeat arrives for an instance
// that is no longer running; the runner should terminate.
type NotRunningError struct {
	CurrentState models.State
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("task instance is no longer running (current state: %s)", e.CurrentState.OrNull())
}
