package deployment

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an operation names an unknown deployment id.
var ErrNotFound = errors.New("deployment not found")

// ValidationError reports an invalid Config field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

// PortConflictError is returned when the requested port and every permitted
// alternate are busy.
type PortConflictError struct {
	Requested int
	Tried     []int
}

func (e *PortConflictError) Error() string {
	if len(e.Tried) > 1 {
		return fmt.Sprintf("port %d busy and no free alternate among %v", e.Requested, e.Tried)
	}
	return fmt.Sprintf("port %d busy", e.Requested)
}

// SpawnError wraps the OS error from a failed process launch. It is fatal
// and never retried.
type SpawnError struct {
	ID      string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%q): %v", e.ID, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// CircuitOpenError rejects a restart while the circuit is open.
type CircuitOpenError struct {
	ID       string
	OpenedAt time.Time
	RetryIn  time.Duration
	Failures int
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s after %d failures; retry permitted in %s", e.ID, e.Failures, e.RetryIn.Round(time.Second))
}

// StatePersistenceError indicates the durable state write kept failing and
// the record is held in memory only.
type StatePersistenceError struct {
	ID       string
	Attempts int
	Err      error
}

func (e *StatePersistenceError) Error() string {
	return fmt.Sprintf("persist state for %s failed after %d attempts: %v", e.ID, e.Attempts, e.Err)
}

func (e *StatePersistenceError) Unwrap() error { return e.Err }

// StopTimeoutError indicates the process group outlived both the grace
// period and the forced kill.
type StopTimeoutError struct {
	ID   string
	PGID int
}

func (e *StopTimeoutError) Error() string {
	return fmt.Sprintf("process group %d of %s unresponsive after SIGKILL", e.PGID, e.ID)
}
