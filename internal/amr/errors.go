package amr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when no connection is READY.
	ErrNotConnected = errors.New("amr: not connected")
	// ErrBusy is returned when another sequence holds the gate.
	ErrBusy = errors.New("amr: sequence already running")
	// ErrTimeout is returned when a wait exceeds its bound.
	ErrTimeout = errors.New("amr: timed out waiting for reply")
	// ErrConnectionLost is returned to waiters when the connection drops.
	ErrConnectionLost = errors.New("amr: connection lost")
	// ErrOverrun is returned when a waiter's cursor fell out of the event log.
	ErrOverrun = errors.New("amr: event log overrun")
)

// FatalLineError reports an explicit error line from the AMR.
type FatalLineError struct {
	Line Line
}

func (e *FatalLineError) Error() string {
	return fmt.Sprintf("amr: fatal line %q", e.Line.Text)
}

// StepError wraps the cause of an aborted sequence step.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("sequence step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
