package arbiter

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBusy is returned when the model is busy and queueing is disabled.
	ErrBusy = errors.New("model busy")
	// ErrOverloaded is returned when the wait queue is full.
	ErrOverloaded = errors.New("wait queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("arbiter closed")
)

// Timeout phases.
const (
	PhaseQueue      = "queue"
	PhaseGeneration = "generation"
)

// TimeoutError reports that a queue wait or a generation exceeded its bound.
type TimeoutError struct {
	Phase string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout after %s", e.Phase, e.After)
}

// EngineFailureError reports a session fault on a slot.
type EngineFailureError struct {
	Slot int
	Err  error
}

func (e *EngineFailureError) Error() string {
	return fmt.Sprintf("engine failure on slot %d: %v", e.Slot, e.Err)
}

func (e *EngineFailureError) Unwrap() error { return e.Err }

// IsBusy reports whether err indicates the model was busy (no queueing).
func IsBusy(err error) bool { return errors.Is(err, ErrBusy) }

// IsOverloaded reports whether err indicates a full wait queue.
func IsOverloaded(err error) bool { return errors.Is(err, ErrOverloaded) }

// IsClosed reports whether err indicates the arbiter is shut down.
func IsClosed(err error) bool { return errors.Is(err, ErrClosed) }

// IsTimeout reports whether err is a queue or generation timeout.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// IsEngineFailure reports whether err is an engine fault.
func IsEngineFailure(err error) bool {
	var e *EngineFailureError
	return errors.As(err, &e)
}
