package engine

import (
	"errors"
	"fmt"
)

// ModelLoadError reports that a session could not be opened: the model file is
// missing or unreadable, or the engine rejected the configuration.
type ModelLoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ModelLoadError) Error() string {
	msg := "model load failed"
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

func loadErr(path, reason string, err error) error {
	return &ModelLoadError{Path: path, Reason: reason, Err: err}
}

// IsModelLoad reports whether err is (or wraps) a *ModelLoadError.
func IsModelLoad(err error) bool {
	var e *ModelLoadError
	return errors.As(err, &e)
}

// ExecutionError reports an abnormal engine exit or malformed output.
// Stderr holds a bounded tail of engine diagnostics; it is meant for logs and
// is never part of Error().
type ExecutionError struct {
	Detail string
	Stderr string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine execution failed: %s: %v", e.Detail, e.Err)
	}
	return "engine execution failed: " + e.Detail
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func execErr(detail string, stderr []byte, err error) error {
	return &ExecutionError{Detail: detail, Stderr: tail(stderr, stderrTailBytes), Err: err}
}

// IsExecution reports whether err is (or wraps) an *ExecutionError.
func IsExecution(err error) bool {
	var e *ExecutionError
	return errors.As(err, &e)
}

// ErrClosed is returned when a closed Handle is used.
var ErrClosed = errors.New("engine: handle closed")

const stderrTailBytes = 4096

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
