package sharedb

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("sharedb: closed")

	// ErrAcquisitionTimeout is returned when the in-process entry flag could
	// not be taken within the retry budget.
	ErrAcquisitionTimeout = errors.New("sharedb: acquisition timed out")
)

// EngineError indicates that the engine factory failed inside the held lock.
// The lock has already been released and the entry flag cleared when this
// error is returned.
//
// The original underlying error can be accessed via errors.Unwrap.
type EngineError struct {
	Path  string
	cause error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("sharedb: open engine for %s: %v", e.Path, e.cause)
}

func (e *EngineError) Unwrap() error { return e.cause }

// ReleaseError indicates that giving the cross-process lock back failed.
// Local state (engine handle, entry flag) has already been cleaned up; the
// lock itself may still be held until the process exits, at which point the
// kernel reclaims it.
//
// A release failure never hides an operation error: when both fail, the
// operation error is returned and the release failure only logged.
//
// The original underlying error can be accessed via errors.Unwrap.
type ReleaseError struct {
	cause error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("sharedb: release lock: %v", e.cause)
}

func (e *ReleaseError) Unwrap() error { return e.cause }
