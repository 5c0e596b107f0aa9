package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies persistence failures.
type ErrorKind string

const (
	// KindLockTimeout means the write retry budget was exhausted on
	// lock contention. Callers may surface it and move on.
	KindLockTimeout ErrorKind = "lock_timeout"

	// KindFatal is any non-lock persistence failure. It aborts the
	// enclosing task.
	KindFatal ErrorKind = "fatal"
)

// Error is a classified persistence failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("persistence error (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsLockTimeout reports whether err is a retry-exhausted lock timeout.
func IsLockTimeout(err error) bool {
	var pe *Error

	return errors.As(err, &pe) && pe.Kind == KindLockTimeout
}

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition is returned when a run or task status update
// would violate the monotonic state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// isBusy reports whether err belongs to the SQLite busy/locked error
// class that the retry wrapper is allowed to retry.
func isBusy(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}
