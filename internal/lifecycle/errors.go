package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks malformed input. Nothing was changed.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is returned when an end request names an id that is not running.
	ErrNotFound = errors.New("not found")
	// ErrStorage is returned when a finished command could not be persisted.
	ErrStorage = errors.New("storage error")
)

// Stage names where in EndHistory a storage failure happened.
const (
	StageRowStore  = "row store"
	StageAppendLog = "append log"
)

// Error is returned by Service operations. Err always wraps one of the
// package sentinels.
type Error struct {
	Op    string
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func invalid(op, format string, args ...any) error {
	return &Error{Op: op, Err: fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))}
}

func storage(op, stage string, cause error) error {
	return &Error{Op: op, Stage: stage, Err: fmt.Errorf("%w: %w", ErrStorage, cause)}
}
