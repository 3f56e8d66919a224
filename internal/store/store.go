package store

import (
	"context"
	"errors"
	"fmt"
)

// RecordVersion tags the payload encoding of entries written by this daemon.
const RecordVersion = "v1"

// Entry is one record in the append log. (Host, Idx) is unique and never
// rewritten; Data holds the sealed JSON encoding of a history.Record.
type Entry struct {
	Host      string `json:"host"`
	Idx       uint64 `json:"idx"`
	ID        string `json:"id"`
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Data      []byte `json:"data"`
}

// Medium is the embedded transactional store underneath an AppendLog,
// keyed by (host, idx).
type Medium interface {
	EnsureSchema(ctx context.Context) error
	// Append inserts e and fails if (e.Host, e.Idx) already exists.
	Append(ctx context.Context, e Entry) error
	// Insert inserts e unless (e.Host, e.Idx) exists; it reports whether a row was written.
	Insert(ctx context.Context, e Entry) (bool, error)
	Get(ctx context.Context, host string, idx uint64) (Entry, bool, error)
	// Range returns up to limit entries with from <= idx < to, ordered by idx.
	Range(ctx context.Context, host string, from, to uint64, limit int) ([]Entry, error)
	// Head returns the next free index for host, 0 when host has no entries.
	Head(ctx context.Context, host string) (uint64, error)
	// Heads returns Head for every host present.
	Heads(ctx context.Context) (map[string]uint64, error)
	Close() error
}

var (
	// ErrStorage marks failures of the underlying medium.
	ErrStorage = errors.New("storage error")
	// ErrConflict is returned when an ingested entry collides with a different
	// entry already stored at the same (host, idx).
	ErrConflict = errors.New("entry conflict")
	// ErrGap is returned when an ingested entry would leave a hole in a host's sequence.
	ErrGap = errors.New("index gap")
	// ErrLocalHost is returned when a remote entry claims the local host id.
	ErrLocalHost = errors.New("entry belongs to local host")
	// ErrInvalidEntry is returned for entries missing required fields.
	ErrInvalidEntry = errors.New("invalid entry")
)

// Error carries the operation and position of a failed log operation.
type Error struct {
	Op   string
	Host string
	Idx  uint64
	Err  error
}

func (e *Error) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("append log %s %s/%d: %v", e.Op, e.Host, e.Idx, e.Err)
	}
	return fmt.Sprintf("append log %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// storageErr wraps medium failures so errors.Is(err, ErrStorage) holds
// while keeping the driver error reachable.
func storageErr(op, host string, idx uint64, err error) error {
	return &Error{Op: op, Host: host, Idx: idx, Err: fmt.Errorf("%w: %w", ErrStorage, err)}
}
