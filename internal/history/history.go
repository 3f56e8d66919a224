package history

import (
	"context"
	"time"
)

// Running is a command that has started but not yet exited.
// Values are immutable snapshots; Finalize derives a new Record.
type Running struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	Cwd       string    `json:"cwd"`
	Session   string    `json:"session"`
	Hostname  string    `json:"hostname"`
}

// Record is a finalized command execution. It is persisted once into the
// row store and once into the append log.
type Record struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"timestamp"`
	Command   string        `json:"command"`
	Cwd       string        `json:"cwd"`
	Session   string        `json:"session"`
	Hostname  string        `json:"hostname"`
	Exit      int64         `json:"exit"`
	Duration  time.Duration `json:"duration"`
}

// Finalize builds the Record for r. An elapsed duration is measured
// against now and never goes negative.
func (r Running) Finalize(exit int64, d Duration, now time.Time) Record {
	dur, ok := d.Explicit()
	if !ok {
		dur = now.Sub(r.StartedAt)
		if dur < 0 {
			dur = 0
		}
	}
	return Record{
		ID:        r.ID,
		StartedAt: r.StartedAt,
		Command:   r.Command,
		Cwd:       r.Cwd,
		Session:   r.Session,
		Hostname:  r.Hostname,
		Exit:      exit,
		Duration:  dur,
	}
}

// Sink is the durable row store used for listing and searching completed
// commands. Implementations must be safe for concurrent use.
type Sink interface {
	Save(ctx context.Context, rec Record) error
}

// Query selects records from a Querier. Prefix matches the start of the
// command text; an empty prefix matches everything.
type Query struct {
	Prefix  string
	Session string
	Limit   int
}

// Querier is implemented by sinks that can serve history back, newest first.
type Querier interface {
	List(ctx context.Context, q Query) ([]Record, error)
}

// DefaultLimit bounds List when Query.Limit is not positive.
const DefaultLimit = 50

// EffectiveLimit returns q.Limit or DefaultLimit.
func (q Query) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}
