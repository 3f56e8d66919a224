// Package lifecycle turns start/end notifications from shell hooks into
// persisted history. A started command lives only in the running registry;
// ending it writes the finished record to the row store and then to the
// append log.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/histd/internal/history"
	"github.com/loykin/histd/internal/metrics"
	"github.com/loykin/histd/internal/running"
)

// Appender is the append log as seen by the service.
type Appender interface {
	Push(ctx context.Context, rec history.Record) (string, uint64, error)
}

// StartRequest carries the fields reported by the shell hook. Timestamp is
// the command start in nanoseconds since the Unix epoch, base 10.
type StartRequest struct {
	Command   string
	Cwd       string
	Session   string
	Hostname  string
	Timestamp string
}

// EndResult identifies the appended log entry.
type EndResult struct {
	ID  string `json:"id"`
	Idx uint64 `json:"idx"`
}

type Service struct {
	registry *running.Registry
	sink     history.Sink
	log      Appender
	logger   *slog.Logger
	now      func() time.Time
	newID    func() (string, error)
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithIDGenerator replaces the UUIDv7 command id generator.
func WithIDGenerator(f func() (string, error)) Option { return func(s *Service) { s.newID = f } }

func New(reg *running.Registry, sink history.Sink, log Appender, opts ...Option) *Service {
	s := &Service{
		registry: reg,
		sink:     sink,
		log:      log,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    newCommandID,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func newCommandID() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// ParseTimestamp interprets s as non-negative nanoseconds since the epoch.
func ParseTimestamp(s string) (time.Time, error) {
	ns, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q is not an integer nanosecond count", s)
	}
	if ns < 0 {
		return time.Time{}, fmt.Errorf("timestamp %d is before the epoch", ns)
	}
	return time.Unix(0, ns).UTC(), nil
}

// StartHistory registers a running command and returns its id.
func (s *Service) StartHistory(ctx context.Context, req StartRequest) (string, error) {
	const op = "start history"
	started, err := ParseTimestamp(req.Timestamp)
	if err != nil {
		return "", invalid(op, "%v", err)
	}
	id, err := s.newID()
	if err != nil {
		return "", &Error{Op: op, Err: fmt.Errorf("generate id: %w", err)}
	}
	s.registry.Insert(id, history.Running{
		ID:        id,
		StartedAt: started,
		Command:   req.Command,
		Cwd:       req.Cwd,
		Session:   req.Session,
		Hostname:  req.Hostname,
	})
	metrics.IncStart()
	metrics.SetRunning(s.registry.Len())
	s.logger.DebugContext(ctx, "history started", "id", id, "session", req.Session)
	return id, nil
}

// EndHistory finalizes the running command id and persists it: first to the
// row store, then to the append log. Once the command has left the registry
// the write is carried through even if ctx is cancelled. A failure in either
// store is returned as ErrStorage; the command is not re-registered.
func (s *Service) EndHistory(ctx context.Context, id string, exit int64, d history.Duration) (EndResult, error) {
	const op = "end history"
	cmd, ok := s.registry.Remove(id)
	if !ok {
		metrics.IncEnd("not_found")
		return EndResult{}, &Error{Op: op, Err: fmt.Errorf("%w: command %s is not running", ErrNotFound, id)}
	}
	metrics.SetRunning(s.registry.Len())

	ctx = context.WithoutCancel(ctx)
	began := s.now()
	rec := cmd.Finalize(exit, d, began)

	if err := s.sink.Save(ctx, rec); err != nil {
		metrics.IncEnd("storage_error")
		s.logger.ErrorContext(ctx, "saving history failed; command dropped", "id", id, "stage", StageRowStore, "error", err)
		return EndResult{}, storage(op, StageRowStore, err)
	}
	logID, idx, err := s.log.Push(ctx, rec)
	if err != nil {
		metrics.IncEnd("storage_error")
		s.logger.ErrorContext(ctx, "appending history failed; row store already has it", "id", id, "stage", StageAppendLog, "error", err)
		return EndResult{}, storage(op, StageAppendLog, err)
	}

	metrics.IncEnd("ok")
	metrics.ObserveEnd(s.now().Sub(began).Seconds())
	s.logger.DebugContext(ctx, "history ended", "id", id, "idx", idx, "exit", exit, "duration", rec.Duration)
	return EndResult{ID: logID, Idx: idx}, nil
}

// Running reports how many commands are started and not yet ended.
func (s *Service) Running() int { return s.registry.Len() }
