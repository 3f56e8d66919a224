package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/histd/internal/crypt"
	"github.com/loykin/histd/internal/history"
	"github.com/loykin/histd/internal/metrics"
)

// DefaultPageSize bounds how many entries ReadFrom fetches per medium query.
const DefaultPageSize = 256

// AppendLog is the host-scoped, append-only record log. The local host is
// written only through Push; entries of other hosts arrive through Ingest.
type AppendLog struct {
	medium   Medium
	host     string
	sealer   crypt.Sealer
	pageSize int
	now      func() time.Time

	mu   sync.Mutex
	next uint64

	ingestMu sync.Mutex
}

type Option func(*AppendLog)

// WithPageSize sets the ReadFrom page size; values <= 0 are ignored.
func WithPageSize(n int) Option {
	return func(l *AppendLog) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

// WithClock overrides the clock used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *AppendLog) { l.now = now }
}

// Open ensures the medium schema and resumes the local index at the stored head.
func Open(ctx context.Context, m Medium, host string, sealer crypt.Sealer, opts ...Option) (*AppendLog, error) {
	if m == nil {
		return nil, errors.New("append log: nil medium")
	}
	if host == "" {
		return nil, errors.New("append log: empty host id")
	}
	if sealer == nil {
		sealer = crypt.Plain{}
	}
	l := &AppendLog{
		medium:   m,
		host:     host,
		sealer:   sealer,
		pageSize: DefaultPageSize,
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, storageErr("open", "", 0, err)
	}
	next, err := m.Head(ctx, host)
	if err != nil {
		return nil, storageErr("open", host, 0, err)
	}
	l.next = next
	return l, nil
}

// Host returns the local host id.
func (l *AppendLog) Host() string { return l.host }

// Next returns the index the next Push will use.
func (l *AppendLog) Next() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// Push seals rec and appends it at the next local index. The index advances
// only once the medium has committed the row.
func (l *AppendLog) Push(ctx context.Context, rec history.Record) (string, uint64, error) {
	id := rec.ID
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return "", 0, &Error{Op: "push", Err: err}
		}
		id = u.String()
	}
	plain, err := json.Marshal(rec)
	if err != nil {
		return "", 0, &Error{Op: "push", Err: fmt.Errorf("encode record: %w", err)}
	}
	sealed, err := l.sealer.Seal(plain)
	if err != nil {
		return "", 0, &Error{Op: "push", Err: fmt.Errorf("seal record: %w", err)}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	e := Entry{
		Host:      l.host,
		Idx:       l.next,
		ID:        id,
		Version:   RecordVersion,
		Timestamp: l.now().UnixNano(),
		Data:      sealed,
	}
	if err := l.medium.Append(ctx, e); err != nil {
		// the write may still have landed; resync so the next push cannot collide
		if head, herr := l.medium.Head(context.WithoutCancel(ctx), l.host); herr == nil && head > l.next {
			l.next = head
		}
		return "", 0, storageErr("push", l.host, e.Idx, err)
	}
	l.next++
	metrics.IncAppend(l.host, e.Idx)
	return id, e.Idx, nil
}

// ReadFrom yields the entries of host from index start up to the head
// observed when iteration begins. Entries are fetched in pages; stopping the
// range early releases nothing but the current page.
func (l *AppendLog) ReadFrom(ctx context.Context, host string, start uint64) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		end, err := l.medium.Head(ctx, host)
		if err != nil {
			yield(Entry{}, storageErr("read", host, start, err))
			return
		}
		for from := start; from < end; {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, &Error{Op: "read", Host: host, Idx: from, Err: err})
				return
			}
			page, err := l.medium.Range(ctx, host, from, end, l.pageSize)
			if err != nil {
				yield(Entry{}, storageErr("read", host, from, err))
				return
			}
			if len(page) == 0 {
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			from = page[len(page)-1].Idx + 1
		}
	}
}

// Decode opens and unmarshals the payload of e.
func (l *AppendLog) Decode(e Entry) (history.Record, error) {
	if e.Version != RecordVersion {
		return history.Record{}, &Error{Op: "decode", Host: e.Host, Idx: e.Idx, Err: fmt.Errorf("unsupported version %q", e.Version)}
	}
	plain, err := l.sealer.Open(e.Data)
	if err != nil {
		return history.Record{}, &Error{Op: "decode", Host: e.Host, Idx: e.Idx, Err: err}
	}
	var rec history.Record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return history.Record{}, &Error{Op: "decode", Host: e.Host, Idx: e.Idx, Err: err}
	}
	return rec, nil
}

// Ingest stores remote-derived entries. Entries already present with the
// same id are skipped, so replaying a batch is harmless. Entries are applied
// in (host, idx) order and must extend each host's sequence without gaps.
// It returns how many rows were written before any error.
func (l *AppendLog) Ingest(ctx context.Context, entries ...Entry) (int, error) {
	l.ingestMu.Lock()
	defer l.ingestMu.Unlock()

	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Host != sorted[j].Host {
			return sorted[i].Host < sorted[j].Host
		}
		return sorted[i].Idx < sorted[j].Idx
	})

	inserted := 0
	heads := map[string]uint64{}
	for _, e := range sorted {
		if e.Host == "" || e.ID == "" || len(e.Data) == 0 {
			return inserted, &Error{Op: "ingest", Host: e.Host, Idx: e.Idx, Err: ErrInvalidEntry}
		}
		if e.Host == l.host {
			return inserted, &Error{Op: "ingest", Host: e.Host, Idx: e.Idx, Err: ErrLocalHost}
		}
		head, ok := heads[e.Host]
		if !ok {
			h, err := l.medium.Head(ctx, e.Host)
			if err != nil {
				return inserted, storageErr("ingest", e.Host, e.Idx, err)
			}
			head = h
		}
		switch {
		case e.Idx > head:
			return inserted, &Error{Op: "ingest", Host: e.Host, Idx: e.Idx, Err: fmt.Errorf("%w: head is %d", ErrGap, head)}
		case e.Idx < head:
			existing, found, err := l.medium.Get(ctx, e.Host, e.Idx)
			if err != nil {
				return inserted, storageErr("ingest", e.Host, e.Idx, err)
			}
			if found && existing.ID != e.ID {
				return inserted, &Error{Op: "ingest", Host: e.Host, Idx: e.Idx, Err: fmt.Errorf("%w: stored id %s, got %s", ErrConflict, existing.ID, e.ID)}
			}
		default:
			ok, err := l.medium.Insert(ctx, e)
			if err != nil {
				return inserted, storageErr("ingest", e.Host, e.Idx, err)
			}
			if ok {
				inserted++
			}
			head++
			metrics.SetNextIndex(e.Host, head)
		}
		heads[e.Host] = head
	}
	return inserted, nil
}

// Heads returns the next index of every host in the log. The local host is
// always present.
func (l *AppendLog) Heads(ctx context.Context) (map[string]uint64, error) {
	heads, err := l.medium.Heads(ctx)
	if err != nil {
		return nil, storageErr("heads", "", 0, err)
	}
	if _, ok := heads[l.host]; !ok {
		heads[l.host] = 0
	}
	return heads, nil
}

func (l *AppendLog) Close() error { return l.medium.Close() }
