package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/histd/internal/store"
)

// DB implements store.Medium on SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

var _ store.Medium = (*DB)(nil)

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	_, _ = d.Exec("PRAGMA journal_mode=WAL;")
	// an acknowledged append must survive power loss
	_, _ = d.Exec("PRAGMA synchronous=FULL;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records(
			host TEXT NOT NULL,
			idx INTEGER NOT NULL,
			id TEXT NOT NULL,
			version TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY(host, idx)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_id ON records(id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Append(ctx context.Context, e store.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records(host, idx, id, version, timestamp, data)
		VALUES(?, ?, ?, ?, ?, ?);`,
		e.Host, int64(e.Idx), e.ID, e.Version, e.Timestamp, e.Data)
	return err
}

func (s *DB) Insert(ctx context.Context, e store.Entry) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO records(host, idx, id, version, timestamp, data)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(host, idx) DO NOTHING;`,
		e.Host, int64(e.Idx), e.ID, e.Version, e.Timestamp, e.Data)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *DB) Get(ctx context.Context, host string, idx uint64) (store.Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT host, idx, id, version, timestamp, data FROM records WHERE host = ? AND idx = ?;`,
		host, int64(idx))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Entry{}, false, nil
	}
	if err != nil {
		return store.Entry{}, false, err
	}
	return e, true, nil
}

func (s *DB) Range(ctx context.Context, host string, from, to uint64, limit int) ([]store.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT host, idx, id, version, timestamp, data FROM records
		WHERE host = ? AND idx >= ? AND idx < ?
		ORDER BY idx ASC LIMIT ?;`,
		host, int64(from), int64(to), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *DB) Head(ctx context.Context, host string) (uint64, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(idx) + 1 FROM records WHERE host = ?;`, host).Scan(&next)
	if err != nil {
		return 0, err
	}
	if !next.Valid {
		return 0, nil
	}
	return uint64(next.Int64), nil
}

func (s *DB) Heads(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT host, MAX(idx) + 1 FROM records GROUP BY host;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := map[string]uint64{}
	for rows.Next() {
		var (
			host string
			next int64
		)
		if err := rows.Scan(&host, &next); err != nil {
			return nil, err
		}
		out[host] = uint64(next)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(r scanner) (store.Entry, error) {
	var (
		e   store.Entry
		idx int64
	)
	if err := r.Scan(&e.Host, &idx, &e.ID, &e.Version, &e.Timestamp, &e.Data); err != nil {
		return store.Entry{}, err
	}
	e.Idx = uint64(idx)
	return e, nil
}
