package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/histd/internal/history"
)

// Sink writes finalized commands to a local SQLite database and serves
// them back for listing and prefix search.
type Sink struct {
	db *sql.DB
}

var (
	_ history.Sink    = (*Sink)(nil)
	_ history.Querier = (*Sink)(nil)
)

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	// Handle sqlite:// prefix
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")
	_, _ = db.Exec("PRAGMA journal_mode=WAL;")

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS history(
			id TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			duration INTEGER NOT NULL,
			exit INTEGER NOT NULL,
			command TEXT NOT NULL,
			cwd TEXT NOT NULL,
			session TEXT NOT NULL,
			hostname TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_history_timestamp ON history(timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_history_session ON history(session);`,
		`CREATE INDEX IF NOT EXISTS idx_history_command ON history(command);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Save(ctx context.Context, rec history.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history(id, timestamp, duration, exit, command, cwd, session, hostname, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.StartedAt.UnixNano(), int64(rec.Duration), rec.Exit,
		rec.Command, rec.Cwd, rec.Session, rec.Hostname, time.Now().UnixNano())
	return err
}

func (s *Sink) List(ctx context.Context, q history.Query) ([]history.Record, error) {
	query := `SELECT id, timestamp, duration, exit, command, cwd, session, hostname FROM history WHERE 1=1`
	var args []any
	if q.Prefix != "" {
		query += ` AND command LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(q.Prefix)+"%")
	}
	if q.Session != "" {
		query += ` AND session = ?`
		args = append(args, q.Session)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?;`
	args = append(args, q.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]history.Record, 0)
	for rows.Next() {
		var (
			r       history.Record
			ts, dur int64
		)
		if err := rows.Scan(&r.ID, &ts, &dur, &r.Exit, &r.Command, &r.Cwd, &r.Session, &r.Hostname); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, ts).UTC()
		r.Duration = time.Duration(dur)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
