package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/loykin/histd/internal/store"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// startPostgresContainer starts a PostgreSQL container for tests
// and returns a DSN suitable for pgx stdlib. It skips the test if Docker is unavailable.
func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return "", nil // ensure container is never used below
	}

	// container is guaranteed to be non-nil here
	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}

	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	dsn = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}

	return dsn, terminate
}

func waitForPostgres(t *testing.T, dsn string) {
	// Try to ping until timeout; helps when container reports ready but DB not yet accepting connections
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				_ = db.Close()
				cancel()
				return
			}
			_ = db.Close()
		}
		cancel()
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresMedium(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	dsn, terminate := startPostgresContainer(t)
	// Ensure DB is ready to accept connections
	waitForPostgres(t, dsn)
	defer func() {
		if terminate != nil {
			terminate()
		}
	}()

	db, err := New(dsn)
	if err != nil {
		t.Fatalf("pg open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	for i := uint64(0); i < 3; i++ {
		e := store.Entry{Host: "h1", Idx: i, ID: fmt.Sprintf("id-%d", i), Version: store.RecordVersion, Timestamp: time.Now().UnixNano(), Data: []byte{byte(i)}}
		if err := db.Append(ctx, e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := db.Append(ctx, store.Entry{Host: "h1", Idx: 1, ID: "dup", Version: store.RecordVersion, Data: []byte{9}}); err == nil {
		t.Fatalf("expected duplicate (host, idx) to be rejected")
	}
	ok, err := db.Insert(ctx, store.Entry{Host: "h1", Idx: 1, ID: "id-1", Version: store.RecordVersion, Data: []byte{1}})
	if err != nil || ok {
		t.Fatalf("insert existing: ok=%v err=%v", ok, err)
	}

	head, err := db.Head(ctx, "h1")
	if err != nil || head != 3 {
		t.Fatalf("head: %d %v", head, err)
	}
	if head, _ := db.Head(ctx, "nobody"); head != 0 {
		t.Fatalf("expected empty head 0, got %d", head)
	}
	page, err := db.Range(ctx, "h1", 1, 3, 10)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(page) != 2 || page[0].Idx != 1 || page[1].ID != "id-2" {
		t.Fatalf("unexpected range: %+v", page)
	}
	got, found, err := db.Get(ctx, "h1", 2)
	if err != nil || !found || got.Data[0] != 2 {
		t.Fatalf("get: %+v %v %v", got, found, err)
	}
	heads, err := db.Heads(ctx)
	if err != nil || heads["h1"] != 3 {
		t.Fatalf("heads: %v %v", heads, err)
	}
}
