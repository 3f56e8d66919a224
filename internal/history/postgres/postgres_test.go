package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/histd/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Start PostgreSQL container
	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	start := time.Unix(1700000000, 42).UTC()
	recs := []history.Record{
		{ID: "r1", StartedAt: start, Command: "make test", Cwd: "/src", Session: "s", Hostname: "h", Exit: 2, Duration: time.Second},
		{ID: "r2", StartedAt: start.Add(time.Minute), Command: "make build", Cwd: "/src", Session: "s", Hostname: "h"},
		{ID: "r3", StartedAt: start.Add(2 * time.Minute), Command: "ls", Cwd: "/", Session: "t", Hostname: "h"},
	}
	for _, r := range recs {
		if err := sink.Save(ctx, r); err != nil {
			t.Fatalf("Failed to save %s: %v", r.ID, err)
		}
	}

	got, err := sink.List(ctx, history.Query{Prefix: "make", Session: "s"})
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(got))
	}
	if got[0].ID != "r2" || got[1].ID != "r1" {
		t.Errorf("Expected newest first, got %s, %s", got[0].ID, got[1].ID)
	}
	if !got[1].StartedAt.Equal(start) || got[1].Exit != 2 {
		t.Errorf("Unexpected record round trip: %+v", got[1])
	}
}
