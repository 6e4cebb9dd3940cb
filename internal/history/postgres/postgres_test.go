package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bobmatnyc/localops/internal/events"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

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

	startEvent := events.Event{
		Type:         events.TypeDeploymentStarted,
		DeploymentID: "web",
		OccurredAt:   time.Now().UTC(),
		Fields:       map[string]any{"pid": 12345, "port": 3000},
	}
	if err := sink.Send(ctx, startEvent); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}

	stopEvent := events.Event{
		Type:         events.TypeDeploymentStopped,
		DeploymentID: "web",
		OccurredAt:   time.Now().UTC(),
	}
	if err := sink.Send(ctx, stopEvent); err != nil {
		t.Fatalf("Failed to send stop event: %v", err)
	}

	var count int
	err = sink.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM deployment_events WHERE deployment_id = $1", "web").Scan(&count)
	if err != nil {
		t.Fatalf("Failed to query deployment_events: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events in history, got %d", count)
	}

	var fieldCount int
	err = sink.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM deployment_events WHERE fields->>'pid' = '12345'").Scan(&fieldCount)
	if err != nil {
		t.Fatalf("Failed to query JSONB fields: %v", err)
	}
	if fieldCount != 1 {
		t.Errorf("Expected 1 event with pid field, got %d", fieldCount)
	}
}
