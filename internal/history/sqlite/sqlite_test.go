package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bobmatnyc/localops/internal/events"
)

func TestSendAndQueryInMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	e := events.Event{
		Type:         events.TypeDeploymentStarted,
		DeploymentID: "web",
		OccurredAt:   time.Now().UTC(),
		Fields:       map[string]any{"pid": 1234, "port": 3000},
	}
	if err := sink.Send(ctx, e); err != nil {
		t.Fatalf("send: %v", err)
	}

	var count int
	if err := sink.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deployment_events WHERE deployment_id = ?`, "web").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}

	var typ, fields string
	if err := sink.db.QueryRowContext(ctx,
		`SELECT type, fields FROM deployment_events`).Scan(&typ, &fields); err != nil {
		t.Fatalf("select: %v", err)
	}
	if typ != string(events.TypeDeploymentStarted) {
		t.Fatalf("unexpected type %q", typ)
	}
	if fields == "" {
		t.Fatal("fields column empty")
	}
}

func TestSendWithoutFields(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	e := events.Event{Type: events.TypeDeploymentStopped, DeploymentID: "web", OccurredAt: time.Now().UTC()}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}

	var fields *string
	if err := sink.db.QueryRow(`SELECT fields FROM deployment_events`).Scan(&fields); err != nil {
		t.Fatalf("select: %v", err)
	}
	if fields != nil {
		t.Fatalf("expected NULL fields, got %q", *fields)
	}
}

func TestFileDSNWithPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + path)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	e := events.Event{Type: events.TypeCircuitOpened, DeploymentID: "api", OccurredAt: time.Now().UTC()}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Reopening the same file must see the row.
	second, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = second.Close() }()

	var count int
	if err := second.db.QueryRow(`SELECT COUNT(*) FROM deployment_events`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row after reopen, got %d", count)
	}
}

func TestEmptyDSNRejected(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
