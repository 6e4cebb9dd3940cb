package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/bobmatnyc/localops/internal/events"
)

// Sink writes deployment events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite event sink.
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

	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	// Append-only audit table. Fields are stored as a JSON blob so new event
	// kinds never require a migration.
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deployment_events(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			type TEXT NOT NULL,
			deployment_id TEXT NOT NULL,
			fields TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_deployment_events_id ON deployment_events(deployment_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e events.Event) error {
	fields := any(nil)
	if len(e.Fields) > 0 {
		b, err := json.Marshal(e.Fields)
		if err != nil {
			return err
		}
		fields = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_events(occurred_at, type, deployment_id, fields)
		VALUES(?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), e.DeploymentID, fields)
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
