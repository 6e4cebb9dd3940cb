package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type identifies a structured event emitted by the supervision core.
type Type string

const (
	TypeDeploymentStarted   Type = "deployment.started"
	TypeDeploymentStopped   Type = "deployment.stopped"
	TypeHealthChanged       Type = "deployment.health_changed"
	TypeDeploymentRestarted Type = "deployment.restarted"
	TypeCircuitOpened       Type = "deployment.circuit_opened"
	TypeStabilityAlert      Type = "stability.alert"
	TypeStateDegraded       Type = "state.degraded"
)

// Event is the wire form consumed by dashboards and history sinks. Fields
// carries event-specific details (port, status, reason, severity, ...).
type Event struct {
	Type         Type           `json:"type"`
	DeploymentID string         `json:"deployment_id,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Fields       map[string]any `json:"fields,omitempty"`
}

// Sink is a destination for events. Implementations must be safe for
// concurrent use; Send must not block indefinitely.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Bus fans events out to a set of sinks. A failing sink never blocks the
// emitting component; errors are logged and dropped.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewBus(sinks ...Sink) *Bus {
	return &Bus{sinks: append([]Sink(nil), sinks...)}
}

// Attach adds a sink to the fanout set.
func (b *Bus) Attach(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Emit delivers e to every attached sink.
func (b *Bus) Emit(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			slog.Warn("event sink send failed", "type", e.Type, "deployment", e.DeploymentID, "error", err)
		}
	}
}

// Close closes all sinks, returning the first error.
func (b *Bus) Close() error {
	b.mu.Lock()
	sinks := b.sinks
	b.sinks = nil
	b.mu.Unlock()
	var first error
	for _, s := range sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SlogSink logs every event through slog. Severity "warning" and above map
// to Warn, the rest to Info.
type SlogSink struct{}

func (SlogSink) Send(_ context.Context, e Event) error {
	attrs := make([]any, 0, 2+2*len(e.Fields))
	attrs = append(attrs, "deployment", e.DeploymentID)
	for k, v := range e.Fields {
		attrs = append(attrs, k, v)
	}
	switch e.Type {
	case TypeCircuitOpened, TypeStabilityAlert, TypeStateDegraded:
		slog.Warn(string(e.Type), attrs...)
	default:
		slog.Info(string(e.Type), attrs...)
	}
	return nil
}

func (SlogSink) Close() error { return nil }
