// Package manager composes the supervision subsystem behind one facade: the
// state store, port registry, process supervisor, health monitor, restart
// manager, and stability monitor. Callers (CLI, HTTP API, embedding) only
// talk to Manager.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bobmatnyc/localops/internal/deployment"
	"github.com/bobmatnyc/localops/internal/env"
	"github.com/bobmatnyc/localops/internal/events"
	"github.com/bobmatnyc/localops/internal/health"
	"github.com/bobmatnyc/localops/internal/metrics"
	"github.com/bobmatnyc/localops/internal/ports"
	"github.com/bobmatnyc/localops/internal/restart"
	"github.com/bobmatnyc/localops/internal/stability"
	"github.com/bobmatnyc/localops/internal/statestore"
	"github.com/bobmatnyc/localops/internal/supervisor"
)

// Options configure a Manager. StateDir is required; everything else has a
// working default.
type Options struct {
	StateDir  string
	GlobalEnv []string
	Stability stability.Config
	Sinks     []events.Sink
	Clock     restart.Clock
	Checker   health.Checker
}

// Snapshot is one point-in-time view of a deployment, as served by Status
// and streamed by Monitor.
type Snapshot struct {
	Record          deployment.Record `json:"record"`
	Health          *health.Result    `json:"health,omitempty"`
	AutoRestart     bool              `json:"auto_restart"`
	CircuitFailures int               `json:"circuit_failures"`
}

// Manager is the unified entry point for the supervision subsystem.
type Manager struct {
	store    *statestore.Store
	ports    *ports.Registry
	sup      *supervisor.Supervisor
	health   *health.Monitor
	restarts *restart.Manager
	stab     *stability.Monitor
	bus      *events.Bus
}

// runtime adapts Manager for the restart manager without exposing the
// manual-restart circuit gate to automatic restarts.
type runtime struct{ m *Manager }

func (r runtime) Restart(ctx context.Context, id string) error { return r.m.restartNow(ctx, id) }
func (r runtime) UpdateRecord(ctx context.Context, id string, fn func(*deployment.Record)) (deployment.Record, error) {
	return r.m.sup.UpdateRecord(ctx, id, fn)
}

// New builds and wires the subsystem. The returned Manager owns every
// component and tears them down in Shutdown.
func New(opts Options) (*Manager, error) {
	bus := events.NewBus(events.SlogSink{}, metricsSink{})
	for _, s := range opts.Sinks {
		bus.Attach(s)
	}

	store, err := statestore.Open(opts.StateDir, statestore.WithDegradedCallback(func(id string, err error) {
		bus.Emit(context.Background(), events.Event{
			Type:         events.TypeStateDegraded,
			DeploymentID: id,
			Fields:       map[string]any{"error": err.Error()},
		})
	}))
	if err != nil {
		return nil, err
	}

	envM := env.New()
	envM.SetAll(opts.GlobalEnv)

	m := &Manager{
		store: store,
		ports: ports.NewRegistry(),
		bus:   bus,
	}
	m.sup = supervisor.New(store, m.ports, envM, bus)

	checker := opts.Checker
	if checker == nil {
		checker = health.NewChecker()
	}
	m.health = health.NewMonitor(m.sup, checker, bus)
	m.restarts = restart.NewManager(runtime{m}, bus, opts.Clock)
	m.stab = stability.NewMonitor(opts.Stability, m.sup, bus)

	m.health.SetStatusHandler(m.restarts)
	m.health.AddCycleHook(m.stab.CycleHook())
	m.health.AddCycleHook(publishCycleMetrics)
	m.sup.SetExitHandler(func(id string, exitErr error) {
		reason := "process exited"
		if exitErr != nil {
			reason = "process exited: " + exitErr.Error()
		}
		m.restarts.OnFailure(id, reason)
	})
	return m, nil
}

// Bus exposes the event bus so embedders can attach extra sinks.
func (m *Manager) Bus() *events.Bus { return m.bus }

// Reconcile settles persisted records against the live process table. Called
// once at daemon startup before any deployment is started.
func (m *Manager) Reconcile(ctx context.Context) error {
	return m.sup.Reconcile(ctx)
}

// Start launches a deployment and attaches monitoring. Starting a running id
// is idempotent.
func (m *Manager) Start(ctx context.Context, cfg deployment.Config) (deployment.Record, error) {
	rec, err := m.sup.Start(ctx, cfg)
	if err != nil {
		return deployment.Record{}, err
	}
	m.restarts.Track(rec.ID, rec.Config.Restart)
	m.health.Watch(rec.ID, rec.Config, rec.Port)
	metrics.IncStart(rec.ID)
	return rec, nil
}

// StartAll starts every config, continuing past individual failures.
func (m *Manager) StartAll(ctx context.Context, cfgs []deployment.Config) error {
	var errs []error
	for _, cfg := range cfgs {
		if _, err := m.Start(ctx, cfg); err != nil {
			slog.Error("start failed", "id", cfg.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop detaches monitoring and terminates the deployment's process group.
// purge additionally removes the persisted record.
func (m *Manager) Stop(ctx context.Context, id string, purge bool) error {
	m.health.Unwatch(id)
	m.restarts.Untrack(id)
	if err := m.sup.Stop(ctx, id, true, purge); err != nil {
		return err
	}
	metrics.IncStop(id)
	if purge {
		metrics.Forget(id)
	}
	return nil
}

// Restart performs a caller-initiated restart. It is rejected with
// CircuitOpenError while the deployment's circuit is open.
func (m *Manager) Restart(ctx context.Context, id string) (deployment.Record, error) {
	if err := m.restarts.ManualAllowed(id); err != nil {
		return deployment.Record{}, err
	}
	if err := m.restartNow(ctx, id); err != nil {
		return deployment.Record{}, err
	}
	return m.sup.Status(id)
}

// restartNow restarts the process and re-attaches the health loop. Shared by
// manual restarts and the restart manager.
func (m *Manager) restartNow(ctx context.Context, id string) error {
	rec, err := m.sup.Restart(ctx, id)
	if err != nil {
		return err
	}
	m.health.Watch(id, rec.Config, rec.Port)
	metrics.IncRestart(id)
	return nil
}

// Status returns the current snapshot for one deployment.
func (m *Manager) Status(id string) (Snapshot, error) {
	rec, err := m.sup.Status(id)
	if err != nil {
		return Snapshot{}, err
	}
	return m.snapshot(rec), nil
}

func (m *Manager) snapshot(rec deployment.Record) Snapshot {
	s := Snapshot{Record: rec, AutoRestart: m.restarts.Enabled(rec.ID)}
	if hist := m.health.History(rec.ID); len(hist) > 0 {
		latest := hist[len(hist)-1]
		s.Health = &latest
	}
	_, failures, _ := m.restarts.Circuit(rec.ID)
	s.CircuitFailures = failures
	return s
}

// List returns snapshots for every known deployment, optionally filtered by
// status name ("" or "all" match everything).
func (m *Manager) List(filter string) ([]Snapshot, error) {
	recs, err := m.sup.List(filter)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		out = append(out, m.snapshot(rec))
	}
	return out, nil
}

// HealthHistory returns the buffered health results for id, oldest first.
func (m *Manager) HealthHistory(id string) []health.Result {
	return m.health.History(id)
}

// RestartHistory returns the restart-event log for id.
func (m *Manager) RestartHistory(id string) []restart.RestartEvent {
	return m.restarts.History(id)
}

// Alerts returns stability alerts, filtered by deployment id when non-empty.
func (m *Manager) Alerts(id string) []stability.Alert {
	all := m.stab.Alerts()
	if id == "" {
		return all
	}
	out := make([]stability.Alert, 0, len(all))
	for _, a := range all {
		if a.DeploymentID == id {
			out = append(out, a)
		}
	}
	return out
}

// SetAutoRestart toggles automatic restarts for id and persists the flag.
func (m *Manager) SetAutoRestart(ctx context.Context, id string, enabled bool) error {
	if err := m.restarts.SetEnabled(id, enabled); err != nil {
		return err
	}
	if _, err := m.sup.UpdateRecord(ctx, id, func(r *deployment.Record) {
		r.Config.Restart.Enabled = enabled
	}); err != nil {
		slog.Warn("persist auto-restart flag failed", "id", id, "error", err)
	}
	return nil
}

// AutoRestartEnabled reports the current flag for id.
func (m *Manager) AutoRestartEnabled(id string) bool {
	return m.restarts.Enabled(id)
}

// Tail returns recent captured output lines for id.
func (m *Manager) Tail(id string) []string { return m.sup.Tail(id) }

// Monitor streams snapshots for id at the given interval until ctx is
// canceled. The channel closes when the stream ends.
func (m *Manager) Monitor(ctx context.Context, id string, interval time.Duration) (<-chan Snapshot, error) {
	if _, err := m.sup.Status(id); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ch := make(chan Snapshot, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rec, err := m.sup.Status(id)
				if err != nil {
					return
				}
				select {
				case ch <- m.snapshot(rec):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

// Degraded reports whether state persistence is running memory-only.
func (m *Manager) Degraded() bool { return m.store.Degraded() }

// Shutdown stops monitors first so nothing schedules new restarts, then
// terminates every deployment and closes the sinks.
func (m *Manager) Shutdown(ctx context.Context) {
	m.restarts.Shutdown()
	m.health.Shutdown()
	m.sup.Shutdown(ctx)
	if err := m.bus.Close(); err != nil {
		slog.Warn("closing event sinks failed", "error", err)
	}
	if err := m.store.Close(); err != nil {
		slog.Warn("releasing state dir lock failed", "error", err)
	}
}
