package restart

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bobmatnyc/localops/internal/deployment"
	"github.com/bobmatnyc/localops/internal/events"
	"github.com/bobmatnyc/localops/internal/health"
)

// RestartEvent is one entry in the append-only restart log of a deployment.
type RestartEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	Reason    string        `json:"reason"`
	Attempt   int           `json:"attempt"`
	Backoff   time.Duration `json:"backoff"`
	Outcome   string        `json:"outcome"` // scheduled | succeeded | failed | rejected
}

// Runtime is the slice of the composition layer the manager drives.
// Restart must stop and relaunch the deployment and re-attach monitoring.
type Runtime interface {
	Restart(ctx context.Context, id string) error
	UpdateRecord(ctx context.Context, id string, fn func(*deployment.Record)) (deployment.Record, error)
}

type entry struct {
	policy  deployment.RestartPolicy
	state   State
	enabled bool
	log     []RestartEvent
	pending context.CancelFunc // cancels a scheduled restart
}

// Manager owns the per-deployment restart state machines, the backoff
// timers, and the restart-event log.
type Manager struct {
	rt    Runtime
	bus   *events.Bus
	clock Clock

	mu      sync.Mutex
	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager constructs a Manager. Pass RealClock() outside tests.
func NewManager(rt Runtime, bus *events.Bus, clock Clock) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if clock == nil {
		clock = RealClock()
	}
	return &Manager{
		rt:      rt,
		bus:     bus,
		clock:   clock,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Track registers a deployment's policy. Auto-restart starts enabled when
// the policy says so.
func (m *Manager) Track(id string, policy deployment.RestartPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[id]; e != nil {
		e.policy = policy
		return
	}
	m.entries[id] = &entry{policy: policy, state: NewState(), enabled: policy.Enabled}
}

// Untrack cancels any scheduled restart and forgets the deployment.
func (m *Manager) Untrack(id string) {
	m.mu.Lock()
	e := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()
	if e != nil && e.pending != nil {
		e.pending()
	}
}

// SetEnabled toggles automatic restarts for id.
func (m *Manager) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	if e == nil {
		return deployment.ErrNotFound
	}
	e.enabled = enabled
	if !enabled && e.pending != nil {
		e.pending()
		e.pending = nil
	}
	return nil
}

// Enabled reports whether automatic restarts are active for id.
func (m *Manager) Enabled(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	return e != nil && e.enabled
}

// History returns a copy of the restart-event log for id.
func (m *Manager) History(id string) []RestartEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	if e == nil {
		return nil
	}
	out := make([]RestartEvent, len(e.log))
	copy(out, e.log)
	return out
}

// Circuit returns the breaker state for id as persisted values.
func (m *Manager) Circuit(id string) (deployment.CircuitState, int, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	if e == nil {
		return deployment.CircuitClosed, 0, time.Time{}
	}
	return e.state.Phase.CircuitState(), len(e.state.Failures), e.state.OpenedAt
}

// ManualAllowed rejects a caller-initiated restart while the circuit is
// open, surfacing the cooldown explicitly. A permitted restart after the
// cooldown is the half-open trial: the machine advances so a clean health
// cycle afterwards closes the circuit.
func (m *Manager) ManualAllowed(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	if e == nil {
		return nil
	}
	now := m.clock.Now()
	if ok, retryIn := Allowed(e.state, e.policy, now); !ok {
		return &deployment.CircuitOpenError{
			ID:       id,
			OpenedAt: e.state.OpenedAt,
			RetryIn:  retryIn,
			Failures: len(e.state.Failures),
		}
	}
	if e.state.Phase == PhaseOpen {
		e.state.Phase = PhaseHalfOpen
		e.state.LastFailure = now
		m.publishCircuit(id, e)
	}
	return nil
}

// HealthFailed implements health.StatusHandler.
func (m *Manager) HealthFailed(id string, r health.Result) {
	m.OnFailure(id, "health checks failing: "+string(r.Overall))
}

// HealthRecovered implements health.StatusHandler.
func (m *Manager) HealthRecovered(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	if e == nil {
		return
	}
	prev := e.state.Phase
	e.state, _ = Apply(e.state, SignalHealthy, e.policy, m.clock.Now())
	if prev != e.state.Phase {
		m.publishCircuit(id, e)
	}
}

// OnFailure feeds a crash, sustained unhealthiness, or failed restart into
// the machine and acts on the decision.
func (m *Manager) OnFailure(id, reason string) {
	m.mu.Lock()
	e := m.entries[id]
	if e == nil || !e.enabled {
		m.mu.Unlock()
		return
	}
	if e.pending != nil {
		// A restart is already scheduled; do not stack another.
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	var dec Decision
	e.state, dec = Apply(e.state, SignalFailure, e.policy, now)

	switch dec.Action {
	case ActionRestart:
		attempt := e.state.Attempt
		if dec.Trial {
			attempt = 1
		}
		e.log = append(e.log, RestartEvent{
			Timestamp: now,
			Reason:    reason,
			Attempt:   attempt,
			Backoff:   dec.Delay,
			Outcome:   "scheduled",
		})
		cctx, cancel := context.WithCancel(m.ctx)
		e.pending = cancel
		m.publishCircuit(id, e)
		m.mu.Unlock()

		m.markRestarting(id, e)
		m.wg.Add(1)
		go m.executeAfter(cctx, id, reason, attempt, dec.Delay)

	case ActionReject:
		e.log = append(e.log, RestartEvent{
			Timestamp: now,
			Reason:    reason,
			Attempt:   e.state.Attempt,
			Backoff:   0,
			Outcome:   "rejected",
		})
		opened := dec.Opened
		failures := len(e.state.Failures)
		cooldown := e.policy.CircuitCooldown
		m.publishCircuit(id, e)
		m.mu.Unlock()
		if opened {
			slog.Warn("restart circuit opened", "id", id, "failures", failures, "cooldown", cooldown)
			m.bus.Emit(m.ctx, events.Event{
				Type:         events.TypeCircuitOpened,
				DeploymentID: id,
				Fields:       map[string]any{"failures": failures, "cooldown": cooldown.String(), "reason": reason},
			})
			m.bus.Emit(m.ctx, events.Event{
				Type:         events.TypeStabilityAlert,
				DeploymentID: id,
				Fields:       map[string]any{"alert": "restart_circuit_open", "severity": "critical", "evidence": reason},
			})
		}

	default:
		m.mu.Unlock()
	}
}

// markRestarting publishes the Restarting status before the backoff wait so
// operators see the pending restart and its timer.
func (m *Manager) markRestarting(id string, e *entry) {
	circuit := func() deployment.CircuitState {
		m.mu.Lock()
		defer m.mu.Unlock()
		return e.state.Phase.CircuitState()
	}()
	if _, err := m.rt.UpdateRecord(m.ctx, id, func(r *deployment.Record) {
		r.Status = deployment.StatusRestarting
		r.CircuitState = circuit
	}); err != nil {
		slog.Warn("mark restarting failed", "id", id, "error", err)
	}
}

// executeAfter waits out the backoff and performs the restart.
func (m *Manager) executeAfter(ctx context.Context, id, reason string, attempt int, delay time.Duration) {
	defer m.wg.Done()
	select {
	case <-ctx.Done():
		m.clearPending(id)
		return
	case <-m.clock.After(delay):
	}
	m.clearPending(id)

	err := m.rt.Restart(ctx, id)
	now := m.clock.Now()

	m.mu.Lock()
	e := m.entries[id]
	if e != nil {
		outcome := "succeeded"
		if err != nil {
			outcome = "failed"
		}
		e.log = append(e.log, RestartEvent{
			Timestamp: now,
			Reason:    reason,
			Attempt:   attempt,
			Backoff:   delay,
			Outcome:   outcome,
		})
	}
	m.mu.Unlock()

	if err != nil {
		slog.Warn("scheduled restart failed", "id", id, "attempt", attempt, "error", err)
		m.OnFailure(id, "restart attempt failed: "+err.Error())
		return
	}
	if _, uerr := m.rt.UpdateRecord(ctx, id, func(r *deployment.Record) {
		r.RestartCount++
	}); uerr != nil {
		slog.Warn("record restart count failed", "id", id, "error", uerr)
	}
	m.bus.Emit(ctx, events.Event{
		Type:         events.TypeDeploymentRestarted,
		DeploymentID: id,
		Fields:       map[string]any{"attempt": attempt, "reason": reason, "backoff": delay.String()},
	})
}

func (m *Manager) clearPending(id string) {
	m.mu.Lock()
	if e := m.entries[id]; e != nil && e.pending != nil {
		e.pending = nil
	}
	m.mu.Unlock()
}

// publishCircuit mirrors the breaker state into the persisted record.
// Caller must hold m.mu or own e exclusively; the update itself runs
// against the runtime without the lock held.
func (m *Manager) publishCircuit(id string, e *entry) {
	circuit := e.state.Phase.CircuitState()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.rt.UpdateRecord(m.ctx, id, func(r *deployment.Record) {
			r.CircuitState = circuit
		}); err != nil {
			slog.Debug("persist circuit state failed", "id", id, "error", err)
		}
	}()
}

// Shutdown cancels scheduled restarts and waits for in-flight ones.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}
