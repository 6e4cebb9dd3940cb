package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bobmatnyc/localops/internal/deployment"
	"github.com/bobmatnyc/localops/internal/events"
)

// Runtime is the narrow view of the process supervisor the monitor needs.
type Runtime interface {
	Alive(id string) bool
	PID(id string) int
	UpdateRecord(ctx context.Context, id string, fn func(*deployment.Record)) (deployment.Record, error)
}

// StatusHandler observes deployment-level health transitions.
// Declared failure means FailureThreshold consecutive failing cycles.
type StatusHandler interface {
	HealthFailed(id string, r Result)
	HealthRecovered(id string)
}

// CycleHook runs after every completed cycle with the full history window.
// The stability monitor and metrics publisher attach here.
type CycleHook func(id string, latest Result, history []Result)

// Monitor runs one polling loop per watched deployment. Cycles for one
// deployment never overlap; loops across deployments are independent.
type Monitor struct {
	rt      Runtime
	checker Checker
	bus     *events.Bus

	mu      sync.Mutex
	loops   map[string]*loop
	handler StatusHandler
	hooks   []CycleHook

	wg sync.WaitGroup
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
	ring   *Ring

	// loop-goroutine-only state
	consecFails int
	declared    bool // true after FailureThreshold reached, until recovery
	sawHealthy  bool
}

// NewMonitor constructs a Monitor using the given checker (the production
// TieredChecker or a test fake).
func NewMonitor(rt Runtime, checker Checker, bus *events.Bus) *Monitor {
	return &Monitor{
		rt:      rt,
		checker: checker,
		bus:     bus,
		loops:   make(map[string]*loop),
	}
}

// SetStatusHandler registers the transition observer (the restart manager).
func (m *Monitor) SetStatusHandler(h StatusHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// AddCycleHook appends a per-cycle hook. Not safe to call after Watch.
func (m *Monitor) AddCycleHook(h CycleHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// Watch starts (or restarts) the polling loop for one deployment.
func (m *Monitor) Watch(id string, cfg deployment.Config, port int) {
	cfg.Normalize()
	m.mu.Lock()
	if old := m.loops[id]; old != nil {
		old.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, done: make(chan struct{}), ring: NewRing(DefaultHistorySize)}
	m.loops[id] = l
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, id, cfg, port, l)
}

// Unwatch stops the loop for id and waits for it to drain.
func (m *Monitor) Unwatch(id string) {
	m.mu.Lock()
	l := m.loops[id]
	delete(m.loops, id)
	m.mu.Unlock()
	if l != nil {
		l.cancel()
		<-l.done
	}
}

// History returns the buffered results for id, oldest first.
func (m *Monitor) History(id string) []Result {
	m.mu.Lock()
	l := m.loops[id]
	m.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.ring.Snapshot()
}

// Shutdown cancels every loop and waits for all of them to drain.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	for id, l := range m.loops {
		l.cancel()
		delete(m.loops, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, id string, cfg deployment.Config, port int, l *loop) {
	defer m.wg.Done()
	defer close(l.done)

	ticker := time.NewTicker(cfg.HealthCheck.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cycle(ctx, id, cfg, port, l)
		}
	}
}

// cycle runs one evaluation and applies the flap-damped transition rules.
func (m *Monitor) cycle(ctx context.Context, id string, cfg deployment.Config, port int, l *loop) {
	res := m.checker.Check(ctx, Target{ID: id, PID: m.rt.PID(id), Port: port, Config: cfg})
	l.ring.Append(res)

	m.mu.Lock()
	handler := m.handler
	hooks := m.hooks
	m.mu.Unlock()

	switch {
	case res.Overall == Unhealthy:
		l.consecFails++
		if !l.declared && l.consecFails >= cfg.HealthCheck.FailureThreshold {
			l.declared = true
			slog.Warn("deployment declared unhealthy",
				"id", id, "consecutive_failures", l.consecFails)
			m.publishStatus(ctx, id, deployment.StatusUnhealthy, res)
			if handler != nil {
				handler.HealthFailed(id, res)
			}
		}
	default:
		l.consecFails = 0
		if l.declared {
			l.declared = false
			slog.Info("deployment recovered", "id", id)
			m.publishStatus(ctx, id, deployment.StatusRunning, res)
			if handler != nil {
				handler.HealthRecovered(id)
			}
		} else if !l.sawHealthy {
			// First clean cycle promotes Starting to Running. The handler
			// sees it too: a loop attached after a restart reports recovery
			// here, not through the declared path.
			m.publishStatus(ctx, id, deployment.StatusRunning, res)
			if handler != nil {
				handler.HealthRecovered(id)
			}
		}
		l.sawHealthy = true
	}

	history := l.ring.Snapshot()
	for _, h := range hooks {
		h(id, res, history)
	}
}

func (m *Monitor) publishStatus(ctx context.Context, id string, st deployment.Status, res Result) {
	var prev deployment.Status
	rec, err := m.rt.UpdateRecord(ctx, id, func(r *deployment.Record) {
		prev = r.Status
		r.Status = st
		r.LastHealth = string(res.Overall)
	})
	if err != nil {
		slog.Warn("publish health status failed", "id", id, "error", err)
		return
	}
	if prev != st {
		m.bus.Emit(ctx, events.Event{
			Type:         events.TypeHealthChanged,
			DeploymentID: id,
			Fields:       map[string]any{"from": prev, "to": rec.Status, "overall": res.Overall},
		})
	}
}
