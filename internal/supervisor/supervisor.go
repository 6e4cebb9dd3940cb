// Package supervisor spawns, stops, and restarts deployment process groups.
// Mutating operations on one deployment id are serialized by a per-id lock,
// so racing callers can never produce a duplicate spawn; the second caller
// observes the first one's result.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bobmatnyc/localops/internal/deployment"
	"github.com/bobmatnyc/localops/internal/env"
	"github.com/bobmatnyc/localops/internal/events"
	"github.com/bobmatnyc/localops/internal/logger"
	"github.com/bobmatnyc/localops/internal/ports"
	"github.com/bobmatnyc/localops/internal/statestore"
)

// ExitHandler is invoked from the reaper goroutine when a deployment's
// process group exits without a stop having been requested.
type ExitHandler func(id string, exitErr error)

// Supervisor owns the OS-process side of deployments.
type Supervisor struct {
	store *statestore.Store
	ports *ports.Registry
	envM  *env.Env
	bus   *events.Bus

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	procs  map[string]*managedProc
	onExit ExitHandler

	wg sync.WaitGroup
}

// managedProc is the in-memory side of one running deployment.
type managedProc struct {
	mu        sync.Mutex
	cfg       deployment.Config
	handle    Handle
	port      int
	startedAt time.Time
	outW      io.WriteCloser
	errW      io.WriteCloser
	tail      *logger.TailBuffer
	waitCh    chan struct{}
	waitErr   error
	stopping  bool
	exited    bool
}

func (p *managedProc) stopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

func (p *managedProc) setStopping(v bool) {
	p.mu.Lock()
	p.stopping = v
	p.mu.Unlock()
}

func (p *managedProc) markExited(err error) {
	p.mu.Lock()
	p.exited = true
	p.waitErr = err
	p.mu.Unlock()
}

func (p *managedProc) alive() bool {
	p.mu.Lock()
	h, exited := p.handle, p.exited
	p.mu.Unlock()
	return h != nil && !exited && h.Alive()
}

// New constructs a Supervisor. The port registry is injected by the owner
// (UnifiedManager) rather than held as package state.
func New(store *statestore.Store, reg *ports.Registry, envM *env.Env, bus *events.Bus) *Supervisor {
	if envM == nil {
		envM = env.New()
	}
	return &Supervisor{
		store: store,
		ports: reg,
		envM:  envM,
		bus:   bus,
		locks: make(map[string]*sync.Mutex),
		procs: make(map[string]*managedProc),
	}
}

// SetExitHandler registers the crash callback. Must be called before Start.
func (s *Supervisor) SetExitHandler(fn ExitHandler) {
	s.mu.Lock()
	s.onExit = fn
	s.mu.Unlock()
}

func (s *Supervisor) idLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.locks[id]
	if l == nil {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Start launches cfg's command in a new process group and persists the
// initial record. Starting an id that is already running is idempotent and
// returns the current record.
func (s *Supervisor) Start(ctx context.Context, cfg deployment.Config) (deployment.Record, error) {
	if err := cfg.Validate(); err != nil {
		return deployment.Record{}, err
	}
	cfg.Normalize()

	l := s.idLock(cfg.ID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	existing := s.procs[cfg.ID]
	s.mu.Unlock()
	if existing != nil && existing.alive() {
		return s.snapshot(cfg.ID)
	}

	port, err := s.ports.Allocate(cfg.ID, cfg.Port, cfg.PortAutoShift, cfg.MaxPortShifts)
	if err != nil {
		return deployment.Record{}, err
	}

	rec, err := s.spawn(ctx, cfg, port)
	if err != nil {
		s.ports.Release(cfg.ID)
		return deployment.Record{}, err
	}
	return rec, nil
}

func (s *Supervisor) spawn(ctx context.Context, cfg deployment.Config, port int) (deployment.Record, error) {
	cmd := buildCommand(cfg.Command)
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	perDeployment := cfg.Env
	if port > 0 {
		perDeployment = append(append([]string(nil), cfg.Env...), "PORT="+strconv.Itoa(port))
	}
	cmd.Env = s.envM.Merge(perDeployment)
	cmd.SysProcAttr = sysProcAttr()

	p := &managedProc{
		cfg:    cfg,
		port:   port,
		tail:   logger.NewTailBuffer(500),
		waitCh: make(chan struct{}),
	}
	outW, errW, _ := cfg.Log.Writers(cfg.ID)
	p.outW, p.errW = outW, errW
	cmd.Stdout = teeOrTail(outW, p.tail)
	cmd.Stderr = teeOrTail(errW, p.tail)

	if err := cmd.Start(); err != nil {
		closeWriters(p)
		return deployment.Record{}, &deployment.SpawnError{ID: cfg.ID, Command: cfg.Command, Err: err}
	}
	p.handle = newHandle(cmd)
	p.startedAt = time.Now().UTC()

	s.mu.Lock()
	s.procs[cfg.ID] = p
	onExit := s.onExit
	s.mu.Unlock()

	rec := deployment.Record{
		ID:           cfg.ID,
		PID:          p.handle.PID(),
		PGID:         p.handle.PGID(),
		Port:         port,
		Status:       deployment.StatusStarting,
		StartedAt:    p.startedAt,
		CircuitState: deployment.CircuitClosed,
		Config:       cfg,
	}
	if prev, err := s.store.Load(cfg.ID); err == nil {
		rec.RestartCount = prev.RestartCount
		rec.CircuitState = prev.CircuitState
	}
	if err := s.store.Persist(ctx, rec); err != nil {
		// Memory-only operation continues; surface to the caller per policy.
		slog.Warn("persist on start failed", "id", cfg.ID, "error", err)
	}
	s.bus.Emit(ctx, events.Event{
		Type:         events.TypeDeploymentStarted,
		DeploymentID: cfg.ID,
		Fields:       map[string]any{"pid": rec.PID, "pgid": rec.PGID, "port": port, "command": cfg.Command},
	})

	s.wg.Add(1)
	go s.reap(cfg.ID, p, cmd.Wait, onExit)
	return rec, nil
}

// reap waits for the process group leader, finalizes in-memory state, and
// reports unexpected exits.
func (s *Supervisor) reap(id string, p *managedProc, wait func() error, onExit ExitHandler) {
	defer s.wg.Done()
	err := wait()
	p.markExited(err)
	close(p.waitCh)
	closeWriters(p)

	if p.stopRequested() {
		return
	}
	slog.Warn("deployment exited unexpectedly", "id", id, "error", err)
	if rec, lerr := s.store.Load(id); lerr == nil && !rec.Status.Terminal() {
		rec.Status = deployment.StatusCrashed
		rec.StoppedAt = time.Now().UTC()
		_ = s.store.Persist(context.Background(), rec)
	}
	if onExit != nil {
		onExit(id, err)
	}
}

func teeOrTail(w io.Writer, tail *logger.TailBuffer) io.Writer {
	if w == nil {
		return tail
	}
	return io.MultiWriter(w, tail)
}

func closeWriters(p *managedProc) {
	p.mu.Lock()
	outW, errW := p.outW, p.errW
	p.outW, p.errW = nil, nil
	p.mu.Unlock()
	if outW != nil {
		_ = outW.Close()
	}
	if errW != nil {
		_ = errW.Close()
	}
}

// Stop terminates the deployment's process group. graceful controls whether
// SIGTERM precedes the kill; the grace timeout comes from the stored config.
// Stopping an already-stopped id is a no-op. purge removes the persisted
// record entirely.
func (s *Supervisor) Stop(ctx context.Context, id string, graceful, purge bool) error {
	l := s.idLock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	p := s.procs[id]
	s.mu.Unlock()

	if p == nil || !p.alive() {
		// Nothing running; still settle persisted state.
		if rec, err := s.store.Load(id); err == nil {
			if !rec.Status.Terminal() {
				rec.Status = deployment.StatusStopped
				rec.StoppedAt = time.Now().UTC()
				_ = s.store.Persist(ctx, rec)
			}
		} else if p == nil {
			return deployment.ErrNotFound
		}
		if purge {
			s.ports.Release(id)
			return s.store.Delete(id)
		}
		return nil
	}

	p.setStopping(true)
	grace := p.cfg.GraceTimeout
	if !graceful {
		grace = 0
	}

	if err := s.terminate(p, grace); err != nil {
		return err
	}

	s.ports.Release(id)
	if rec, err := s.store.Load(id); err == nil {
		rec.Status = deployment.StatusStopped
		rec.StoppedAt = time.Now().UTC()
		if err := s.store.Persist(ctx, rec); err != nil {
			slog.Warn("persist on stop failed", "id", id, "error", err)
		}
	}
	s.bus.Emit(ctx, events.Event{Type: events.TypeDeploymentStopped, DeploymentID: id})
	if purge {
		return s.store.Delete(id)
	}
	return nil
}

// terminate signals the group, waits out the grace period, escalates to a
// forced kill, and surfaces StopTimeoutError if the group survives even that.
func (s *Supervisor) terminate(p *managedProc, grace time.Duration) error {
	if grace > 0 {
		if err := p.handle.Terminate(); err != nil {
			slog.Debug("terminate signal failed", "id", p.cfg.ID, "error", err)
		}
		select {
		case <-p.waitCh:
			return nil
		case <-time.After(grace):
		}
	}
	if err := p.handle.Kill(); err != nil {
		slog.Debug("kill signal failed", "id", p.cfg.ID, "error", err)
	}
	select {
	case <-p.waitCh:
		return nil
	case <-time.After(2 * time.Second):
	}
	if p.handle.Alive() {
		return &deployment.StopTimeoutError{ID: p.cfg.ID, PGID: p.handle.PGID()}
	}
	return nil
}

// Restart stops then starts the deployment with its stored config. It emits
// no restart event itself; automatic restarts are accounted for by the
// restart manager.
func (s *Supervisor) Restart(ctx context.Context, id string) (deployment.Record, error) {
	cfg, err := s.Config(id)
	if err != nil {
		return deployment.Record{}, err
	}
	if err := s.Stop(ctx, id, true, false); err != nil {
		return deployment.Record{}, err
	}
	return s.Start(ctx, cfg)
}

// Config returns the effective config for id, preferring the live process
// over the persisted record.
func (s *Supervisor) Config(id string) (deployment.Config, error) {
	s.mu.Lock()
	p := s.procs[id]
	s.mu.Unlock()
	if p != nil {
		return p.cfg, nil
	}
	rec, err := s.store.Load(id)
	if err != nil {
		return deployment.Config{}, err
	}
	return rec.Config, nil
}

// Alive reports process liveness for id without touching persisted state.
func (s *Supervisor) Alive(id string) bool {
	s.mu.Lock()
	p := s.procs[id]
	s.mu.Unlock()
	return p != nil && p.alive()
}

// PID returns the live leader pid, or zero when not running.
func (s *Supervisor) PID(id string) int {
	s.mu.Lock()
	p := s.procs[id]
	s.mu.Unlock()
	if p == nil || !p.alive() {
		return 0
	}
	return p.handle.PID()
}

// Tail returns the recent captured output lines for id.
func (s *Supervisor) Tail(id string) []string {
	s.mu.Lock()
	p := s.procs[id]
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.tail.Lines()
}

// snapshot builds a Record reflecting current reality.
func (s *Supervisor) snapshot(id string) (deployment.Record, error) {
	rec, err := s.store.Load(id)
	if err != nil {
		return deployment.Record{}, err
	}
	if !s.Alive(id) && !rec.Status.Terminal() {
		rec.Status = deployment.StatusCrashed
	}
	return rec, nil
}

// Status returns the current record for id.
func (s *Supervisor) Status(id string) (deployment.Record, error) {
	return s.snapshot(id)
}

// List returns records matching filter ("" or "all" matches everything,
// otherwise a status name). The result is a finite sorted slice.
func (s *Supervisor) List(filter string) ([]deployment.Record, error) {
	recs, err := s.store.LoadAll()
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if !s.Alive(rec.ID) && !rec.Status.Terminal() {
			rec.Status = deployment.StatusCrashed
		}
		if filter == "" || filter == "all" || string(rec.Status) == filter {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Reconcile marks persisted records whose processes are gone as crashed.
// Called once at daemon startup before monitors attach.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	recs, err := s.store.LoadAll()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Status.Terminal() {
			continue
		}
		if rec.PID > 0 && pidAlive(rec.PID) {
			continue
		}
		rec.Status = deployment.StatusCrashed
		rec.StoppedAt = time.Now().UTC()
		if err := s.store.Persist(ctx, rec); err != nil {
			slog.Warn("reconcile persist failed", "id", rec.ID, "error", err)
		}
	}
	return nil
}

// Shutdown stops every running deployment and waits for all reapers.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.Stop(ctx, id, true, false); err != nil && err != deployment.ErrNotFound {
			slog.Warn("shutdown stop failed", "id", id, "error", err)
		}
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("shutdown timed out waiting for reapers")
	}
}

// UpdateRecord applies fn to the stored record under the per-id lock and
// persists the result. Used by monitors to publish status transitions.
func (s *Supervisor) UpdateRecord(ctx context.Context, id string, fn func(*deployment.Record)) (deployment.Record, error) {
	l := s.idLock(id)
	l.Lock()
	defer l.Unlock()
	rec, err := s.store.Load(id)
	if err != nil {
		return deployment.Record{}, err
	}
	fn(&rec)
	if err := s.store.Persist(ctx, rec); err != nil {
		return rec, fmt.Errorf("update record: %w", err)
	}
	return rec, nil
}

// ProcessTableEmpty reports whether no process of id's last known group
// remains. Used by tests to verify clean teardown.
func (s *Supervisor) ProcessTableEmpty(id string) bool {
	s.mu.Lock()
	p := s.procs[id]
	s.mu.Unlock()
	if p == nil {
		return true
	}
	return !p.alive()
}
