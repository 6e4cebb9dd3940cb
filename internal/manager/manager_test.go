package manager

import (
	"context"
	stdruntime "runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmatnyc/localops/internal/deployment"
	"github.com/bobmatnyc/localops/internal/health"
)

// healthyChecker reports every deployment healthy via the process tier.
type healthyChecker struct{}

func (healthyChecker) Check(context.Context, health.Target) health.Result {
	return health.Result{
		Timestamp: time.Now(),
		Overall:   health.Healthy,
		Tiers:     []health.TierResult{{Tier: health.TierProcess, Status: health.Healthy, Alive: true}},
	}
}

// switchChecker flips between healthy and unhealthy under test control.
type switchChecker struct{ unhealthy atomic.Bool }

func (c *switchChecker) Check(context.Context, health.Target) health.Result {
	st := health.Healthy
	alive := true
	if c.unhealthy.Load() {
		st = health.Unhealthy
		alive = false
	}
	return health.Result{
		Timestamp: time.Now(),
		Overall:   st,
		Tiers:     []health.TierResult{{Tier: health.TierProcess, Status: st, Alive: alive}},
	}
}

func newTestManager(t *testing.T) *Manager {
	return newTestManagerWith(t, healthyChecker{})
}

func newTestManagerWith(t *testing.T, checker health.Checker) *Manager {
	t.Helper()
	if stdruntime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	m, err := New(Options{
		StateDir: t.TempDir(),
		Checker:  checker,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

func testConfig(id string) deployment.Config {
	c := deployment.Config{
		ID:           id,
		Command:      "sleep 60",
		GraceTimeout: 2 * time.Second,
	}
	c.HealthCheck.Interval = 20 * time.Millisecond
	c.Restart.Enabled = true
	return c
}

func TestStartStatusStopLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Start(ctx, testConfig("web"))
	require.NoError(t, err)
	assert.Positive(t, rec.PID)

	require.Eventually(t, func() bool {
		snap, err := m.Status("web")
		return err == nil && snap.Record.Status == deployment.StatusRunning
	}, 2*time.Second, 20*time.Millisecond)

	snap, err := m.Status("web")
	require.NoError(t, err)
	assert.True(t, snap.AutoRestart)
	require.NotNil(t, snap.Health)
	assert.Equal(t, health.Healthy, snap.Health.Overall)
	assert.Zero(t, snap.CircuitFailures)

	require.NoError(t, m.Stop(ctx, "web", false))
	snap, err = m.Status("web")
	require.NoError(t, err)
	assert.Equal(t, deployment.StatusStopped, snap.Record.Status)
}

func TestStatusUnknownID(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Status("ghost")
	assert.ErrorIs(t, err, deployment.ErrNotFound)
}

func TestListSnapshots(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, testConfig("a"))
	require.NoError(t, err)
	_, err = m.Start(ctx, testConfig("b"))
	require.NoError(t, err)

	snaps, err := m.List("")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Record.ID)
	assert.Equal(t, "b", snaps[1].Record.ID)
}

func TestStartAllContinuesPastFailures(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	bad := testConfig("bad")
	bad.Command = ""
	err := m.StartAll(ctx, []deployment.Config{bad, testConfig("good")})
	require.Error(t, err)

	snap, serr := m.Status("good")
	require.NoError(t, serr)
	assert.Positive(t, snap.Record.PID)
}

func TestSetAutoRestartPersistsFlag(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, testConfig("web"))
	require.NoError(t, err)
	assert.True(t, m.AutoRestartEnabled("web"))

	require.NoError(t, m.SetAutoRestart(ctx, "web", false))
	assert.False(t, m.AutoRestartEnabled("web"))

	snap, err := m.Status("web")
	require.NoError(t, err)
	assert.False(t, snap.Record.Config.Restart.Enabled)
}

func TestManualRestart(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.Start(ctx, testConfig("web"))
	require.NoError(t, err)

	rec, err := m.Restart(ctx, "web")
	require.NoError(t, err)
	assert.NotEqual(t, first.PID, rec.PID)
}

func TestMonitorStreamsSnapshots(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := m.Start(ctx, testConfig("web"))
	require.NoError(t, err)

	ch, err := m.Monitor(ctx, "web", 20*time.Millisecond)
	require.NoError(t, err)

	var got []Snapshot
	for snap := range ch {
		got = append(got, snap)
		if len(got) == 3 {
			cancel()
			break
		}
	}
	require.Len(t, got, 3)
	assert.Equal(t, "web", got[0].Record.ID)
}

func TestMonitorUnknownID(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Monitor(context.Background(), "ghost", time.Second)
	assert.ErrorIs(t, err, deployment.ErrNotFound)
}

func TestStopPurgeForgetsDeployment(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, testConfig("web"))
	require.NoError(t, err)
	require.NoError(t, m.Stop(ctx, "web", true))

	_, err = m.Status("web")
	assert.ErrorIs(t, err, deployment.ErrNotFound)
}

func TestHealthHistoryAccumulates(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, testConfig("web"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(m.HealthHistory("web")) >= 3
	}, 2*time.Second, 20*time.Millisecond)
}

func TestTailAfterStart(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	cfg := testConfig("web")
	cfg.Command = "sh -c 'echo ready; sleep 60'"
	_, err := m.Start(ctx, cfg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		lines := m.Tail("web")
		return len(lines) > 0 && lines[0] == "ready"
	}, 2*time.Second, 20*time.Millisecond)
}

func failoverConfig(id string) deployment.Config {
	c := deployment.Config{
		ID:           id,
		Command:      "sleep 60",
		GraceTimeout: 2 * time.Second,
	}
	c.HealthCheck.Interval = 10 * time.Millisecond
	c.HealthCheck.FailureThreshold = 2
	c.Restart = deployment.RestartPolicy{
		Enabled:                 true,
		BaseDelay:               5 * time.Millisecond,
		Multiplier:              2.0,
		MaxDelay:                20 * time.Millisecond,
		CircuitFailureThreshold: 3,
		CircuitWindow:           time.Minute,
		CircuitCooldown:         60 * time.Millisecond,
		StableReset:             time.Hour,
	}
	return c
}

func TestSustainedUnhealthyDrivesOneRestart(t *testing.T) {
	checker := &switchChecker{}
	m := newTestManagerWith(t, checker)
	ctx := context.Background()

	first, err := m.Start(ctx, failoverConfig("web"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, err := m.Status("web")
		return err == nil && snap.Record.Status == deployment.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	// Failing cycles up to the threshold declare the deployment unhealthy
	// and schedule exactly one restart.
	checker.unhealthy.Store(true)
	require.Eventually(t, func() bool {
		return len(m.RestartHistory("web")) >= 1
	}, 2*time.Second, 2*time.Millisecond)
	checker.unhealthy.Store(false)

	require.Eventually(t, func() bool {
		log := m.RestartHistory("web")
		return len(log) >= 2 && log[1].Outcome == "succeeded"
	}, 2*time.Second, 5*time.Millisecond)

	log := m.RestartHistory("web")
	assert.Equal(t, "scheduled", log[0].Outcome)
	assert.Equal(t, 1, log[0].Attempt)

	require.Eventually(t, func() bool {
		snap, err := m.Status("web")
		return err == nil && snap.Record.Status == deployment.StatusRunning &&
			snap.Record.PID != first.PID
	}, 2*time.Second, 5*time.Millisecond)

	state, _, _ := m.restarts.Circuit("web")
	assert.Equal(t, deployment.CircuitClosed, state)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, m.RestartHistory("web"), 2)
}

func TestCircuitClosesAfterSuccessfulTrial(t *testing.T) {
	checker := &switchChecker{}
	m := newTestManagerWith(t, checker)
	ctx := context.Background()

	_, err := m.Start(ctx, failoverConfig("web"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, err := m.Status("web")
		return err == nil && snap.Record.Status == deployment.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	// Sustained unhealthiness across restarts trips the breaker.
	checker.unhealthy.Store(true)
	require.Eventually(t, func() bool {
		state, _, _ := m.restarts.Circuit("web")
		return state == deployment.CircuitOpen
	}, 5*time.Second, 5*time.Millisecond)

	// Recovery while open is ignored; the circuit waits out its cooldown.
	checker.unhealthy.Store(false)
	require.Eventually(t, func() bool {
		snap, err := m.Status("web")
		return err == nil && snap.Record.Status == deployment.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)
	state, _, _ := m.restarts.Circuit("web")
	require.Equal(t, deployment.CircuitOpen, state)

	// After the cooldown the next declared failure gets the half-open
	// trial; a clean cycle after the trial restart closes the circuit.
	time.Sleep(80 * time.Millisecond)
	checker.unhealthy.Store(true)
	require.Eventually(t, func() bool {
		state, _, _ := m.restarts.Circuit("web")
		return state == deployment.CircuitHalfOpen
	}, 2*time.Second, 2*time.Millisecond)
	checker.unhealthy.Store(false)

	require.Eventually(t, func() bool {
		state, failures, _ := m.restarts.Circuit("web")
		return state == deployment.CircuitClosed && failures == 0
	}, 5*time.Second, 5*time.Millisecond)

	// The breaker is genuinely closed: a later failure is scheduled with
	// the base delay again, not rejected.
	before := len(m.RestartHistory("web"))
	checker.unhealthy.Store(true)
	require.Eventually(t, func() bool {
		log := m.RestartHistory("web")
		return len(log) > before && log[len(log)-1].Outcome == "succeeded"
	}, 5*time.Second, 5*time.Millisecond)
	checker.unhealthy.Store(false)

	for _, e := range m.RestartHistory("web")[before:] {
		assert.NotEqual(t, "rejected", e.Outcome)
	}
	state, _, _ = m.restarts.Circuit("web")
	assert.NotEqual(t, deployment.CircuitOpen, state)
}

func TestDegradedStartsFalse(t *testing.T) {
	m := newTestManager(t)
	assert.False(t, m.Degraded())
}
