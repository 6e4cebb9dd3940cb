package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmatnyc/localops/internal/deployment"
)

func httpTarget(t *testing.T, handler http.HandlerFunc) (Target, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := deployment.Config{ID: "web", Command: "sleep 60"}
	cfg.HealthCheck.Endpoint = "/healthz"
	cfg.HealthCheck.Timeout = time.Second
	return Target{ID: "web", PID: os.Getpid(), Port: port, Config: cfg}, srv.Close
}

func TestCheckHTTPHealthy(t *testing.T) {
	target, done := httpTarget(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	defer done()

	c := NewChecker()
	res := c.checkHTTP(context.Background(), target)
	assert.Equal(t, Healthy, res.Status)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Positive(t, res.LatencyMS)
}

func TestCheckHTTPNon2xx(t *testing.T) {
	target, done := httpTarget(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer done()

	c := NewChecker()
	res := c.checkHTTP(context.Background(), target)
	assert.Equal(t, Unhealthy, res.Status)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestCheckHTTPTimeoutIsUnhealthyNotError(t *testing.T) {
	target, done := httpTarget(t, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})
	defer done()
	target.Config.HealthCheck.Timeout = 50 * time.Millisecond

	c := NewChecker()
	res := c.checkHTTP(context.Background(), target)
	assert.Equal(t, Unhealthy, res.Status)
	assert.Contains(t, res.Detail, "request failed")
}

func TestCheckHTTPNotApplicableWithoutPort(t *testing.T) {
	cfg := deployment.Config{ID: "worker", Command: "sleep 60"}
	c := NewChecker()
	res := c.checkHTTP(context.Background(), Target{ID: "worker", PID: os.Getpid(), Port: 0, Config: cfg})
	assert.Equal(t, Healthy, res.Status)
	assert.Equal(t, "no endpoint configured", res.Detail)
}

func TestCheckProcessOwnPID(t *testing.T) {
	res := checkProcess(Target{ID: "self", PID: os.Getpid()})
	assert.Equal(t, Healthy, res.Status)
	assert.True(t, res.Alive)
}

func TestCheckProcessGone(t *testing.T) {
	res := checkProcess(Target{ID: "gone", PID: 999999})
	assert.Equal(t, Unhealthy, res.Status)

	res = checkProcess(Target{ID: "none", PID: 0})
	assert.Equal(t, Unhealthy, res.Status)
	assert.Equal(t, "no process", res.Detail)
}

func TestCheckResourceOwnPID(t *testing.T) {
	res := checkResource(Target{ID: "self", PID: os.Getpid()})
	assert.Equal(t, Healthy, res.Status)
	assert.Positive(t, res.MemoryMB)
}

func TestCheckResourceDegradedOverMemoryLimit(t *testing.T) {
	cfg := deployment.Config{ID: "self", Command: "sleep 60"}
	cfg.Limits.MaxMemoryMB = 0.001
	res := checkResource(Target{ID: "self", PID: os.Getpid(), Config: cfg})
	assert.Equal(t, Degraded, res.Status)
	assert.Contains(t, res.Detail, "memory")
}

func TestEndpointURL(t *testing.T) {
	cfg := deployment.Config{}
	cfg.HealthCheck.Endpoint = "healthz"
	assert.Equal(t, "http://127.0.0.1:3000/healthz", endpointURL(Target{Port: 3000, Config: cfg}))

	cfg.HealthCheck.Endpoint = ""
	assert.Equal(t, "http://127.0.0.1:8080/", endpointURL(Target{Port: 8080, Config: cfg}))

	cfg.HealthCheck.Endpoint = "https://example.com/status"
	assert.Equal(t, "https://example.com/status", endpointURL(Target{Port: 3000, Config: cfg}))
}

func TestFullCycleAggregatesWorst(t *testing.T) {
	target, done := httpTarget(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer done()

	c := NewChecker()
	res := c.Check(context.Background(), target)
	require.Len(t, res.Tiers, 3)
	assert.Equal(t, Healthy, res.Overall)
	assert.False(t, res.Timestamp.IsZero())
}
