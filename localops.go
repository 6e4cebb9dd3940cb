// Package localops supervises locally deployed processes: it spawns them in
// their own process groups, persists their state, polls tiered health
// checks, restarts them with exponential backoff behind a circuit breaker,
// and watches for stability regressions.
package localops

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bobmatnyc/localops/internal/config"
	"github.com/bobmatnyc/localops/internal/deployment"
	"github.com/bobmatnyc/localops/internal/events"
	"github.com/bobmatnyc/localops/internal/health"
	"github.com/bobmatnyc/localops/internal/history/factory"
	"github.com/bobmatnyc/localops/internal/manager"
	"github.com/bobmatnyc/localops/internal/metrics"
	"github.com/bobmatnyc/localops/internal/restart"
	iapi "github.com/bobmatnyc/localops/internal/server"
	"github.com/bobmatnyc/localops/internal/stability"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Config = deployment.Config

type Record = deployment.Record

type Snapshot = manager.Snapshot

type Options = manager.Options

type HealthResult = health.Result

type RestartEvent = restart.RestartEvent

type Alert = stability.Alert

type EventSink = events.Sink

// Manager is a thin facade over internal/manager.Manager. It provides a
// stable public API for embedding.
type Manager struct{ inner *manager.Manager }

func New(opts Options) (*Manager, error) {
	inner, err := manager.New(opts)
	if err != nil {
		return nil, err
	}
	return &Manager{inner: inner}, nil
}

func (m *Manager) Reconcile(ctx context.Context) error { return m.inner.Reconcile(ctx) }
func (m *Manager) Start(ctx context.Context, cfg Config) (Record, error) {
	return m.inner.Start(ctx, cfg)
}
func (m *Manager) StartAll(ctx context.Context, cfgs []Config) error {
	return m.inner.StartAll(ctx, cfgs)
}
func (m *Manager) Stop(ctx context.Context, id string, purge bool) error {
	return m.inner.Stop(ctx, id, purge)
}
func (m *Manager) Restart(ctx context.Context, id string) (Record, error) {
	return m.inner.Restart(ctx, id)
}
func (m *Manager) Status(id string) (Snapshot, error)      { return m.inner.Status(id) }
func (m *Manager) List(filter string) ([]Snapshot, error)  { return m.inner.List(filter) }
func (m *Manager) HealthHistory(id string) []HealthResult  { return m.inner.HealthHistory(id) }
func (m *Manager) RestartHistory(id string) []RestartEvent { return m.inner.RestartHistory(id) }
func (m *Manager) Alerts(id string) []Alert                { return m.inner.Alerts(id) }
func (m *Manager) Tail(id string) []string                 { return m.inner.Tail(id) }
func (m *Manager) Degraded() bool                          { return m.inner.Degraded() }
func (m *Manager) Bus() *events.Bus                        { return m.inner.Bus() }
func (m *Manager) SetAutoRestart(ctx context.Context, id string, enabled bool) error {
	return m.inner.SetAutoRestart(ctx, id, enabled)
}
func (m *Manager) Monitor(ctx context.Context, id string, interval time.Duration) (<-chan Snapshot, error) {
	return m.inner.Monitor(ctx, id, interval)
}
func (m *Manager) Shutdown(ctx context.Context) { m.inner.Shutdown(ctx) }

// LoadConfig parses the daemon's TOML config file.
func LoadConfig(path string) (*config.Config, error) { return config.Load(path) }

// NewSinkFromDSN builds an event sink (SQLite, Postgres, ClickHouse,
// OpenSearch) from a DSN string.
func NewSinkFromDSN(dsn string) (EventSink, error) { return factory.NewSinkFromDSN(dsn) }

// NewHTTPServer starts an HTTP server exposing the API using the given manager.
func NewHTTPServer(addr, basePath string, m *Manager) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, m.inner)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It returns any immediate listen error; otherwise it runs
// the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
