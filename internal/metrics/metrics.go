package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	deploymentStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localops",
			Subsystem: "deployment",
			Name:      "starts_total",
			Help:      "Number of successful deployment starts.",
		}, []string{"id"},
	)
	deploymentRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localops",
			Subsystem: "deployment",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts.",
		}, []string{"id"},
	)
	deploymentStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localops",
			Subsystem: "deployment",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"id"},
	)
	healthStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "localops",
			Subsystem: "health",
			Name:      "status",
			Help:      "Latest aggregated health per deployment (0 healthy, 1 degraded, 2 unhealthy).",
		}, []string{"id"},
	)
	healthCheckLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "localops",
			Subsystem: "health",
			Name:      "check_latency_seconds",
			Help:      "Latency of the HTTP health probe.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"id"},
	)
	circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "localops",
			Subsystem: "restart",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per deployment (0 closed, 1 half-open, 2 open).",
		}, []string{"id"},
	)
	stabilityAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localops",
			Subsystem: "stability",
			Name:      "alerts_total",
			Help:      "Number of stability alerts raised.",
		}, []string{"id", "type"},
	)
	resourceMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "localops",
			Subsystem: "resource",
			Name:      "memory_bytes",
			Help:      "Resident memory of the deployment process.",
		}, []string{"id"},
	)
	resourceFDs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "localops",
			Subsystem: "resource",
			Name:      "open_fds",
			Help:      "Open file descriptors of the deployment process.",
		}, []string{"id"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{deploymentStarts, deploymentRestarts, deploymentStops, healthStatus, healthCheckLatency, circuitState, stabilityAlerts, resourceMemory, resourceFDs}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(id string) {
	if regOK.Load() {
		deploymentStarts.WithLabelValues(id).Inc()
	}
}
func IncRestart(id string) {
	if regOK.Load() {
		deploymentRestarts.WithLabelValues(id).Inc()
	}
}
func IncStop(id string) {
	if regOK.Load() {
		deploymentStops.WithLabelValues(id).Inc()
	}
}
func SetHealthStatus(id string, rank int) {
	if regOK.Load() {
		healthStatus.WithLabelValues(id).Set(float64(rank))
	}
}
func ObserveCheckLatency(id string, seconds float64) {
	if regOK.Load() {
		healthCheckLatency.WithLabelValues(id).Observe(seconds)
	}
}
func SetCircuitState(id string, state int) {
	if regOK.Load() {
		circuitState.WithLabelValues(id).Set(float64(state))
	}
}
func IncStabilityAlert(id, alertType string) {
	if regOK.Load() {
		stabilityAlerts.WithLabelValues(id, alertType).Inc()
	}
}
func SetResourceMemory(id string, bytes uint64) {
	if regOK.Load() {
		resourceMemory.WithLabelValues(id).Set(float64(bytes))
	}
}
func SetResourceFDs(id string, n int32) {
	if regOK.Load() {
		resourceFDs.WithLabelValues(id).Set(float64(n))
	}
}

// Forget drops all series for a deployment after it is removed.
func Forget(id string) {
	if !regOK.Load() {
		return
	}
	deploymentStarts.DeleteLabelValues(id)
	deploymentRestarts.DeleteLabelValues(id)
	deploymentStops.DeleteLabelValues(id)
	healthStatus.DeleteLabelValues(id)
	healthCheckLatency.DeleteLabelValues(id)
	circuitState.DeleteLabelValues(id)
	resourceMemory.DeleteLabelValues(id)
	resourceFDs.DeleteLabelValues(id)
}
