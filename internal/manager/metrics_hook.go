package manager

import (
	"context"

	"github.com/bobmatnyc/localops/internal/deployment"
	"github.com/bobmatnyc/localops/internal/events"
	"github.com/bobmatnyc/localops/internal/health"
	"github.com/bobmatnyc/localops/internal/metrics"
)

// publishCycleMetrics mirrors each completed health cycle into Prometheus
// gauges. Attached as a health.CycleHook.
func publishCycleMetrics(id string, latest health.Result, _ []health.Result) {
	metrics.SetHealthStatus(id, statusRank(latest.Overall))
	for _, t := range latest.Tiers {
		switch t.Tier {
		case health.TierHTTP:
			if t.LatencyMS > 0 {
				metrics.ObserveCheckLatency(id, t.LatencyMS/1000)
			}
		case health.TierResource:
			metrics.SetResourceMemory(id, uint64(t.MemoryMB*1024*1024))
			metrics.SetResourceFDs(id, t.NumFDs)
		}
	}
}

func statusRank(s health.Status) int {
	switch s {
	case health.Unhealthy:
		return 2
	case health.Degraded:
		return 1
	default:
		return 0
	}
}

// metricsSink counts bus events that have no direct call site in the
// supervisor path: circuit transitions and stability alerts.
type metricsSink struct{}

func (metricsSink) Send(_ context.Context, e events.Event) error {
	switch e.Type {
	case events.TypeCircuitOpened:
		metrics.SetCircuitState(e.DeploymentID, 2)
	case events.TypeHealthChanged:
		// circuit closes again on recovery
		if to, ok := e.Fields["to"].(deployment.Status); ok && to == deployment.StatusRunning {
			metrics.SetCircuitState(e.DeploymentID, 0)
		}
	case events.TypeStabilityAlert:
		alert, _ := e.Fields["alert"].(string)
		metrics.IncStabilityAlert(e.DeploymentID, alert)
	}
	return nil
}

func (metricsSink) Close() error { return nil }
