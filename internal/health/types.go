package health

import "time"

// Tier is one of the three independent check categories.
type Tier string

const (
	TierHTTP     Tier = "http"
	TierProcess  Tier = "process"
	TierResource Tier = "resource"
)

// Status is the outcome of a tier check or a whole cycle.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

func rank(s Status) int {
	switch s {
	case Unhealthy:
		return 2
	case Degraded:
		return 1
	default:
		return 0
	}
}

// Worst returns the more severe of a and b (Unhealthy > Degraded > Healthy).
func Worst(a, b Status) Status {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// TierResult carries the tier-specific metrics of one check.
type TierResult struct {
	Tier   Tier   `json:"tier"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`

	// HTTP tier
	LatencyMS  float64 `json:"latency_ms,omitempty"`
	StatusCode int     `json:"status_code,omitempty"`

	// Process tier
	Alive  bool `json:"alive,omitempty"`
	Zombie bool `json:"zombie,omitempty"`

	// Resource tier
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	MemoryMB   float64 `json:"memory_mb,omitempty"`
	NumFDs     int32   `json:"num_fds,omitempty"`
	NumThreads int32   `json:"num_threads,omitempty"`
}

// Result is one completed health cycle for a deployment.
type Result struct {
	Timestamp time.Time    `json:"timestamp"`
	Overall   Status       `json:"overall"`
	Tiers     []TierResult `json:"tiers"`
}

// Aggregate computes the cycle's overall status as the worst of its tiers.
func Aggregate(tiers []TierResult) Status {
	overall := Healthy
	for _, t := range tiers {
		overall = Worst(overall, t.Status)
	}
	return overall
}

// Resource returns the resource-tier result of the cycle, if present.
func (r Result) Resource() (TierResult, bool) {
	for _, t := range r.Tiers {
		if t.Tier == TierResource {
			return t, true
		}
	}
	return TierResult{}, false
}
