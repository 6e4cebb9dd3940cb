package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gops "github.com/shirou/gopsutil/v4/process"

	"github.com/bobmatnyc/localops/internal/deployment"
)

// Target is everything a checker needs to evaluate one deployment cycle.
type Target struct {
	ID     string
	PID    int
	Port   int
	Config deployment.Config
}

// Checker runs one full multi-tier health cycle. Tests substitute fakes.
type Checker interface {
	Check(ctx context.Context, t Target) Result
}

// TieredChecker is the production checker: HTTP endpoint probe, OS process
// inspection, and resource thresholds, aggregated worst-of-three.
type TieredChecker struct {
	client *http.Client
}

// NewChecker returns a TieredChecker with a dedicated HTTP client. Per-cycle
// timeouts come from the deployment config, not the client.
func NewChecker() *TieredChecker {
	return &TieredChecker{client: &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

func (c *TieredChecker) Check(ctx context.Context, t Target) Result {
	tiers := []TierResult{
		c.checkHTTP(ctx, t),
		checkProcess(t),
		checkResource(t),
	}
	return Result{
		Timestamp: time.Now().UTC(),
		Overall:   Aggregate(tiers),
		Tiers:     tiers,
	}
}

// endpointURL resolves the configured endpoint against the deployment port.
// A full URL is honored as-is; a bare path is served from localhost.
func endpointURL(t Target) string {
	ep := t.Config.HealthCheck.Endpoint
	if ep == "" {
		ep = "/"
	}
	if strings.HasPrefix(ep, "http://") || strings.HasPrefix(ep, "https://") {
		return ep
	}
	if !strings.HasPrefix(ep, "/") {
		ep = "/" + ep
	}
	return fmt.Sprintf("http://127.0.0.1:%d%s", t.Port, ep)
}

// checkHTTP is Healthy on a 2xx within the configured timeout, Unhealthy
// otherwise. Timeouts are absorbed into the result, never surfaced as
// errors; they count toward the failure threshold like any failing cycle.
func (c *TieredChecker) checkHTTP(ctx context.Context, t Target) TierResult {
	res := TierResult{Tier: TierHTTP, Status: Unhealthy}
	if t.Port <= 0 && !strings.HasPrefix(t.Config.HealthCheck.Endpoint, "http") {
		// No port and no absolute URL: tier not applicable.
		res.Status = Healthy
		res.Detail = "no endpoint configured"
		return res
	}
	timeout := t.Config.HealthCheck.Timeout
	if timeout <= 0 {
		timeout = deployment.DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, endpointURL(t), nil)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	start := time.Now()
	resp, err := c.client.Do(req)
	res.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		res.Detail = "request failed: " + err.Error()
		return res
	}
	defer func() { _ = resp.Body.Close() }()
	res.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Status = Healthy
	} else {
		res.Detail = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return res
}

// checkProcess inspects liveness and zombie state via the OS process table.
func checkProcess(t Target) TierResult {
	res := TierResult{Tier: TierProcess, Status: Unhealthy}
	if t.PID <= 0 {
		res.Detail = "no process"
		return res
	}
	p, err := gops.NewProcess(int32(t.PID))
	if err != nil {
		res.Detail = "process gone"
		return res
	}
	running, err := p.IsRunning()
	if err != nil || !running {
		res.Detail = "not running"
		return res
	}
	res.Alive = true
	if sts, err := p.Status(); err == nil {
		for _, st := range sts {
			if st == gops.Zombie {
				res.Zombie = true
				res.Detail = "zombie"
				return res
			}
		}
	}
	res.Status = Healthy
	return res
}

// checkResource samples cpu/memory/fds/threads and compares against the
// configured limits. Exceeding any limit yields Degraded, not Unhealthy;
// resource pressure alone never triggers a restart by itself.
func checkResource(t Target) TierResult {
	res := TierResult{Tier: TierResource, Status: Healthy}
	if t.PID <= 0 {
		res.Status = Unhealthy
		res.Detail = "no process"
		return res
	}
	p, err := gops.NewProcess(int32(t.PID))
	if err != nil {
		res.Status = Unhealthy
		res.Detail = "process gone"
		return res
	}
	limits := t.Config.Limits
	var exceeded []string

	if cpu, err := p.CPUPercent(); err == nil {
		res.CPUPercent = cpu
		if limits.MaxCPUPercent > 0 && cpu > limits.MaxCPUPercent {
			exceeded = append(exceeded, fmt.Sprintf("cpu %.1f%% > %.1f%%", cpu, limits.MaxCPUPercent))
		}
	}
	if mem, err := p.MemoryInfo(); err == nil {
		res.MemoryMB = float64(mem.RSS) / 1024 / 1024
		if limits.MaxMemoryMB > 0 && res.MemoryMB > limits.MaxMemoryMB {
			exceeded = append(exceeded, fmt.Sprintf("memory %.0fMB > %.0fMB", res.MemoryMB, limits.MaxMemoryMB))
		}
	}
	if fds, err := p.NumFDs(); err == nil {
		res.NumFDs = fds
		if limit := FDLimit(); limit > 0 && limits.MaxFDPercent > 0 {
			pct := float64(fds) / float64(limit) * 100
			if pct > limits.MaxFDPercent {
				exceeded = append(exceeded, fmt.Sprintf("fds %.0f%% of limit", pct))
			}
		}
	}
	if threads, err := p.NumThreads(); err == nil {
		res.NumThreads = threads
		if limits.MaxThreads > 0 && int(threads) > limits.MaxThreads {
			exceeded = append(exceeded, fmt.Sprintf("threads %d > %d", threads, limits.MaxThreads))
		}
	}
	if len(exceeded) > 0 {
		res.Status = Degraded
		res.Detail = strings.Join(exceeded, "; ")
	}
	return res
}
