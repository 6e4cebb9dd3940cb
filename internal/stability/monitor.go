// Package stability runs preemptive trend detectors over the health history
// of each deployment: memory-leak regression, log-pattern scanning, and
// resource-exhaustion thresholds. All detectors are read-only over their
// inputs; the only side effect is emitting advisory alerts.
package stability

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/bobmatnyc/localops/internal/events"
	"github.com/bobmatnyc/localops/internal/health"
)

// Config tunes the detectors.
type Config struct {
	// LeakWindow is the number of trailing memory samples fed to the
	// regression.
	LeakWindow int `mapstructure:"leak_window"`
	// LeakSlopeMBPerMin is the growth rate that raises a memory-leak alert.
	LeakSlopeMBPerMin float64 `mapstructure:"leak_slope_mb_per_min"`
	// LeakMinR2 is the minimum fit confidence for a leak alert.
	LeakMinR2 float64 `mapstructure:"leak_min_r2"`
	// LogPatterns are regexes scanned against captured output.
	LogPatterns []string `mapstructure:"log_patterns"`
	// LogScanInterval rate-limits per-pattern alerts.
	LogScanInterval time.Duration `mapstructure:"log_scan_interval"`
	// FDAlertPercent raises an exhaustion alert at this share of the fd limit.
	FDAlertPercent float64 `mapstructure:"fd_alert_pct"`
	// ThreadCeiling raises an exhaustion alert above this thread count.
	ThreadCeiling int `mapstructure:"thread_ceiling"`
}

// DefaultLogPatterns match common fatal signatures across toolchains.
var DefaultLogPatterns = []string{
	`(?i)\bpanic:`,
	`(?i)\bfatal\b`,
	`(?i)out of memory`,
	`(?i)segmentation fault`,
	`(?i)unhandled (exception|rejection)`,
	`EADDRINUSE|ECONNREFUSED|EMFILE`,
}

func (c *Config) normalize() {
	if c.LeakWindow <= 0 {
		c.LeakWindow = 30
	}
	if c.LeakSlopeMBPerMin <= 0 {
		c.LeakSlopeMBPerMin = 10
	}
	if c.LeakMinR2 <= 0 {
		c.LeakMinR2 = 0.6
	}
	if len(c.LogPatterns) == 0 {
		c.LogPatterns = DefaultLogPatterns
	}
	if c.LogScanInterval <= 0 {
		c.LogScanInterval = time.Minute
	}
	if c.FDAlertPercent <= 0 {
		c.FDAlertPercent = 80
	}
	if c.ThreadCeiling <= 0 {
		c.ThreadCeiling = 1000
	}
}

// TailSource supplies recent captured output lines per deployment.
type TailSource interface {
	Tail(id string) []string
}

// Monitor evaluates the detectors on every completed health cycle. It holds
// only rate-limiting state and the emitted-alert log.
type Monitor struct {
	cfg      Config
	tails    TailSource
	bus      *events.Bus
	patterns []*regexp.Regexp

	mu       sync.Mutex
	lastFire map[string]time.Time // "<id>/<key>" -> last alert time
	log      *alertLog
}

// NewMonitor compiles the configured patterns and returns the monitor.
// Invalid patterns are skipped with a warning.
func NewMonitor(cfg Config, tails TailSource, bus *events.Bus) *Monitor {
	cfg.normalize()
	patterns := make([]*regexp.Regexp, 0, len(cfg.LogPatterns))
	for _, p := range cfg.LogPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			slog.Warn("skipping invalid log pattern", "pattern", p, "error", err)
			continue
		}
		patterns = append(patterns, re)
	}
	return &Monitor{
		cfg:      cfg,
		tails:    tails,
		bus:      bus,
		patterns: patterns,
		lastFire: make(map[string]time.Time),
		log:      newAlertLog(200),
	}
}

// Alerts returns the emitted alerts, oldest first.
func (m *Monitor) Alerts() []Alert { return m.log.snapshot() }

// CycleHook adapts the monitor to health.CycleHook.
func (m *Monitor) CycleHook() health.CycleHook {
	return func(id string, latest health.Result, history []health.Result) {
		m.Scan(id, latest, history)
	}
}

// Scan runs all detectors for one deployment. Every firing detector reports
// independently; no alert suppresses another.
func (m *Monitor) Scan(id string, latest health.Result, history []health.Result) {
	now := time.Now().UTC()
	for _, a := range m.detectLeak(id, history, now) {
		m.emit(a)
	}
	for _, a := range m.detectLogPatterns(id, now) {
		m.emit(a)
	}
	for _, a := range m.detectExhaustion(id, latest, now) {
		m.emit(a)
	}
}

func (m *Monitor) detectLeak(id string, history []health.Result, now time.Time) []Alert {
	samples := make([]MemSample, 0, m.cfg.LeakWindow)
	for _, r := range history {
		if res, ok := r.Resource(); ok && res.MemoryMB > 0 {
			samples = append(samples, MemSample{Timestamp: r.Timestamp, MemoryMB: res.MemoryMB})
		}
	}
	if len(samples) < m.cfg.LeakWindow {
		return nil
	}
	samples = samples[len(samples)-m.cfg.LeakWindow:]
	slope, r2 := LeakSlope(samples)
	if slope < m.cfg.LeakSlopeMBPerMin || r2 < m.cfg.LeakMinR2 {
		return nil
	}
	if !m.shouldFire(id, "leak", now) {
		return nil
	}
	m.markFired(id, "leak", now)
	return []Alert{{
		Type:         AlertMemoryLeak,
		DeploymentID: id,
		Severity:     SeverityWarning,
		Evidence:     fmt.Sprintf("memory growing %.1f MB/min over %d samples (r²=%.2f)", slope, len(samples), r2),
		Timestamp:    now,
	}}
}

func (m *Monitor) detectLogPatterns(id string, now time.Time) []Alert {
	if m.tails == nil || len(m.patterns) == 0 {
		return nil
	}
	lines := m.tails.Tail(id)
	if len(lines) == 0 {
		return nil
	}
	var alerts []Alert
	for _, re := range m.patterns {
		key := "log/" + re.String()
		if !m.shouldFire(id, key, now) {
			continue
		}
		for _, line := range lines {
			if re.MatchString(line) {
				alerts = append(alerts, Alert{
					Type:         AlertLogPattern,
					DeploymentID: id,
					Severity:     SeverityWarning,
					Evidence:     fmt.Sprintf("pattern %q matched: %s", re.String(), truncate(line, 160)),
					Timestamp:    now,
				})
				m.markFired(id, key, now)
				break
			}
		}
	}
	return alerts
}

func (m *Monitor) detectExhaustion(id string, latest health.Result, now time.Time) []Alert {
	res, ok := latest.Resource()
	if !ok {
		return nil
	}
	var alerts []Alert
	if limit := health.FDLimit(); limit > 0 && res.NumFDs > 0 {
		pct := float64(res.NumFDs) / float64(limit) * 100
		if pct >= m.cfg.FDAlertPercent && m.shouldFire(id, "fd", now) {
			m.markFired(id, "fd", now)
			alerts = append(alerts, Alert{
				Type:         AlertResourceExhaustion,
				DeploymentID: id,
				Severity:     SeverityCritical,
				Evidence:     fmt.Sprintf("fd usage %d of %d (%.0f%%)", res.NumFDs, limit, pct),
				Timestamp:    now,
			})
		}
	}
	if m.cfg.ThreadCeiling > 0 && int(res.NumThreads) > m.cfg.ThreadCeiling && m.shouldFire(id, "threads", now) {
		m.markFired(id, "threads", now)
		alerts = append(alerts, Alert{
			Type:         AlertResourceExhaustion,
			DeploymentID: id,
			Severity:     SeverityCritical,
			Evidence:     fmt.Sprintf("thread count %d above ceiling %d", res.NumThreads, m.cfg.ThreadCeiling),
			Timestamp:    now,
		})
	}
	return alerts
}

// shouldFire rate-limits one detector key per deployment.
func (m *Monitor) shouldFire(id, key string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastFire[id+"/"+key]
	return !ok || now.Sub(last) >= m.cfg.LogScanInterval
}

func (m *Monitor) markFired(id, key string, now time.Time) {
	m.mu.Lock()
	m.lastFire[id+"/"+key] = now
	m.mu.Unlock()
}

func (m *Monitor) emit(a Alert) {
	m.log.append(a)
	m.bus.Emit(context.Background(), events.Event{
		Type:         events.TypeStabilityAlert,
		DeploymentID: a.DeploymentID,
		OccurredAt:   a.Timestamp,
		Fields: map[string]any{
			"alert":    string(a.Type),
			"severity": string(a.Severity),
			"evidence": a.Evidence,
		},
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
