package deployment

import (
	"strings"
	"time"

	"github.com/bobmatnyc/localops/internal/logger"
)

// Status is the lifecycle state of a deployment.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusUnhealthy  Status = "unhealthy"
	StatusRestarting Status = "restarting"
	StatusStopped    Status = "stopped"
	StatusCrashed    Status = "crashed"
)

// Terminal reports whether the status is a resting state that only an
// external start/stop can leave.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCrashed
}

// HealthCheckConfig configures the HTTP tier and the polling cadence for one
// deployment. Endpoint is a path ("/healthz") resolved against the
// deployment's port; a full URL is honored as-is.
type HealthCheckConfig struct {
	Endpoint         string        `json:"endpoint" mapstructure:"endpoint"`
	Interval         time.Duration `json:"interval" mapstructure:"interval"`
	Timeout          time.Duration `json:"timeout" mapstructure:"timeout"`
	FailureThreshold int           `json:"failure_threshold" mapstructure:"failure_threshold"`
}

// RestartPolicy governs automatic restarts and the circuit breaker.
type RestartPolicy struct {
	Enabled                 bool          `json:"enabled" mapstructure:"enabled"`
	BaseDelay               time.Duration `json:"base_delay" mapstructure:"base_delay"`
	Multiplier              float64       `json:"multiplier" mapstructure:"multiplier"`
	MaxDelay                time.Duration `json:"max_delay" mapstructure:"max_delay"`
	CircuitFailureThreshold int           `json:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitWindow           time.Duration `json:"circuit_window" mapstructure:"circuit_window"`
	CircuitCooldown         time.Duration `json:"circuit_cooldown" mapstructure:"circuit_cooldown"`
	StableReset             time.Duration `json:"stable_reset" mapstructure:"stable_reset"`
}

// ResourceLimits are the thresholds for the resource health tier.
type ResourceLimits struct {
	MaxCPUPercent float64 `json:"max_cpu_percent" mapstructure:"max_cpu_percent"`
	MaxMemoryMB   float64 `json:"max_memory_mb" mapstructure:"max_memory_mb"`
	MaxFDPercent  float64 `json:"max_fd_pct" mapstructure:"max_fd_pct"`
	MaxThreads    int     `json:"max_threads" mapstructure:"max_threads"`
}

// Config describes a deployment to be supervised.
type Config struct {
	ID            string            `json:"id" mapstructure:"id"`
	Command       string            `json:"command" mapstructure:"command"`
	WorkDir       string            `json:"work_dir" mapstructure:"work_dir"`
	Env           []string          `json:"env" mapstructure:"env"`
	Port          int               `json:"port" mapstructure:"port"`
	PortAutoShift bool              `json:"port_auto_shift" mapstructure:"port_auto_shift"`
	MaxPortShifts int               `json:"max_port_shifts" mapstructure:"max_port_shifts"`
	GraceTimeout  time.Duration     `json:"grace_timeout" mapstructure:"grace_timeout"`
	HealthCheck   HealthCheckConfig `json:"health_check" mapstructure:"health_check"`
	Restart       RestartPolicy     `json:"restart_policy" mapstructure:"restart_policy"`
	Limits        ResourceLimits    `json:"resource_limits" mapstructure:"resource_limits"`
	Log           logger.Config     `json:"log" mapstructure:"log"`
}

// Defaults for optional config knobs.
const (
	DefaultInterval         = 30 * time.Second
	DefaultTimeout          = 5 * time.Second
	DefaultFailureThreshold = 3
	DefaultGraceTimeout     = 10 * time.Second
	DefaultMaxPortShifts    = 10
	DefaultBaseDelay        = 2 * time.Second
	DefaultMultiplier       = 2.0
	DefaultMaxDelay         = 300 * time.Second
	DefaultCircuitThreshold = 3
	DefaultCircuitWindow    = 300 * time.Second
	DefaultCircuitCooldown  = 600 * time.Second
	DefaultStableReset      = 120 * time.Second
	DefaultMaxFDPercent     = 80
	DefaultMaxThreads       = 1000
)

// Normalize fills zero-valued optional fields with defaults.
func (c *Config) Normalize() {
	if c.HealthCheck.Interval <= 0 {
		c.HealthCheck.Interval = DefaultInterval
	}
	if c.HealthCheck.Timeout <= 0 {
		c.HealthCheck.Timeout = DefaultTimeout
	}
	if c.HealthCheck.FailureThreshold <= 0 {
		c.HealthCheck.FailureThreshold = DefaultFailureThreshold
	}
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = DefaultGraceTimeout
	}
	if c.MaxPortShifts <= 0 {
		c.MaxPortShifts = DefaultMaxPortShifts
	}
	if c.Restart.BaseDelay <= 0 {
		c.Restart.BaseDelay = DefaultBaseDelay
	}
	if c.Restart.Multiplier <= 1 {
		c.Restart.Multiplier = DefaultMultiplier
	}
	if c.Restart.MaxDelay <= 0 {
		c.Restart.MaxDelay = DefaultMaxDelay
	}
	if c.Restart.CircuitFailureThreshold <= 0 {
		c.Restart.CircuitFailureThreshold = DefaultCircuitThreshold
	}
	if c.Restart.CircuitWindow <= 0 {
		c.Restart.CircuitWindow = DefaultCircuitWindow
	}
	if c.Restart.CircuitCooldown <= 0 {
		c.Restart.CircuitCooldown = DefaultCircuitCooldown
	}
	if c.Restart.StableReset <= 0 {
		c.Restart.StableReset = DefaultStableReset
	}
	if c.Limits.MaxFDPercent <= 0 {
		c.Limits.MaxFDPercent = DefaultMaxFDPercent
	}
	if c.Limits.MaxThreads <= 0 {
		c.Limits.MaxThreads = DefaultMaxThreads
	}
}

// Validate checks the fields callers must supply.
func (c *Config) Validate() error {
	id := strings.TrimSpace(c.ID)
	if id == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if strings.ContainsAny(id, " \t\n/\\") || strings.Contains(id, "..") {
		return &ValidationError{Field: "id", Reason: "must not contain whitespace or path separators"}
	}
	if strings.TrimSpace(c.Command) == "" {
		return &ValidationError{Field: "command", Reason: "required"}
	}
	if c.Port < 0 || c.Port > 65535 {
		return &ValidationError{Field: "port", Reason: "out of range"}
	}
	return nil
}

// CircuitState mirrors the auto-restart circuit for persistence and status.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Record is the durable snapshot persisted per deployment id. A record is a
// complete state; partial records are never written.
type Record struct {
	ID           string       `json:"id"`
	PID          int          `json:"pid"`
	PGID         int          `json:"pgid"`
	Port         int          `json:"port"`
	Status       Status       `json:"status"`
	StartedAt    time.Time    `json:"started_at"`
	StoppedAt    time.Time    `json:"stopped_at,omitempty"`
	LastHealth   string       `json:"last_health,omitempty"`
	RestartCount int          `json:"restart_count"`
	CircuitState CircuitState `json:"circuit_state"`
	Config       Config       `json:"config"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
