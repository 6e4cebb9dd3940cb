package stability

import (
	"sync"
	"time"
)

// AlertType classifies a stability alert.
type AlertType string

const (
	AlertMemoryLeak         AlertType = "memory_leak"
	AlertLogPattern         AlertType = "log_pattern"
	AlertResourceExhaustion AlertType = "resource_exhaustion"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an advisory, immutable finding about a trend that has not yet
// failed a health check. Alerts never trigger restarts.
type Alert struct {
	Type         AlertType `json:"type"`
	DeploymentID string    `json:"deployment_id"`
	Severity     Severity  `json:"severity"`
	Evidence     string    `json:"evidence"`
	Timestamp    time.Time `json:"timestamp"`
}

// alertLog is a bounded append-only list of emitted alerts.
type alertLog struct {
	mu     sync.Mutex
	alerts []Alert
	max    int
}

func newAlertLog(max int) *alertLog {
	if max <= 0 {
		max = 200
	}
	return &alertLog{max: max}
}

func (l *alertLog) append(a Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.alerts) >= l.max {
		copy(l.alerts, l.alerts[1:])
		l.alerts = l.alerts[:len(l.alerts)-1]
	}
	l.alerts = append(l.alerts, a)
}

func (l *alertLog) snapshot() []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Alert, len(l.alerts))
	copy(out, l.alerts)
	return out
}
