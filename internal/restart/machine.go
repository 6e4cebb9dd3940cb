// Package restart implements the crash/failure-driven restart policy:
// exponential backoff with a rolling-window circuit breaker. The transition
// logic is a pure function of (signal, state, policy, now) so it can be
// exercised without real timers.
package restart

import (
	"math"
	"time"

	"github.com/bobmatnyc/localops/internal/deployment"
)

// Phase is the breaker phase.
type Phase string

const (
	PhaseStable   Phase = "stable"
	PhaseOpen     Phase = "open"
	PhaseHalfOpen Phase = "half_open"
)

// CircuitState maps the phase onto the persisted representation.
func (p Phase) CircuitState() deployment.CircuitState {
	switch p {
	case PhaseOpen:
		return deployment.CircuitOpen
	case PhaseHalfOpen:
		return deployment.CircuitHalfOpen
	default:
		return deployment.CircuitClosed
	}
}

// State is the complete restart-decision state for one deployment.
type State struct {
	Phase       Phase
	Attempt     int
	Failures    []time.Time // failure timestamps inside the rolling window
	OpenedAt    time.Time
	LastFailure time.Time
}

// NewState returns the initial (stable) state.
func NewState() State {
	return State{Phase: PhaseStable}
}

// Signal is an input to the machine.
type Signal int

const (
	// SignalFailure reports a crash, sustained unhealthiness, or a failed
	// restart attempt.
	SignalFailure Signal = iota
	// SignalHealthy reports the deployment passing health checks again.
	SignalHealthy
)

// Action is what the caller should do after a transition.
type Action int

const (
	// ActionNone requires nothing.
	ActionNone Action = iota
	// ActionRestart schedules a restart after Decision.Delay.
	ActionRestart
	// ActionReject refuses the restart; the circuit is open.
	ActionReject
)

// Decision accompanies the successor state.
type Decision struct {
	Action  Action
	Delay   time.Duration // backoff before the scheduled restart
	RetryIn time.Duration // remaining cooldown when rejected
	Opened  bool          // true when this transition opened the circuit
	Trial   bool          // true when the scheduled restart is the half-open trial
}

// Backoff computes the delay before attempt number n (0-based):
// base × multiplier^n, capped at max.
func Backoff(p deployment.RestartPolicy, attempt int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt)))
	if d > p.MaxDelay || d < 0 {
		return p.MaxDelay
	}
	return d
}

// Apply advances the machine. It never blocks and reads no clocks of its
// own; now is supplied by the caller.
func Apply(s State, sig Signal, p deployment.RestartPolicy, now time.Time) (State, Decision) {
	switch sig {
	case SignalHealthy:
		return applyHealthy(s, p, now)
	default:
		return applyFailure(s, p, now)
	}
}

func applyHealthy(s State, p deployment.RestartPolicy, now time.Time) (State, Decision) {
	switch s.Phase {
	case PhaseHalfOpen:
		// Trial succeeded: full reset.
		return State{Phase: PhaseStable}, Decision{}
	case PhaseStable:
		if !s.LastFailure.IsZero() && now.Sub(s.LastFailure) >= p.StableReset {
			s.Attempt = 0
			s.Failures = nil
		}
		return s, Decision{}
	default:
		// Healthy while open can only be residual reporting; ignore.
		return s, Decision{}
	}
}

func applyFailure(s State, p deployment.RestartPolicy, now time.Time) (State, Decision) {
	switch s.Phase {
	case PhaseOpen:
		if now.Sub(s.OpenedAt) < p.CircuitCooldown {
			return s, Decision{
				Action:  ActionReject,
				RetryIn: p.CircuitCooldown - now.Sub(s.OpenedAt),
			}
		}
		// Cooldown elapsed: permit exactly one trial.
		s.Phase = PhaseHalfOpen
		s.LastFailure = now
		return s, Decision{Action: ActionRestart, Delay: p.BaseDelay, Trial: true}

	case PhaseHalfOpen:
		// The trial failed: reopen with a fresh cooldown.
		s.Phase = PhaseOpen
		s.OpenedAt = now
		s.LastFailure = now
		return s, Decision{Opened: true, Action: ActionReject, RetryIn: p.CircuitCooldown}

	default: // PhaseStable
		if !s.LastFailure.IsZero() && now.Sub(s.LastFailure) >= p.StableReset {
			// Sustained stability before this failure resets the backoff.
			s.Attempt = 0
			s.Failures = nil
		}
		s.LastFailure = now
		s.Failures = pruneWindow(append(s.Failures, now), p.CircuitWindow, now)
		if len(s.Failures) >= p.CircuitFailureThreshold {
			s.Phase = PhaseOpen
			s.OpenedAt = now
			return s, Decision{Opened: true, Action: ActionReject, RetryIn: p.CircuitCooldown}
		}
		delay := Backoff(p, s.Attempt)
		s.Attempt++
		return s, Decision{Action: ActionRestart, Delay: delay}
	}
}

func pruneWindow(failures []time.Time, window time.Duration, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	out := failures[:0]
	for _, t := range failures {
		if t.After(cutoff) || t.Equal(now) {
			out = append(out, t)
		}
	}
	return out
}

// Allowed reports whether a restart may proceed now, and the remaining
// cooldown when it may not. Manual restart requests consult this before
// touching the supervisor.
func Allowed(s State, p deployment.RestartPolicy, now time.Time) (bool, time.Duration) {
	if s.Phase == PhaseOpen {
		remaining := p.CircuitCooldown - now.Sub(s.OpenedAt)
		if remaining > 0 {
			return false, remaining
		}
	}
	return true, 0
}
