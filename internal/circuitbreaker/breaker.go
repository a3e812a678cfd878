// Package circuitbreaker implements the per-provider failure isolation state
// machine. Each delivery provider gets its own breaker; the breaker decides
// whether an attempt may reach the provider and tracks consecutive failures
// with a time-window decay.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/jharlan/mailrelay/internal/clock"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; attempts pass through.
	StateOpen                  // Failing; attempts are rejected until the cooldown elapses.
	StateHalfOpen              // Probing; attempts allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config carries the trip policy for one breaker. Immutable after construction.
type Config struct {
	// FailureThreshold is the number of failures inside the monitoring
	// window that trips the breaker open.
	FailureThreshold int

	// RecoveryTimeout is how long an open breaker rejects attempts before
	// admitting a recovery probe.
	RecoveryTimeout time.Duration

	// MonitoringWindow bounds how long a failure stays relevant: when the
	// gap since the last recorded failure exceeds it, the failure count
	// restarts from zero.
	MonitoringWindow time.Duration
}

// StateChangeFunc observes breaker transitions. Called synchronously with the
// breaker lock held, so implementations must not call back into the breaker.
type StateChangeFunc func(provider string, from, to State)

// Breaker is the per-provider circuit breaker. All methods are safe for
// concurrent use; every read-modify-write runs under one mutex.
type Breaker struct {
	mu sync.Mutex

	provider string
	cfg      Config
	clk      clock.Clock
	onChange StateChangeFunc

	state           State
	failureCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time
}

// New creates a closed breaker for the named provider. A nil clk falls back
// to the wall clock; onChange may be nil.
func New(provider string, cfg Config, clk clock.Clock, onChange StateChangeFunc) *Breaker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Breaker{
		provider: provider,
		cfg:      cfg,
		clk:      clk,
		onChange: onChange,
		state:    StateClosed,
	}
}

// Name returns the provider this breaker guards.
func (b *Breaker) Name() string { return b.provider }

// Allow reports whether an attempt may proceed, and is the only read that
// mutates: the first call against an open breaker whose cooldown has elapsed
// flips it to half-open and admits the recovery probe. Status and Available
// never have that side effect.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if !b.clk.Now().Before(b.nextAttemptTime) {
			b.transitionTo(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.transitionTo(StateClosed)
	}
}

// RecordFailure counts a failure against the provider. Failures separated
// from the previous one by more than the monitoring window restart the count
// (stale-failure decay). Reaching the threshold trips the breaker open; a
// failure recorded while half-open always reopens it with a fresh cooldown,
// threshold or not.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	wasHalfOpen := b.state == StateHalfOpen

	if !b.lastFailureTime.IsZero() && now.Sub(b.lastFailureTime) > b.cfg.MonitoringWindow {
		b.failureCount = 0
	}
	b.failureCount++
	b.lastFailureTime = now

	if b.failureCount >= b.cfg.FailureThreshold || wasHalfOpen {
		b.nextAttemptTime = now.Add(b.cfg.RecoveryTimeout)
		b.transitionTo(StateOpen)
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Available reports whether Allow would currently admit an attempt, without
// the open-to-half-open side effect. Health and status surfaces use this so
// a poll can never consume the recovery probe.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		return !b.clk.Now().Before(b.nextAttemptTime)
	}
	return true
}

// Reset forces the breaker back to closed and zeroes all counters and
// timers. Administrative escape hatch; never called automatically.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.lastFailureTime = time.Time{}
	b.nextAttemptTime = time.Time{}
	b.transitionTo(StateClosed)
}

// Status is a read-only snapshot of one breaker.
type Status struct {
	Provider     string       `json:"provider"`
	State        string       `json:"state"`
	FailureCount int          `json:"failure_count"`
	NextAttempt  *time.Time   `json:"next_attempt_time,omitempty"` // set only while open
	Config       ConfigStatus `json:"config"`
}

// ConfigStatus renders the breaker config with human-readable durations.
type ConfigStatus struct {
	FailureThreshold int    `json:"failure_threshold"`
	RecoveryTimeout  string `json:"recovery_timeout"`
	MonitoringWindow string `json:"monitoring_window"`
}

// Status returns a snapshot of the breaker. Never mutates state.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Provider:     b.provider,
		State:        b.state.String(),
		FailureCount: b.failureCount,
		Config: ConfigStatus{
			FailureThreshold: b.cfg.FailureThreshold,
			RecoveryTimeout:  b.cfg.RecoveryTimeout.String(),
			MonitoringWindow: b.cfg.MonitoringWindow.String(),
		},
	}
	if b.state == StateOpen {
		t := b.nextAttemptTime
		st.NextAttempt = &t
	}
	return st
}

// transitionTo changes the breaker state and notifies the observer.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}
	from := b.state
	b.state = newState
	if b.onChange != nil {
		b.onChange(b.provider, from, newState)
	}
}
