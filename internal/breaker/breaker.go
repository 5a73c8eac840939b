// Package breaker implements a per-backend circuit breaker, guarding
// routing dispatch from hammering a failing backend.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config tunes a breaker's thresholds. New fills unset (zero) thresholds,
// cooldowns and window size from DefaultConfig.
type Config struct {
	ConsecutiveFailureThreshold int
	FailureRateThreshold        float64 // fraction in [0,1]; 0 disables
	FailureRateWindow           int     // sample count the rate is computed over
	CooldownInitial             time.Duration
	CooldownMax                 time.Duration
}

// DefaultConfig returns the standard defaults: 5 consecutive failures trips
// the breaker, cooldown starts at 30s and doubles up to a 5 minute cap.
func DefaultConfig() Config {
	return Config{
		ConsecutiveFailureThreshold: 5,
		FailureRateThreshold:        0,
		FailureRateWindow:           20,
		CooldownInitial:             30 * time.Second,
		CooldownMax:                 5 * time.Minute,
	}
}

// Breaker is a single backend's circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	consecutiveFails int
	window           []bool // true = success, ring buffer up to FailureRateWindow
	cooldown         time.Duration
	openedAt         time.Time
	halfOpenInFlight bool
	transitions      int64
	onTransition     func(to State, reason string)
}

// New constructs a Breaker starting Closed.
func New(cfg Config) *Breaker {
	if cfg.ConsecutiveFailureThreshold <= 0 {
		cfg.ConsecutiveFailureThreshold = DefaultConfig().ConsecutiveFailureThreshold
	}
	if cfg.CooldownInitial <= 0 {
		cfg.CooldownInitial = DefaultConfig().CooldownInitial
	}
	if cfg.CooldownMax <= 0 {
		cfg.CooldownMax = DefaultConfig().CooldownMax
	}
	if cfg.FailureRateWindow <= 0 {
		cfg.FailureRateWindow = DefaultConfig().FailureRateWindow
	}
	return &Breaker{cfg: cfg, state: Closed, cooldown: cfg.CooldownInitial}
}

// Allow reports whether a dispatch attempt may proceed right now. For
// HalfOpen it admits exactly one probe at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cooldown {
			b.transitionLocked(HalfOpen, "cooldown_elapsed")
			b.halfOpenInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	}
	return false
}

// RecordSuccess reports a successful delivery.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pushWindowLocked(true)
	b.consecutiveFails = 0

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight = false
		b.cooldown = b.cfg.CooldownInitial
		b.transitionLocked(Closed, "probe_succeeded")
	case Open:
		// Shouldn't happen (Allow gates Open from dispatching), but stay safe.
		b.transitionLocked(Closed, "recovered")
	}
}

// RecordFailure reports a failed delivery attempt.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pushWindowLocked(false)
	b.consecutiveFails++

	if b.state == HalfOpen {
		b.halfOpenInFlight = false
		b.openedAt = time.Now()
		b.cooldown = min(b.cooldown*2, b.cfg.CooldownMax)
		b.transitionLocked(Open, "probe_failed")
		return
	}

	if b.state == Closed && b.shouldTripLocked() {
		b.openedAt = time.Now()
		b.cooldown = b.cfg.CooldownInitial
		b.transitionLocked(Open, "failure_threshold_exceeded")
	}
}

func (b *Breaker) shouldTripLocked() bool {
	if b.consecutiveFails >= b.cfg.ConsecutiveFailureThreshold {
		return true
	}
	if b.cfg.FailureRateThreshold > 0 && len(b.window) >= b.cfg.FailureRateWindow {
		failures := 0
		for _, ok := range b.window {
			if !ok {
				failures++
			}
		}
		rate := float64(failures) / float64(len(b.window))
		if rate >= b.cfg.FailureRateThreshold {
			return true
		}
	}
	return false
}

func (b *Breaker) pushWindowLocked(success bool) {
	b.window = append(b.window, success)
	if len(b.window) > b.cfg.FailureRateWindow {
		b.window = b.window[1:]
	}
}

func (b *Breaker) transitionLocked(to State, reason string) {
	if b.state == to {
		return
	}
	b.transitions++
	b.state = to
	if b.onTransition != nil {
		b.onTransition(to, reason)
	}
}

// SetTransitionHook installs a callback invoked on every state
// transition, used to drive self-telemetry and structured logging.
func (b *Breaker) SetTransitionHook(fn func(to State, reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
