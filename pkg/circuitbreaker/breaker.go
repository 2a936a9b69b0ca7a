// Package circuitbreaker implements the circuit breaker pattern.
//
// A circuit breaker stops hammering a failing destination by tracking
// consecutive failures and temporarily blocking attempts.
//
// States:
//   - Closed: Normal operation, attempts allowed
//   - Open: Too many failures, attempts blocked
//   - HalfOpen: Cooldown elapsed, a probe attempt is allowed
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, attempts allowed
	Open                  // Failing, attempts blocked
	HalfOpen              // Probing for recovery
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is called after a breaker changes state.
// It runs with the breaker lock released.
type StateChangeFunc func(key string, from, to State)

// Breaker implements the circuit breaker pattern for a single destination.
type Breaker struct {
	mu          sync.Mutex
	key         string
	state       State
	failures    int           // consecutive failures
	threshold   int           // failures before opening
	lastFailure time.Time     // when the last failure occurred
	cooldown    time.Duration // how long to wait before half-open
	now         func() time.Time
	onChange    StateChangeFunc
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold     int              // Failures before circuit opens (default: 5)
	Cooldown      time.Duration    // Time before half-open (default: 30s)
	OnStateChange StateChangeFunc  // Optional transition hook
	Now           func() time.Time // Clock override, defaults to time.Now
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	return newKeyed("", cfg)
}

func newKeyed(key string, cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		key:       key,
		state:     Closed,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       cfg.Now,
		onChange:  cfg.OnStateChange,
	}
}

// Allow returns true if an attempt should be made.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := true
	if b.state == Open {
		if b.now().Sub(b.lastFailure) > b.cooldown {
			b.state = HalfOpen
		} else {
			allowed = false
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// RecordSuccess records a successful attempt.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.state = Closed
	b.mu.Unlock()

	b.notify(from, Closed)
}

// RecordFailure records a failed attempt.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.lastFailure = b.now()

	switch {
	case b.state == HalfOpen:
		// Probe failed, back to open
		b.state = Open
	case b.failures >= b.threshold:
		b.state = Open
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(b.key, from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset resets the breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.mu.Unlock()

	b.notify(from, Closed)
}
