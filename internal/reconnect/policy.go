// Package reconnect schedules bounded reconnection attempts on a linear ramp.
package reconnect

import (
	"sync"
	"time"

	"jobwatch/internal/apperrors"
	"jobwatch/internal/scheduler"
	"jobwatch/pkg/backoff"
)

// Defaults
const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxAttempts = 10
	// RampSteps caps the delay multiplier.
	RampSteps = 5
)

// Config controls the policy.
type Config struct {
	Interval    time.Duration // base delay unit; default: 5s
	MaxAttempts int           // default: 10
}

// Attempt describes one scheduled reconnection.
type Attempt struct {
	N     int // 1-indexed
	Delay time.Duration
}

// Policy counts consecutive reconnection attempts and owns the timer for the
// next one. Attempt n waits Interval*min(n, 5).
type Policy struct {
	cfg   Config
	ramp  *backoff.Ramp
	sched scheduler.Scheduler

	mu         sync.Mutex
	attempts   int
	timer      scheduler.Timer
	gen        uint64
	suppressed bool
}

// New creates a policy. Zero config fields take defaults.
func New(s scheduler.Scheduler, cfg Config) *Policy {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Policy{
		cfg:   cfg,
		ramp:  &backoff.Ramp{Step: cfg.Interval, MaxSteps: RampSteps},
		sched: s,
	}
}

// Delay returns the wait before attempt n.
func (p *Policy) Delay(n int) time.Duration {
	return backoff.Linear(n, p.ramp)
}

// Schedule arranges the next attempt and calls fn with it when due.
// Fails with apperrors.ErrReconnectExhausted once MaxAttempts were made and
// apperrors.ErrDisconnected while suppressed.
func (p *Policy) Schedule(fn func(Attempt)) (Attempt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.suppressed {
		return Attempt{}, apperrors.ErrDisconnected
	}
	if p.attempts >= p.cfg.MaxAttempts {
		return Attempt{}, apperrors.ReconnectExhausted(p.attempts)
	}
	p.cancelLocked()

	p.attempts++
	a := Attempt{N: p.attempts, Delay: p.Delay(p.attempts)}
	gen := p.gen
	p.timer = p.sched.AfterFunc(a.Delay, func() {
		p.mu.Lock()
		if gen != p.gen {
			p.mu.Unlock()
			return
		}
		p.timer = nil
		p.mu.Unlock()
		fn(a)
	})
	return a, nil
}

// Reset zeroes the counter after a successful open and cancels any pending attempt.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
	p.cancelLocked()
}

// Cancel drops the pending attempt and keeps the counter.
func (p *Policy) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked()
}

// Suppress cancels the pending attempt and refuses new ones until Resume.
func (p *Policy) Suppress() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suppressed = true
	p.cancelLocked()
}

// Resume re-enables scheduling and zeroes the counter.
func (p *Policy) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suppressed = false
	p.attempts = 0
}

func (p *Policy) cancelLocked() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Attempts returns the number of attempts made since the last Reset.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Pending reports whether an attempt is scheduled.
func (p *Policy) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timer != nil
}

// Suppressed reports whether scheduling is disabled.
func (p *Policy) Suppressed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suppressed
}

// MaxAttempts returns the attempt cap.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}
