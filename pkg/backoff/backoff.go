// Package backoff provides retry delay calculation.
package backoff

import (
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// Ramp configures a linear backoff. Zero values use defaults.
type Ramp struct {
	Step     time.Duration // default: 5s
	MaxSteps int           // default: 5
}

// Linear calculates a linear ramp capped at MaxSteps.
// Attempt n returns Step*min(n, MaxSteps); attempts below 1 return Step.
func Linear(attempt int, r *Ramp) time.Duration {
	step := 5 * time.Second
	maxSteps := 5
	if r != nil {
		if r.Step > 0 {
			step = r.Step
		}
		if r.MaxSteps > 0 {
			maxSteps = r.MaxSteps
		}
	}

	n := min(max(attempt, 1), maxSteps)
	return step * time.Duration(n)
}
