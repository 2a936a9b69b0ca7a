// Package health provides liveness and readiness probes for the watch
// service.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jobwatch/internal/dispatcher"
)

const cacheTTL = time.Second

// ReadinessChecker reports whether a component can serve. The session client
// implements it: nil only while the connection is open.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// StatsProvider exposes callback delivery counters.
type StatsProvider interface {
	Stats() dispatcher.Stats
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Option configures a Checker.
type Option func(*Checker)

// WithCallbacks adds a check that reports degraded while any callback
// destination has an open circuit.
func WithCallbacks(s StatsProvider) Option {
	return func(c *Checker) { c.callbacks = s }
}

// WithTimeout bounds each readiness probe (default: 5s).
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) { c.timeout = d }
}

// Checker performs health checks on the session and its collaborators.
type Checker struct {
	session   ReadinessChecker
	callbacks StatsProvider
	timeout   time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a checker for the given session.
func NewChecker(session ReadinessChecker, opts ...Option) *Checker {
	c := &Checker{
		session: session,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Liveness reports whether the process is alive. It never depends on the
// session so a server outage does not restart the watcher.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness reports whether the session is connected. Results are cached
// briefly so probes do not queue behind the session loop.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < cacheTTL {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	checks := map[string]CheckResult{"session": c.checkSession(ctx)}
	if c.callbacks != nil {
		checks["callbacks"] = c.checkCallbacks()
	}

	response := &Response{Status: overall(checks), Checks: checks}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) checkSession(ctx context.Context) CheckResult {
	if c.session == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "session not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.session.Ready(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

func (c *Checker) checkCallbacks() CheckResult {
	s := c.callbacks.Stats()
	if s.BreakersOpen > 0 {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d of %d callback destinations unavailable", s.BreakersOpen, s.Breakers),
		}
	}
	return CheckResult{Status: StatusHealthy}
}

// overall is unhealthy if any check is, else degraded if any check is.
func overall(checks map[string]CheckResult) Status {
	status := StatusHealthy
	for _, r := range checks {
		switch r.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// SetShuttingDown makes readiness fail from now on so traffic drains
// before the session is closed.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
