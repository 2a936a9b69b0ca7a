// Package heartbeat sends periodic liveness probes while a connection is open.
package heartbeat

import (
	"sync"
	"time"

	"jobwatch/internal/scheduler"
)

// DefaultInterval is the ping cadence when none is configured.
const DefaultInterval = 30 * time.Second

// Heartbeat calls ping every interval between Start and Stop.
// Missing pongs are not tracked.
type Heartbeat struct {
	sched    scheduler.Scheduler
	interval time.Duration
	ping     func()

	mu    sync.Mutex
	timer scheduler.Timer
	gen   uint64
}

// New creates a stopped heartbeat.
func New(s scheduler.Scheduler, interval time.Duration, ping func()) *Heartbeat {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Heartbeat{sched: s, interval: interval, ping: ping}
}

// Start begins ticking, restarting the interval if already running.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
	h.scheduleLocked(h.gen)
}

// Stop cancels the pending tick. Safe to call when stopped.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

// Running reports whether a tick is scheduled.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timer != nil
}

// Interval returns the ping cadence.
func (h *Heartbeat) Interval() time.Duration {
	return h.interval
}

func (h *Heartbeat) stopLocked() {
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *Heartbeat) scheduleLocked(gen uint64) {
	h.timer = h.sched.AfterFunc(h.interval, func() { h.tick(gen) })
}

func (h *Heartbeat) tick(gen uint64) {
	h.mu.Lock()
	if gen != h.gen {
		h.mu.Unlock()
		return
	}
	h.scheduleLocked(gen)
	h.mu.Unlock()

	h.ping()
}
