// Package view renders job progress from session events into a pluggable sink.
// The session works without it.
package view

import (
	"fmt"
	"log/slog"
	"sync"

	"jobwatch/internal/eventbus"
	"jobwatch/internal/job"
	"jobwatch/internal/session"
)

// Level classifies a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Renderer displays jobs and notifications.
type Renderer interface {
	RenderJob(jobID string, snapshot job.Job)
	Notify(message string, level Level)
}

// Source is the subset of *session.Client the adapter listens on.
type Source interface {
	OnFunc(name string, fn func(eventbus.Event)) (cancel func())
}

// Adapter forwards job events to a Renderer.
type Adapter struct {
	renderer Renderer
	logger   *slog.Logger

	mu      sync.Mutex
	cancels []func()
}

// NewAdapter creates an adapter writing to r.
func NewAdapter(r Renderer) *Adapter {
	return &Adapter{
		renderer: r,
		logger:   slog.With("component", "view"),
	}
}

// Attach starts listening on src. Calling it again adds another source.
func (a *Adapter) Attach(src Source) {
	handlers := map[string]func(eventbus.Event){
		session.EventJobStarted:      a.onJob,
		session.EventJobProgress:     a.onJob,
		session.EventJobCompleted:    a.onJobCompleted,
		session.EventJobFailed:       a.onJobFailed,
		session.EventJobStatus:       a.onJob,
		session.EventCurrentJobs:     a.onCurrentJobs,
		session.EventConnected:       a.onConnected,
		session.EventDisconnected:    a.onDisconnected,
		session.EventReconnecting:    a.onReconnecting,
		session.EventReconnectFailed: a.onReconnectFailed,
		session.EventServerError:     a.onServerError,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, name := range session.AllEvents {
		if fn, ok := handlers[name]; ok {
			a.cancels = append(a.cancels, src.OnFunc(name, fn))
		}
	}
}

// Detach stops listening on every attached source.
func (a *Adapter) Detach() {
	a.mu.Lock()
	cancels := a.cancels
	a.cancels = nil
	a.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (a *Adapter) onJob(e eventbus.Event) {
	p, ok := e.Payload.(session.JobEvent)
	if !ok {
		a.unexpected(e)
		return
	}
	if !p.Known {
		return
	}
	a.renderer.RenderJob(p.JobID, p.Job)
}

func (a *Adapter) onJobCompleted(e eventbus.Event) {
	p, ok := e.Payload.(session.JobEvent)
	if !ok {
		a.unexpected(e)
		return
	}
	a.renderer.RenderJob(p.JobID, p.Job)
	a.renderer.Notify(fmt.Sprintf("Job %s completed", p.JobID), LevelSuccess)
}

func (a *Adapter) onJobFailed(e eventbus.Event) {
	p, ok := e.Payload.(session.JobEvent)
	if !ok {
		a.unexpected(e)
		return
	}
	a.renderer.RenderJob(p.JobID, p.Job)
	msg := fmt.Sprintf("Job %s failed", p.JobID)
	if p.Job.Error != nil && p.Job.Error.Message != "" {
		msg += ": " + p.Job.Error.Message
	}
	a.renderer.Notify(msg, LevelError)
}

func (a *Adapter) onCurrentJobs(e eventbus.Event) {
	p, ok := e.Payload.(session.CurrentJobsPayload)
	if !ok {
		a.unexpected(e)
		return
	}
	for _, j := range p.Jobs {
		a.renderer.RenderJob(j.ID, j)
	}
}

func (a *Adapter) onConnected(e eventbus.Event) {
	p, _ := e.Payload.(session.ConnectedPayload)
	if p.Reconnect {
		a.renderer.Notify("Reconnected", LevelSuccess)
		return
	}
	a.renderer.Notify("Connected", LevelInfo)
}

func (a *Adapter) onDisconnected(e eventbus.Event) {
	p, ok := e.Payload.(session.DisconnectedPayload)
	if !ok {
		a.unexpected(e)
		return
	}
	if p.Intentional {
		a.renderer.Notify("Disconnected", LevelInfo)
		return
	}
	a.renderer.Notify(fmt.Sprintf("Connection lost (%d)", p.Code), LevelWarning)
}

func (a *Adapter) onReconnecting(e eventbus.Event) {
	p, ok := e.Payload.(session.ReconnectingPayload)
	if !ok {
		a.unexpected(e)
		return
	}
	a.renderer.Notify(fmt.Sprintf("Reconnecting in %s (attempt %d)", p.Delay, p.Attempt), LevelWarning)
}

func (a *Adapter) onReconnectFailed(e eventbus.Event) {
	p, _ := e.Payload.(session.ReconnectFailedPayload)
	a.renderer.Notify(fmt.Sprintf("Unable to reconnect after %d attempts", p.Attempts), LevelError)
}

func (a *Adapter) onServerError(e eventbus.Event) {
	p, ok := e.Payload.(session.ServerErrorPayload)
	if !ok {
		a.unexpected(e)
		return
	}
	msg := p.Message
	if msg == "" && p.Err != nil {
		msg = p.Err.Error()
	}
	a.renderer.Notify("Server error: "+msg, LevelError)
}

func (a *Adapter) unexpected(e eventbus.Event) {
	a.logger.Warn("Unexpected event payload", "event", e.Name, "payload_type", fmt.Sprintf("%T", e.Payload))
}
