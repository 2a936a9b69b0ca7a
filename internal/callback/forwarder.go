// Package callback forwards job lifecycle events from a session to a webhook
// as CloudEvents.
package callback

import (
	"log/slog"
	"sync"

	"jobwatch/internal/config"
	"jobwatch/internal/dispatcher"
	"jobwatch/internal/eventbus"
	"jobwatch/internal/job"
	"jobwatch/internal/session"
)

// DefaultSource is the CloudEvent source attribute.
const DefaultSource = "jobwatch/session"

// Source is the event surface of a session client.
type Source interface {
	OnFunc(name string, fn func(eventbus.Event)) (cancel func())
}

// Forwarder turns job_started, job_completed and job_failed events into
// dispatcher deliveries.
type Forwarder struct {
	cfg        config.CallbackConfig
	dispatcher dispatcher.Dispatcher
	source     string
	logger     *slog.Logger

	mu           sync.Mutex
	connectionID string
	cancels      []func()
}

// New creates a forwarder for cfg. It does nothing until attached.
func New(cfg config.CallbackConfig, d dispatcher.Dispatcher) *Forwarder {
	return &Forwarder{
		cfg:        cfg,
		dispatcher: d,
		source:     DefaultSource,
		logger:     slog.With("component", "callback"),
	}
}

// Attach subscribes to src. Calling Attach again replaces the previous
// subscriptions.
func (f *Forwarder) Attach(src Source) {
	f.Detach()
	cancels := []func(){
		src.OnFunc(session.EventConnectionEstablished, f.onConnectionEstablished),
	}
	for _, name := range []string{session.EventJobStarted, session.EventJobCompleted, session.EventJobFailed} {
		if !job.FilteredEvents(name, f.cfg.Events) {
			continue
		}
		cancels = append(cancels, src.OnFunc(name, f.forward))
	}

	f.mu.Lock()
	f.cancels = cancels
	f.mu.Unlock()
	f.logger.Info("Forwarding job events", "url", f.cfg.URL, "events", f.cfg.Events)
}

// Detach removes every subscription made by Attach.
func (f *Forwarder) Detach() {
	f.mu.Lock()
	cancels := f.cancels
	f.cancels = nil
	f.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (f *Forwarder) onConnectionEstablished(e eventbus.Event) {
	p, ok := e.Payload.(session.ConnectionEstablishedPayload)
	if !ok {
		return
	}
	f.mu.Lock()
	f.connectionID = p.ConnectionID
	f.mu.Unlock()
}

func (f *Forwarder) forward(e eventbus.Event) {
	p, ok := e.Payload.(session.JobEvent)
	if !ok || !p.Known {
		return
	}

	f.mu.Lock()
	connID := f.connectionID
	f.mu.Unlock()

	event := job.NewEventBuilder(f.source, connID).BuildForEvent(e.Name, p.Job)
	if event == nil {
		return
	}
	err := f.dispatcher.Dispatch(&dispatcher.Delivery{
		Event:      event,
		URL:        f.cfg.URL,
		SigningKey: f.cfg.SigningKey,
	})
	if err != nil {
		f.logger.Warn("Failed to dispatch job event", "event", e.Name, "job_id", p.JobID, "error", err)
	}
}
