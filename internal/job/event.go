package job

import (
	"slices"

	"jobwatch/pkg/cloudevent"
)

// CloudEvent types for forwarded job lifecycle events
const (
	EventTypeStarted   = "jobwatch.job.started"
	EventTypeCompleted = "jobwatch.job.completed"
	EventTypeFailed    = "jobwatch.job.failed"
)

// callbackEvents maps session event names to CloudEvent types.
var callbackEvents = map[string]string{
	"job_started":   EventTypeStarted,
	"job_completed": EventTypeCompleted,
	"job_failed":    EventTypeFailed,
}

// IsCallbackEvent reports whether a session event name can be forwarded.
func IsCallbackEvent(name string) bool {
	_, ok := callbackEvents[name]
	return ok
}

// CallbackEventType returns the CloudEvent type for a session event name.
func CallbackEventType(name string) (string, bool) {
	t, ok := callbackEvents[name]
	return t, ok
}

// FilteredEvents returns true if the event should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventName string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventName)
}

// EventBuilder builds CloudEvents for job lifecycle events.
type EventBuilder struct {
	source       string
	connectionID string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(source, connectionID string) *EventBuilder {
	return &EventBuilder{
		source:       source,
		connectionID: connectionID,
	}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType, jobID string, data map[string]any) *cloudevent.CloudEvent {
	return cloudevent.New(eventType, b.source, jobID, data)
}

func (b *EventBuilder) base(j Job) map[string]any {
	data := map[string]any{
		"jobId":    j.ID,
		"status":   j.Status,
		"progress": j.Progress,
	}
	if b.connectionID != "" {
		data["connectionId"] = b.connectionID
	}
	if j.StartTime != 0 {
		data["startTime"] = j.StartTime
	}
	return data
}

// BuildStartedEvent creates a job started event.
func (b *EventBuilder) BuildStartedEvent(j Job) *cloudevent.CloudEvent {
	return b.Build(EventTypeStarted, j.ID, b.base(j))
}

// BuildCompletedEvent creates a job completed event.
func (b *EventBuilder) BuildCompletedEvent(j Job) *cloudevent.CloudEvent {
	data := b.base(j)
	if len(j.Result) > 0 {
		data["result"] = j.Result
	}
	if j.Duration != 0 {
		data["duration"] = j.Duration
	}
	return b.Build(EventTypeCompleted, j.ID, data)
}

// BuildFailedEvent creates a job failed event.
func (b *EventBuilder) BuildFailedEvent(j Job) *cloudevent.CloudEvent {
	data := b.base(j)
	if j.Error != nil {
		data["error"] = j.Error
	}
	if j.Duration != 0 {
		data["duration"] = j.Duration
	}
	return b.Build(EventTypeFailed, j.ID, data)
}

// BuildForEvent creates the CloudEvent for a session event name.
// Returns nil for names that are not forwarded.
func (b *EventBuilder) BuildForEvent(name string, j Job) *cloudevent.CloudEvent {
	switch name {
	case "job_started":
		return b.BuildStartedEvent(j)
	case "job_completed":
		return b.BuildCompletedEvent(j)
	case "job_failed":
		return b.BuildFailedEvent(j)
	default:
		return nil
	}
}
