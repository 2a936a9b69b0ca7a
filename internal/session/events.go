package session

import (
	"time"

	"jobwatch/internal/job"
	"jobwatch/internal/protocol"
)

// Event names emitted on the client's bus.
const (
	EventConnected             = "connected"
	EventDisconnected          = "disconnected"
	EventReconnecting          = "reconnecting"
	EventReconnectFailed       = "reconnect_failed"
	EventError                 = "error"
	EventServerError           = "server_error"
	EventServerShutdown        = protocol.TypeServerShutdown
	EventConnectionEstablished = protocol.TypeConnectionEstablished
	EventJobStarted            = protocol.TypeJobStarted
	EventJobProgress           = protocol.TypeJobProgress
	EventJobCompleted          = protocol.TypeJobCompleted
	EventJobFailed             = protocol.TypeJobFailed
	EventJobStatus             = protocol.TypeJobStatus
	EventCurrentJobs           = protocol.TypeCurrentJobs
)

// AllEvents lists every event name the client can emit.
var AllEvents = []string{
	EventConnected,
	EventDisconnected,
	EventReconnecting,
	EventReconnectFailed,
	EventError,
	EventServerError,
	EventServerShutdown,
	EventConnectionEstablished,
	EventJobStarted,
	EventJobProgress,
	EventJobCompleted,
	EventJobFailed,
	EventJobStatus,
	EventCurrentJobs,
}

// ConnectedPayload accompanies EventConnected.
type ConnectedPayload struct {
	URL       string // token redacted
	Reconnect bool   // true when the open followed an involuntary close
}

// DisconnectedPayload accompanies EventDisconnected.
type DisconnectedPayload struct {
	Code          int
	Reason        string
	Intentional   bool // closed by Disconnect or a server disconnect request
	WillReconnect bool
}

// ReconnectingPayload accompanies EventReconnecting.
type ReconnectingPayload struct {
	Attempt int
	Delay   time.Duration
}

// ReconnectFailedPayload accompanies EventReconnectFailed.
type ReconnectFailedPayload struct {
	Attempts int
	Err      error
}

// ErrorPayload accompanies EventError.
type ErrorPayload struct {
	Err error
}

// ServerErrorPayload accompanies EventServerError.
type ServerErrorPayload struct {
	Message string
	Code    string
	Err     error
}

// ServerShutdownPayload accompanies EventServerShutdown.
type ServerShutdownPayload struct {
	Message string
}

// ConnectionEstablishedPayload accompanies EventConnectionEstablished.
type ConnectionEstablishedPayload struct {
	ConnectionID string
}

// JobEvent accompanies the job_* events. Job is the registry snapshot after
// the update was applied. Known is false for a job_status about a job the
// registry does not track.
type JobEvent struct {
	JobID   string
	Job     job.Job
	Known   bool
	Outcome job.Outcome
}

// CurrentJobsPayload accompanies EventCurrentJobs with the snapshot of every
// reported job, in message order.
type CurrentJobsPayload struct {
	Jobs []job.Job
}
