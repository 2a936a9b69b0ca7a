// Package protocol encodes and decodes the JSON envelopes exchanged with the
// job server. Every envelope is an object discriminated by its "type" field.
package protocol

import (
	"encoding/json"

	"jobwatch/internal/apperrors"
	"jobwatch/internal/job"
)

// Inbound message types
const (
	TypeConnectionEstablished = "connection_established"
	TypeJobStarted            = "job_started"
	TypeJobProgress           = "job_progress"
	TypeJobCompleted          = "job_completed"
	TypeJobFailed             = "job_failed"
	TypeCurrentJobs           = "current_jobs"
	TypeJobStatus             = "job_status"
	TypePong                  = "pong"
	TypeError                 = "error"
	TypeDisconnect            = "disconnect"
	TypeServerShutdown        = "server_shutdown"
)

// Message is a decoded inbound envelope.
type Message interface {
	MessageType() string
}

// ConnectionEstablished is sent once the server accepted the session.
type ConnectionEstablished struct {
	ConnectionID string `json:"connectionId"`
}

// JobFields are the optional job attributes carried by several messages.
type JobFields struct {
	Status     job.Status      `json:"status,omitempty"`
	Progress   *int            `json:"progress,omitempty"`
	StartTime  *int64          `json:"startTime,omitempty"`
	LastUpdate *int64          `json:"lastUpdate,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *job.Failure    `json:"error,omitempty"`
	Duration   *int64          `json:"duration,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// Update converts the reported fields into a registry update.
func (f JobFields) Update() job.Update {
	return job.Update{
		Status:     f.Status,
		Progress:   f.Progress,
		StartTime:  f.StartTime,
		LastUpdate: f.LastUpdate,
		Result:     f.Result,
		Error:      f.Error,
		Duration:   f.Duration,
		Details:    f.Details,
	}
}

// JobStarted announces a new job.
type JobStarted struct {
	JobID string    `json:"jobId"`
	Job   JobFields `json:"job"`
}

// JobProgress reports intermediate progress.
type JobProgress struct {
	JobID string `json:"jobId"`
	JobFields
}

// JobCompleted reports successful completion.
type JobCompleted struct {
	JobID string `json:"jobId"`
	JobFields
}

// JobFailed reports a terminal failure.
type JobFailed struct {
	JobID string `json:"jobId"`
	JobFields
}

// CurrentJobs lists the server's view of the session's jobs.
type CurrentJobs struct {
	Jobs []JobItem `json:"jobs"`
}

// JobItem is one entry of CurrentJobs. Servers send the ID as either
// "id" or "jobId".
type JobItem struct {
	ID    string `json:"id,omitempty"`
	JobID string `json:"jobId,omitempty"`
	JobFields
}

// Key returns the item's job ID.
func (i JobItem) Key() string {
	if i.ID != "" {
		return i.ID
	}
	return i.JobID
}

// JobStatus answers a get_job_status query.
type JobStatus struct {
	JobID string `json:"jobId"`
	JobFields
}

// Pong answers a ping.
type Pong struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ServerError is an error reported by the server.
type ServerError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// UnmarshalJSON tolerates numeric codes.
func (m *ServerError) UnmarshalJSON(data []byte) error {
	var f job.Failure
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*m = ServerError{Message: f.Message, Code: f.Code}
	return nil
}

// Err converts the message into an application error.
func (m ServerError) Err() error {
	return apperrors.ServerReported(m.Message, m.Code)
}

// Disconnect asks the client to close the session.
type Disconnect struct {
	Reason string `json:"reason,omitempty"`
}

// ServerShutdown announces that the server is going away.
type ServerShutdown struct {
	Message string `json:"message,omitempty"`
}

// Unknown is any well-formed envelope with an unrecognized type.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (ConnectionEstablished) MessageType() string { return TypeConnectionEstablished }
func (JobStarted) MessageType() string            { return TypeJobStarted }
func (JobProgress) MessageType() string           { return TypeJobProgress }
func (JobCompleted) MessageType() string          { return TypeJobCompleted }
func (JobFailed) MessageType() string             { return TypeJobFailed }
func (CurrentJobs) MessageType() string           { return TypeCurrentJobs }
func (JobStatus) MessageType() string             { return TypeJobStatus }
func (Pong) MessageType() string                  { return TypePong }
func (ServerError) MessageType() string           { return TypeError }
func (Disconnect) MessageType() string            { return TypeDisconnect }
func (ServerShutdown) MessageType() string        { return TypeServerShutdown }
func (u Unknown) MessageType() string             { return u.Type }

// Decode parses one inbound text frame. Frames that are not JSON objects or
// carry no type fail with an apperrors.ErrParse error.
func Decode(frame []byte) (Message, error) {
	var env struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, apperrors.Parse("invalid frame", err)
	}
	if env.Type == nil || *env.Type == "" {
		return nil, apperrors.Parse("frame has no type", nil)
	}

	switch *env.Type {
	case TypeConnectionEstablished:
		return decodeAs[ConnectionEstablished](frame)
	case TypeJobStarted:
		return decodeAs[JobStarted](frame)
	case TypeJobProgress:
		return decodeAs[JobProgress](frame)
	case TypeJobCompleted:
		return decodeAs[JobCompleted](frame)
	case TypeJobFailed:
		return decodeAs[JobFailed](frame)
	case TypeCurrentJobs:
		return decodeAs[CurrentJobs](frame)
	case TypeJobStatus:
		return decodeAs[JobStatus](frame)
	case TypePong:
		return decodeAs[Pong](frame)
	case TypeError:
		return decodeAs[ServerError](frame)
	case TypeDisconnect:
		return decodeAs[Disconnect](frame)
	case TypeServerShutdown:
		return decodeAs[ServerShutdown](frame)
	default:
		raw := make(json.RawMessage, len(frame))
		copy(raw, frame)
		return Unknown{Type: *env.Type, Raw: raw}, nil
	}
}

func decodeAs[T Message](frame []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, apperrors.Parse("invalid "+m.MessageType()+" message", err)
	}
	return m, nil
}
