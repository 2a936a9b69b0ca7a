package protocol

import (
	"encoding/json"
	"maps"

	"jobwatch/internal/apperrors"
)

// Outbound message types
const (
	TypePing           = "ping"
	TypeSubscribeJob   = "subscribe_job"
	TypeUnsubscribeJob = "unsubscribe_job"
	TypeGetJobStatus   = "get_job_status"
	TypeGetActiveJobs  = "get_active_jobs"
)

// Outbound is a message the client sends to the server.
type Outbound interface {
	OutboundType() string
}

// Ping probes liveness.
type Ping struct{}

// SubscribeJob requests updates for a job.
type SubscribeJob struct{ JobID string }

// UnsubscribeJob cancels updates for a job.
type UnsubscribeJob struct{ JobID string }

// GetJobStatus queries one job; the answer arrives as job_status.
type GetJobStatus struct{ JobID string }

// GetActiveJobs queries all jobs; the answer arrives as current_jobs.
type GetActiveJobs struct{}

// Raw is an arbitrary envelope. Type is written over any "type" key in Fields.
type Raw struct {
	Type   string
	Fields map[string]any
}

func (Ping) OutboundType() string           { return TypePing }
func (SubscribeJob) OutboundType() string   { return TypeSubscribeJob }
func (UnsubscribeJob) OutboundType() string { return TypeUnsubscribeJob }
func (GetJobStatus) OutboundType() string   { return TypeGetJobStatus }
func (GetActiveJobs) OutboundType() string  { return TypeGetActiveJobs }
func (r Raw) OutboundType() string          { return r.Type }

type envelope struct {
	Type  string `json:"type"`
	JobID string `json:"jobId,omitempty"`
}

// Encode serializes an outbound message into a text frame.
func Encode(m Outbound) ([]byte, error) {
	if m == nil || m.OutboundType() == "" {
		return nil, apperrors.Validation("type", "message type is required")
	}

	switch m := m.(type) {
	case Raw:
		fields := make(map[string]any, len(m.Fields)+1)
		maps.Copy(fields, m.Fields)
		fields["type"] = m.Type
		data, err := json.Marshal(fields)
		if err != nil {
			return nil, apperrors.Internal("protocol.encode", err)
		}
		return data, nil
	case SubscribeJob:
		return encodeJob(m.OutboundType(), m.JobID)
	case UnsubscribeJob:
		return encodeJob(m.OutboundType(), m.JobID)
	case GetJobStatus:
		return encodeJob(m.OutboundType(), m.JobID)
	default:
		return json.Marshal(envelope{Type: m.OutboundType()})
	}
}

func encodeJob(typ, jobID string) ([]byte, error) {
	if jobID == "" {
		return nil, apperrors.Validation("jobId", typ+" requires a job ID")
	}
	return json.Marshal(envelope{Type: typ, JobID: jobID})
}

// ParseOutbound decodes a client frame. Used by servers and test doubles.
func ParseOutbound(frame []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, apperrors.Parse("invalid frame", err)
	}
	switch env.Type {
	case "":
		return nil, apperrors.Parse("frame has no type", nil)
	case TypePing:
		return Ping{}, nil
	case TypeSubscribeJob:
		return SubscribeJob{JobID: env.JobID}, nil
	case TypeUnsubscribeJob:
		return UnsubscribeJob{JobID: env.JobID}, nil
	case TypeGetJobStatus:
		return GetJobStatus{JobID: env.JobID}, nil
	case TypeGetActiveJobs:
		return GetActiveJobs{}, nil
	default:
		var fields map[string]any
		if err := json.Unmarshal(frame, &fields); err != nil {
			return nil, apperrors.Parse("invalid frame", err)
		}
		delete(fields, "type")
		return Raw{Type: env.Type, Fields: fields}, nil
	}
}
