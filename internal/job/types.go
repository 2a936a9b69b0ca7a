package job

import (
	"encoding/json"
	"slices"
)

// Status is the server-reported lifecycle state of a job.
type Status string

// Status constants
const (
	StatusQueued     Status = "queued"
	StatusStarted    Status = "started"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status is absorbing.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusStarted, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Failure is the server-provided error attached to a failed job.
type Failure struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// UnmarshalJSON accepts a bare string message and numeric codes.
func (f *Failure) UnmarshalJSON(data []byte) error {
	var msg string
	if err := json.Unmarshal(data, &msg); err == nil {
		*f = Failure{Message: msg}
		return nil
	}
	var raw struct {
		Message string          `json:"message"`
		Code    json.RawMessage `json:"code"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Failure{Message: raw.Message, Code: codeString(raw.Code)}
	return nil
}

func codeString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Job is a snapshot of a job's latest known state.
type Job struct {
	ID         string          `json:"jobId"`
	Status     Status          `json:"status"`
	Progress   int             `json:"progress"`
	StartTime  int64           `json:"startTime,omitempty"`  // ms, as reported by the server
	LastUpdate int64           `json:"lastUpdate,omitempty"` // ms, server-reported or local receipt time
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *Failure        `json:"error,omitempty"`
	Duration   int64           `json:"duration,omitempty"` // ms elapsed at terminal state
	Details    json.RawMessage `json:"details,omitempty"`
}

// Clone returns a deep copy that shares no mutable state with j.
func (j Job) Clone() Job {
	out := j
	out.Result = slices.Clone(j.Result)
	out.Details = slices.Clone(j.Details)
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	return out
}

// Update carries the fields reported by one inbound message.
// Nil and zero fields leave the stored value unchanged.
type Update struct {
	Status     Status
	Progress   *int
	StartTime  *int64
	LastUpdate *int64
	Result     json.RawMessage
	Error      *Failure
	Duration   *int64
	Details    json.RawMessage
}

// Outcome describes what a registry write did.
type Outcome int

// Outcome constants
const (
	Inserted Outcome = iota
	Updated
	// Missing means a merge-only write targeted an unknown job.
	Missing
	// DroppedTerminal means the job already reached a terminal status.
	DroppedTerminal
	// DroppedRegression means the write would have lowered progress.
	DroppedRegression
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Missing:
		return "missing"
	case DroppedTerminal:
		return "dropped_terminal"
	case DroppedRegression:
		return "dropped_regression"
	default:
		return "unknown"
	}
}

// Applied reports whether the write changed the registry.
func (o Outcome) Applied() bool {
	return o == Inserted || o == Updated
}

// ListResponse represents the response for listing jobs
type ListResponse struct {
	Jobs []Job `json:"jobs"`
}
