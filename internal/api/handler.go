// Package api provides the HTTP status API for a running session.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"jobwatch/internal/apperrors"
	"jobwatch/internal/dispatcher"
	"jobwatch/internal/health"
	"jobwatch/internal/job"
	"jobwatch/internal/session"
)

// Session is the part of the session client the API serves.
type Session interface {
	Status() session.Status
	Subscriptions() []string
	GetActiveJobsList() []job.Job
	Job(jobID string) (job.Job, bool)
	SubscribeToJob(jobID string) bool
	UnsubscribeFromJob(jobID string) bool
	GetJobStatus(jobID string) bool
}

// SessionResponse is returned by GET /v1/session.
type SessionResponse struct {
	session.Status
	Subscriptions []string          `json:"subscriptions"`
	Callbacks     *dispatcher.Stats `json:"callbacks,omitempty"`
}

// SubscriptionResponse is returned by the subscription endpoints. Sent is
// false when the session was not open; the subscription still applies from
// the next open on.
type SubscriptionResponse struct {
	JobID      string `json:"jobId"`
	Subscribed bool   `json:"subscribed"`
	Sent       bool   `json:"sent"`
}

// Handler contains HTTP handlers for the status API.
type Handler struct {
	session    Session
	health     *health.Checker
	dispatcher dispatcher.Dispatcher
}

// NewHandler creates a new API handler. d may be nil when callbacks are off.
func NewHandler(s Session, healthChecker *health.Checker, d dispatcher.Dispatcher) *Handler {
	return &Handler{
		session:    s,
		health:     healthChecker,
		dispatcher: d,
	}
}

// GetSession handles GET /v1/session
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	resp := SessionResponse{
		Status:        h.session.Status(),
		Subscriptions: h.session.Subscriptions(),
	}
	if resp.Subscriptions == nil {
		resp.Subscriptions = []string{}
	}
	if h.dispatcher != nil {
		stats := h.dispatcher.Stats()
		resp.Callbacks = &stats
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.session.GetActiveJobsList()
	if jobs == nil {
		jobs = []job.Job{}
	}
	h.writeJSON(w, http.StatusOK, job.ListResponse{Jobs: jobs})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	j, found := h.session.Job(jobID)
	if !found {
		h.handleError(w, r, apperrors.NotFound("job", jobID))
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// Subscribe handles PUT /v1/jobs/{jobId}/subscription
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	sent := h.session.SubscribeToJob(jobID)
	status := http.StatusOK
	if !sent {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, SubscriptionResponse{JobID: jobID, Subscribed: true, Sent: sent})
}

// Unsubscribe handles DELETE /v1/jobs/{jobId}/subscription
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	sent := h.session.UnsubscribeFromJob(jobID)
	h.writeJSON(w, http.StatusOK, SubscriptionResponse{JobID: jobID, Subscribed: false, Sent: sent})
}

// RefreshJob handles POST /v1/jobs/{jobId}/refresh. The answer arrives
// asynchronously as a job_status event and updates GET /v1/jobs/{jobId}.
func (h *Handler) RefreshJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	if !h.session.GetJobStatus(jobID) {
		h.handleError(w, r, &apperrors.Error{
			Sentinel: apperrors.ErrNotConnected,
			Message:  "session is not connected",
		})
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 unless the session is open.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if response.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := r.PathValue("jobId")
	if err := job.ValidateID(jobID); err != nil {
		h.handleError(w, r, err)
		return "", false
	}
	return jobID, true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps application errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Request failed", "error", err, "path", r.URL.Path, "status", status)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
