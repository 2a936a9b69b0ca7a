// Package mockserver implements the server side of the job-progress protocol
// for tests and local development. Jobs are driven through the Server's
// methods and broadcast to every connected session.
package mockserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"jobwatch/internal/auth"
	"jobwatch/internal/job"
	"jobwatch/internal/protocol"
	"jobwatch/internal/session"
	"jobwatch/internal/transport"
)

const writeTimeout = 5 * time.Second

// ErrUnknownJob is returned when driving a job the server never started.
var ErrUnknownJob = errors.New("unknown job")

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock overrides the time source for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server accepts websocket sessions on session.Path.
type Server struct {
	auth     auth.Authenticator
	upgrader websocket.Upgrader
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	conns  map[string]*conn
	jobs   map[string]*job.Job
	order  []string
	closed bool
	wg     sync.WaitGroup
}

// New creates a server that admits tokens accepted by a.
func New(a auth.Authenticator, opts ...Option) *Server {
	s := &Server{
		auth: a,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: slog.With("component", "mockserver"),
		now:    time.Now,
		conns:  make(map[string]*conn),
		jobs:   make(map[string]*job.Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes: the websocket endpoint and a health probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+session.Path, s)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// ServeHTTP authenticates and upgrades one session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subject, err := s.auth.Authenticate(r.URL.Query().Get("token"))
	if err != nil {
		s.logger.Warn("Rejected session", "error", err, "remote", r.RemoteAddr)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Upgrade failed", "error", err)
		return
	}

	c := &conn{
		id:      uuid.NewString(),
		subject: subject,
		ws:      ws,
		subs:    make(map[string]bool),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	logger := s.logger.With("connection_id", c.id, "subject", subject)
	logger.Info("Session opened")
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		ws.Close()
		logger.Info("Session closed")
	}()

	if err := c.write(protocol.TypeConnectionEstablished, protocol.ConnectionEstablished{ConnectionID: c.id}); err != nil {
		return
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.handle(c, data, logger)
	}
}

func (s *Server) handle(c *conn, data []byte, logger *slog.Logger) {
	msg, err := protocol.ParseOutbound(data)
	if err != nil {
		logger.Debug("Invalid frame", "error", err)
		c.write(protocol.TypeError, protocol.ServerError{Message: "Invalid message", Code: "invalid_message"})
		return
	}

	switch m := msg.(type) {
	case protocol.Ping:
		c.write(protocol.TypePong, protocol.Pong{Timestamp: s.now().UnixMilli()})
	case protocol.SubscribeJob:
		c.subscribe(m.JobID, true)
	case protocol.UnsubscribeJob:
		c.subscribe(m.JobID, false)
	case protocol.GetJobStatus:
		c.write(protocol.TypeJobStatus, s.statusOf(m.JobID))
	case protocol.GetActiveJobs:
		c.write(protocol.TypeCurrentJobs, map[string]any{"jobs": s.activeJobs()})
	default:
		c.write(protocol.TypeError, protocol.ServerError{Message: "Unknown message type: " + msg.OutboundType(), Code: "unknown_type"})
	}
}

// StartJob registers a job and broadcasts job_started.
func (s *Server) StartJob(id string) job.Job {
	now := s.now().UnixMilli()
	j := &job.Job{ID: id, Status: job.StatusStarted, StartTime: now, LastUpdate: now}

	s.mu.Lock()
	if _, ok := s.jobs[id]; !ok {
		s.order = append(s.order, id)
	}
	s.jobs[id] = j
	snap := j.Clone()
	s.mu.Unlock()

	s.broadcast(protocol.TypeJobStarted, map[string]any{
		"jobId": id,
		"job":   fields(snap),
	})
	return snap
}

// Progress moves a job to processing at progress and broadcasts job_progress.
func (s *Server) Progress(id string, progress int) error {
	snap, err := s.update(id, func(j *job.Job) {
		j.Status = job.StatusProcessing
		j.Progress = progress
	})
	if err != nil {
		return err
	}
	s.broadcastJob(protocol.TypeJobProgress, snap)
	return nil
}

// Complete finishes a job with result and broadcasts job_completed.
func (s *Server) Complete(id string, result any) error {
	var raw json.RawMessage
	if result != nil {
		var err error
		if raw, err = json.Marshal(result); err != nil {
			return err
		}
	}
	snap, err := s.update(id, func(j *job.Job) {
		j.Status = job.StatusCompleted
		j.Progress = 100
		j.Result = raw
		j.Duration = j.LastUpdate - j.StartTime
	})
	if err != nil {
		return err
	}
	s.broadcastJob(protocol.TypeJobCompleted, snap)
	return nil
}

// Fail finishes a job with an error and broadcasts job_failed.
func (s *Server) Fail(id, message string) error {
	snap, err := s.update(id, func(j *job.Job) {
		j.Status = job.StatusFailed
		j.Error = &job.Failure{Message: message}
		j.Duration = j.LastUpdate - j.StartTime
	})
	if err != nil {
		return err
	}
	s.broadcastJob(protocol.TypeJobFailed, snap)
	return nil
}

// Job returns the server's view of a job.
func (s *Server) Job(id string) (job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, false
	}
	return j.Clone(), true
}

// SendError broadcasts an error message.
func (s *Server) SendError(message, code string) {
	s.broadcast(protocol.TypeError, protocol.ServerError{Message: message, Code: code})
}

// RequestDisconnect asks every session to close.
func (s *Server) RequestDisconnect(reason string) {
	s.broadcast(protocol.TypeDisconnect, protocol.Disconnect{Reason: reason})
}

// AnnounceShutdown broadcasts server_shutdown.
func (s *Server) AnnounceShutdown(message string) {
	s.broadcast(protocol.TypeServerShutdown, protocol.ServerShutdown{Message: message})
}

// DropConnections closes every session with code. Codes that cannot be sent
// on the wire (1005, 1006) drop the TCP connection instead.
func (s *Server) DropConnections(code int, reason string) int {
	conns := s.snapshot()
	for _, c := range conns {
		c.drop(code, reason)
	}
	return len(conns)
}

// Connections returns the number of open sessions.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Subscribers returns the number of sessions subscribed to a job.
func (s *Server) Subscribers(jobID string) int {
	n := 0
	for _, c := range s.snapshot() {
		if c.subscribed(jobID) {
			n++
		}
	}
	return n
}

// Close announces the shutdown, closes every session with 1001 and waits
// for their handlers to return.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.DropConnections(transport.CloseGoingAway, "server shutting down")
	s.wg.Wait()
}

func (s *Server) update(id string, fn func(*job.Job)) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, ErrUnknownJob
	}
	j.LastUpdate = s.now().UnixMilli()
	fn(j)
	return j.Clone(), nil
}

func (s *Server) statusOf(id string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return map[string]any{"jobId": id}
	}
	out := fields(*j)
	out["jobId"] = id
	return out
}

func (s *Server) activeJobs() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.order))
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status.IsTerminal() {
			continue
		}
		item := fields(*j)
		item["id"] = id
		out = append(out, item)
	}
	return out
}

func (s *Server) broadcastJob(typ string, j job.Job) {
	body := fields(j)
	body["jobId"] = j.ID
	s.broadcast(typ, body)
}

func (s *Server) broadcast(typ string, body any) {
	for _, c := range s.snapshot() {
		if err := c.write(typ, body); err != nil {
			s.logger.Debug("Broadcast failed", "connection_id", c.id, "type", typ, "error", err)
		}
	}
}

func (s *Server) snapshot() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	slices.SortFunc(conns, func(a, b *conn) int { return strings.Compare(a.id, b.id) })
	return conns
}

// fields renders the wire attributes of j.
func fields(j job.Job) map[string]any {
	out := map[string]any{
		"status":   j.Status,
		"progress": j.Progress,
	}
	if j.StartTime != 0 {
		out["startTime"] = j.StartTime
	}
	if j.LastUpdate != 0 {
		out["lastUpdate"] = j.LastUpdate
	}
	if len(j.Result) > 0 {
		out["result"] = j.Result
	}
	if j.Error != nil {
		out["error"] = j.Error
	}
	if j.Duration != 0 {
		out["duration"] = j.Duration
	}
	return out
}

type conn struct {
	id      string
	subject string
	ws      *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[string]bool
}

func (c *conn) write(typ string, body any) error {
	frame, err := envelope(typ, body)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *conn) drop(code int, reason string) {
	if code != transport.CloseNoStatus && code != transport.CloseAbnormal {
		msg := websocket.FormatCloseMessage(code, reason)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
	}
	c.ws.UnderlyingConn().Close()
}

func (c *conn) subscribe(jobID string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.subs[jobID] = true
	} else {
		delete(c.subs, jobID)
	}
}

func (c *conn) subscribed(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[jobID]
}

// envelope marshals body as a JSON object and adds the type discriminator.
func envelope(typ string, body any) ([]byte, error) {
	fields := map[string]any{}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	fields["type"] = typ
	return json.Marshal(fields)
}
