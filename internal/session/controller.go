package session

import (
	"context"
	"errors"
	"fmt"

	"jobwatch/internal/apperrors"
	"jobwatch/internal/job"
	"jobwatch/internal/protocol"
	"jobwatch/internal/reconnect"
	"jobwatch/internal/transport"
)

const (
	reasonManual       = "Manual disconnect"
	reasonServerAsked  = "Server requested disconnect"
	reasonHandshake    = "handshake timeout"
	defaultFailureText = "job failed"
)

// connHandler forwards transport callbacks to the loop tagged with the
// connection generation they belong to.
type connHandler struct {
	c   *Client
	gen uint64
}

func (h *connHandler) OnOpen() {
	h.c.loop.Post(func() { h.c.handleOpen(h.gen) })
}

func (h *connHandler) OnFrame(data []byte) {
	h.c.loop.Post(func() { h.c.handleFrame(h.gen, data) })
}

func (h *connHandler) OnError(err error) {
	h.c.loop.Post(func() { h.c.handleError(h.gen, err) })
}

func (h *connHandler) OnClose(code int, reason string) {
	h.c.loop.Post(func() { h.c.handleClose(h.gen, code, reason) })
}

func (c *Client) connect(result chan<- error) {
	if c.closed {
		result <- apperrors.ErrClosed
		return
	}
	switch c.state {
	case StateOpen:
		result <- nil
		return
	case StateConnecting:
		c.waiters = append(c.waiters, result)
		return
	case StateClosing:
		c.abandon()
	}
	if c.token == "" {
		result <- apperrors.ErrAuthMissing
		return
	}

	c.intentional = false
	c.policy.Cancel()
	c.policy.Resume()
	c.waiters = append(c.waiters, result)
	c.dial(false)
}

func (c *Client) dial(reconnecting bool) {
	u, err := BuildURL(c.cfg.Origin, c.cfg.WSURL, c.token)
	if err != nil {
		c.state = StateClosed
		c.settle(err)
		c.emit(EventError, ErrorPayload{Err: err})
		return
	}

	c.gen++
	gen := c.gen
	c.url = u
	c.state = StateConnecting
	c.reconnectDial = reconnecting
	c.activeRequested = false
	c.serverClosing = false
	c.connectionID = ""

	c.logger.Info("Connecting", "url", transport.RedactURL(u), "reconnect", reconnecting)
	c.conn = c.dialer.Dial(u, &connHandler{c: c, gen: gen})
	c.handshake = c.loopSched.AfterFunc(c.cfg.HandshakeTimeout, func() {
		c.handleHandshakeTimeout(gen)
	})
}

func (c *Client) disconnect() {
	c.intentional = true
	c.policy.Suppress()
	c.heartbeat.Stop()
	c.stopHandshake()
	if c.state == StateClosed {
		return
	}

	conn := c.conn
	c.gen++
	c.conn = nil
	c.state = StateClosed
	c.connectionID = ""
	if conn != nil {
		if err := conn.Close(transport.CloseNormal, reasonManual); err != nil {
			c.logger.Debug("Close failed", "error", err)
		}
	}

	ctx := context.Background()
	c.metrics.RecordDisconnect(ctx, transport.CloseNormal)
	c.metrics.RecordConnected(ctx, false)
	c.logger.Info("Disconnected", "reason", reasonManual)
	c.settle(apperrors.ErrDisconnected)
	c.emit(EventDisconnected, DisconnectedPayload{
		Code:        transport.CloseNormal,
		Reason:      reasonManual,
		Intentional: true,
	})
}

// abandon finishes a server-requested close without waiting for the
// transport to confirm it.
func (c *Client) abandon() {
	conn := c.conn
	c.gen++
	c.conn = nil
	c.state = StateClosed
	c.connectionID = ""
	c.serverClosing = false
	if conn != nil {
		_ = conn.Close(transport.CloseNormal, reasonServerAsked)
	}
	c.metrics.RecordConnected(context.Background(), false)
	c.emit(EventDisconnected, DisconnectedPayload{
		Code:        transport.CloseNormal,
		Reason:      reasonServerAsked,
		Intentional: true,
	})
}

func (c *Client) send(msg protocol.Outbound) bool {
	if c.state != StateOpen || c.conn == nil {
		c.logger.Debug("Dropping outbound message, not connected", "type", outboundType(msg), "state", c.state)
		return false
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Warn("Failed to encode message", "type", outboundType(msg), "error", err)
		return false
	}
	if err := c.conn.Send(data); err != nil {
		c.logger.Debug("Failed to send message", "type", msg.OutboundType(), "error", err)
		return false
	}
	c.metrics.RecordFrameSent(context.Background(), msg.OutboundType())
	if c.cfg.Debug {
		c.logger.Debug("Frame sent", "type", msg.OutboundType(), "frame", string(data))
	}
	return true
}

func outboundType(msg protocol.Outbound) string {
	if msg == nil {
		return ""
	}
	return msg.OutboundType()
}

func (c *Client) handleOpen(gen uint64) {
	if gen != c.gen || c.state != StateConnecting {
		return
	}
	c.stopHandshake()
	c.state = StateOpen
	c.policy.Reset()
	c.heartbeat.Start()

	ctx := context.Background()
	c.metrics.RecordConnect(ctx, true)
	c.metrics.RecordConnected(ctx, true)
	c.logger.Info("Connected", "url", transport.RedactURL(c.url), "reconnect", c.reconnectDial)

	c.settle(nil)
	c.emit(EventConnected, ConnectedPayload{
		URL:       transport.RedactURL(c.url),
		Reconnect: c.reconnectDial,
	})

	for _, id := range c.registry.Subscriptions() {
		c.send(protocol.SubscribeJob{JobID: id})
	}
	if c.reconnectDial {
		c.requestActiveJobs()
	}
}

func (c *Client) handleFrame(gen uint64, data []byte) {
	if gen != c.gen || (c.state != StateOpen && c.state != StateClosing) {
		return
	}
	ctx := context.Background()
	msg, err := protocol.Decode(data)
	if err != nil {
		c.metrics.RecordParseError(ctx)
		c.logger.Warn("Dropping malformed frame", "error", err, "size", len(data))
		return
	}
	c.metrics.RecordFrameReceived(ctx, msg.MessageType())
	if c.cfg.Debug {
		c.logger.Debug("Frame received", "type", msg.MessageType(), "frame", string(data))
	}
	c.dispatch(msg)
}

func (c *Client) handleError(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	c.logger.Warn("Transport error", "error", err, "state", c.state)
	if c.state == StateConnecting {
		c.settle(err)
	}
	c.emit(EventError, ErrorPayload{Err: err})
}

func (c *Client) handleClose(gen uint64, code int, reason string) {
	if gen != c.gen {
		return
	}
	prev := c.state
	serverAsked := c.serverClosing

	c.stopHandshake()
	c.heartbeat.Stop()
	c.conn = nil
	c.state = StateClosed
	c.connectionID = ""
	c.serverClosing = false

	ctx := context.Background()
	c.metrics.RecordDisconnect(ctx, code)
	c.metrics.RecordConnected(ctx, false)

	willReconnect := code != transport.CloseNormal && !c.intentional && !serverAsked
	if prev == StateConnecting {
		c.metrics.RecordConnect(ctx, false)
		c.settle(apperrors.Transport("session.connect",
			fmt.Errorf("closed before open: %d %s", code, reason)))
	} else {
		c.logger.Info("Connection closed", "code", code, "reason", reason, "reconnect", willReconnect)
		c.emit(EventDisconnected, DisconnectedPayload{
			Code:          code,
			Reason:        reason,
			Intentional:   serverAsked,
			WillReconnect: willReconnect,
		})
	}
	if willReconnect {
		c.scheduleReconnect()
	}
}

func (c *Client) handleHandshakeTimeout(gen uint64) {
	if gen != c.gen || c.state != StateConnecting {
		return
	}
	c.handshake = nil
	err := apperrors.HandshakeTimeout(transport.RedactURL(c.url))

	conn := c.conn
	c.gen++
	c.conn = nil
	c.state = StateClosed
	if conn != nil {
		_ = conn.Close(transport.CloseNormal, reasonHandshake)
	}

	c.metrics.RecordConnect(context.Background(), false)
	c.logger.Warn("Handshake timed out", "timeout", c.cfg.HandshakeTimeout)
	c.settle(err)
	c.emit(EventError, ErrorPayload{Err: err})
	if !c.intentional {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	a, err := c.policy.Schedule(func(a reconnect.Attempt) {
		c.attemptReconnect(a)
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrReconnectExhausted) {
			attempts := c.policy.Attempts()
			c.logger.Warn("Giving up reconnecting", "attempts", attempts)
			c.settle(err)
			c.emit(EventReconnectFailed, ReconnectFailedPayload{Attempts: attempts, Err: err})
		}
		return
	}
	c.metrics.RecordReconnectAttempt(context.Background(), a.N)
	c.logger.Info("Reconnect scheduled", "attempt", a.N, "max_attempts", c.policy.MaxAttempts(), "delay", a.Delay)
	c.emit(EventReconnecting, ReconnectingPayload{Attempt: a.N, Delay: a.Delay})
}

func (c *Client) attemptReconnect(a reconnect.Attempt) {
	if c.closed || c.intentional || c.state != StateClosed {
		return
	}
	c.logger.Debug("Reconnecting", "attempt", a.N)
	c.dial(true)
}

func (c *Client) requestActiveJobs() {
	if c.activeRequested {
		return
	}
	if c.send(protocol.GetActiveJobs{}) {
		c.activeRequested = true
	}
}

func (c *Client) dispatch(msg protocol.Message) {
	if id, ok := jobIDOf(msg); ok && id == "" {
		c.metrics.RecordParseError(context.Background())
		c.logger.Warn("Dropping job message without jobId", "type", msg.MessageType())
		return
	}

	switch m := msg.(type) {
	case protocol.ConnectionEstablished:
		c.connectionID = m.ConnectionID
		c.logger.Info("Connection established", "connection_id", m.ConnectionID)
		c.requestActiveJobs()
		c.emit(EventConnectionEstablished, ConnectionEstablishedPayload{ConnectionID: m.ConnectionID})

	case protocol.JobStarted:
		u := m.Job.Update()
		u.Status = job.StatusStarted
		progress := 0
		u.Progress = &progress
		snap, outcome := c.registry.Replace(m.JobID, u)
		c.emitJob(EventJobStarted, m.JobID, snap, outcome)

	case protocol.JobProgress:
		u := withoutTerminal(m.Update())
		if u.Status == "" {
			u.Status = job.StatusProcessing
		}
		snap, outcome := c.registry.Upsert(m.JobID, u)
		c.emitJob(EventJobProgress, m.JobID, snap, outcome)

	case protocol.JobCompleted:
		u := m.Update()
		u.Status = job.StatusCompleted
		snap, outcome := c.registry.Upsert(m.JobID, u)
		c.emitJob(EventJobCompleted, m.JobID, snap, outcome)

	case protocol.JobFailed:
		u := m.Update()
		u.Status = job.StatusFailed
		if u.Error == nil {
			u.Error = &job.Failure{Message: defaultFailureText}
		}
		snap, outcome := c.registry.Upsert(m.JobID, u)
		c.emitJob(EventJobFailed, m.JobID, snap, outcome)

	case protocol.JobStatus:
		snap, outcome := c.registry.Merge(m.JobID, withoutTerminal(m.Update()))
		c.observe(snap, outcome)
		c.emit(EventJobStatus, JobEvent{
			JobID:   m.JobID,
			Job:     snap,
			Known:   outcome != job.Missing,
			Outcome: outcome,
		})

	case protocol.CurrentJobs:
		jobs := make([]job.Job, 0, len(m.Jobs))
		for _, item := range m.Jobs {
			id := item.Key()
			if id == "" {
				c.logger.Debug("Skipping active job without id")
				continue
			}
			snap, outcome := c.registry.Replace(id, withoutTerminal(item.Update()))
			c.observe(snap, outcome)
			jobs = append(jobs, snap)
		}
		c.emit(EventCurrentJobs, CurrentJobsPayload{Jobs: jobs})

	case protocol.Pong:
		c.logger.Debug("Pong", "timestamp", m.Timestamp)

	case protocol.ServerError:
		c.metrics.RecordServerError(context.Background(), m.Code)
		c.logger.Warn("Server reported error", "message", m.Message, "code", m.Code)
		c.emit(EventServerError, ServerErrorPayload{Message: m.Message, Code: m.Code, Err: m.Err()})

	case protocol.Disconnect:
		c.logger.Info("Server requested disconnect", "reason", m.Reason)
		c.closeForServer(m.Reason)

	case protocol.ServerShutdown:
		c.logger.Info("Server shutting down", "message", m.Message)
		c.emit(EventServerShutdown, ServerShutdownPayload{Message: m.Message})

	case protocol.Unknown:
		c.logger.Debug("Ignoring unknown message type", "type", m.Type)
	}
}

// withoutTerminal drops a completed or failed status. Only job_completed and
// job_failed finish a job, so their result and error are never lost.
func withoutTerminal(u job.Update) job.Update {
	if u.Status.IsTerminal() {
		u.Status = ""
	}
	return u
}

func jobIDOf(msg protocol.Message) (string, bool) {
	switch m := msg.(type) {
	case protocol.JobStarted:
		return m.JobID, true
	case protocol.JobProgress:
		return m.JobID, true
	case protocol.JobCompleted:
		return m.JobID, true
	case protocol.JobFailed:
		return m.JobID, true
	case protocol.JobStatus:
		return m.JobID, true
	default:
		return "", false
	}
}

func (c *Client) closeForServer(reason string) {
	if c.state != StateOpen {
		return
	}
	if reason == "" {
		reason = reasonServerAsked
	}
	c.state = StateClosing
	c.serverClosing = true
	c.heartbeat.Stop()
	if err := c.conn.Close(transport.CloseNormal, reason); err != nil {
		c.logger.Debug("Close failed", "error", err)
	}
}

// emitJob publishes a job event unless the job was already terminal, in which
// case the message changed nothing and stays silent.
func (c *Client) emitJob(name, jobID string, snap job.Job, outcome job.Outcome) {
	if outcome == job.DroppedTerminal {
		c.logger.Debug("Suppressing event for finished job", "event", name, "job_id", jobID, "status", snap.Status)
		return
	}
	if outcome == job.DroppedRegression {
		c.logger.Debug("Dropped out-of-order update", "event", name, "job_id", jobID, "progress", snap.Progress)
	}
	c.observe(snap, outcome)
	c.emit(name, JobEvent{JobID: jobID, Job: snap, Known: true, Outcome: outcome})
}

func (c *Client) observe(snap job.Job, outcome job.Outcome) {
	if !outcome.Applied() {
		return
	}
	ctx := context.Background()
	if outcome == job.Inserted {
		c.metrics.RecordJobObserved(ctx)
	}
	if snap.Status.IsTerminal() {
		c.metrics.RecordJobTerminal(ctx, string(snap.Status), snap.Duration)
	}
	c.metrics.RecordJobsTracked(ctx, c.registry.Len())
}

func (c *Client) emit(name string, payload any) {
	c.delivery.Post(func() { c.bus.Emit(name, payload) })
}

func (c *Client) settle(err error) {
	for _, w := range c.waiters {
		w <- err
	}
	c.waiters = nil
}

func (c *Client) stopHandshake() {
	if c.handshake != nil {
		c.handshake.Stop()
		c.handshake = nil
	}
}
