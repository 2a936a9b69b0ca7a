// Package session implements the job progress client: it owns one WebSocket
// connection at a time, keeps it alive with heartbeats, reconnects after
// involuntary closes, folds server messages into a job registry and publishes
// what happened as named events.
//
// All connection state is owned by a single loop goroutine. Transport
// callbacks, timer fires and API calls are posted to that loop, so they are
// applied one at a time in arrival order. Events are delivered from a second
// goroutine, which lets handlers call back into the client.
package session

import (
	"context"
	"log/slog"

	"jobwatch/internal/apperrors"
	"jobwatch/internal/eventbus"
	"jobwatch/internal/heartbeat"
	"jobwatch/internal/job"
	"jobwatch/internal/mailbox"
	"jobwatch/internal/protocol"
	"jobwatch/internal/reconnect"
	"jobwatch/internal/scheduler"
	"jobwatch/internal/transport"
)

// MetricsRecorder receives client telemetry. *observability.Metrics
// satisfies it.
type MetricsRecorder interface {
	RecordConnect(ctx context.Context, success bool)
	RecordReconnectAttempt(ctx context.Context, attempt int)
	RecordDisconnect(ctx context.Context, code int)
	RecordConnected(ctx context.Context, connected bool)
	RecordFrameReceived(ctx context.Context, messageType string)
	RecordFrameSent(ctx context.Context, messageType string)
	RecordParseError(ctx context.Context)
	RecordServerError(ctx context.Context, code string)
	RecordJobObserved(ctx context.Context)
	RecordJobTerminal(ctx context.Context, status string, durationMillis int64)
	RecordJobsTracked(ctx context.Context, n int)
}

// Option configures a Client.
type Option func(*Client)

// WithDialer sets the transport. Defaults to a gorilla/websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithScheduler sets the clock used for heartbeats, reconnect delays and the
// handshake timeout.
func WithScheduler(s scheduler.Scheduler) Option {
	return func(c *Client) { c.sched = s }
}

// WithMetrics sets the telemetry sink.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client is a job progress client. Create with New; all methods are safe for
// concurrent use.
type Client struct {
	cfg      Config
	dialer   transport.Dialer
	sched    scheduler.Scheduler
	metrics  MetricsRecorder
	logger   *slog.Logger
	bus      *eventbus.Bus
	registry *job.Registry

	loop      *mailbox.Mailbox
	delivery  *mailbox.Mailbox
	loopSched *loopScheduler
	heartbeat *heartbeat.Heartbeat
	policy    *reconnect.Policy

	// Owned by the loop.
	state           State
	token           string
	url             string
	conn            transport.Conn
	gen             uint64
	connectionID    string
	reconnectDial   bool
	activeRequested bool
	intentional     bool
	serverClosing   bool
	handshake       scheduler.Timer
	waiters         []chan<- error
	closed          bool
}

// New creates a client in the Closed state. Nothing is dialed until Connect.
func New(cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		sched:   scheduler.System{},
		metrics: nopMetrics{},
		logger:  slog.Default(),
		bus:     eventbus.New(),
		token:   cfg.Token,
		state:   StateClosed,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = transport.NewWebSocketDialer(transport.DialerConfig{
			HandshakeTimeout: cfg.HandshakeTimeout,
		})
	}
	c.logger = c.logger.With("component", "session")
	c.registry = job.NewRegistry(job.WithClock(c.sched.Now))
	c.loop = mailbox.New("session")
	c.delivery = mailbox.New("session-events")

	ls := &loopScheduler{inner: c.sched, loop: c.loop}
	c.heartbeat = heartbeat.New(ls, cfg.HeartbeatInterval, func() {
		c.send(protocol.Ping{})
	})
	c.policy = reconnect.New(ls, reconnect.Config{
		Interval:    cfg.ReconnectInterval,
		MaxAttempts: cfg.MaxReconnectAttempts,
	})
	c.loopSched = ls
	return c
}

// SetToken replaces the auth token. It is used from the next dial on.
func (c *Client) SetToken(token string) {
	c.loop.Call(func() { c.token = token })
}

// Connect opens the connection and waits until the handshake completes, fails
// or ctx is done. Calling it while connecting waits on the attempt in flight;
// calling it while open returns nil. A failed handshake is treated like any
// other involuntary close and schedules a reconnect.
func (c *Client) Connect(ctx context.Context) error {
	result := make(chan error, 1)
	if !c.loop.Call(func() { c.connect(result) }) {
		return apperrors.ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection with code 1000 and stops reconnecting
// until the next Connect. It is a no-op when already closed.
func (c *Client) Disconnect() {
	c.loop.Call(c.disconnect)
}

// Close disconnects and stops the client's goroutines after pending events
// were delivered. The client cannot be reused. Must not be called from an
// event handler.
func (c *Client) Close() error {
	c.loop.Call(func() {
		c.disconnect()
		c.closed = true
	})
	c.loop.Close()
	<-c.loop.Done()
	c.delivery.Close()
	<-c.delivery.Done()
	return nil
}

// Send encodes and writes msg. Returns false when not open or when encoding
// or writing failed.
func (c *Client) Send(msg protocol.Outbound) bool {
	var ok bool
	c.loop.Call(func() { ok = c.send(msg) })
	return ok
}

// SubscribeToJob records the subscription and sends subscribe_job. The
// subscription is replayed on every later open even when the send fails now.
func (c *Client) SubscribeToJob(jobID string) bool {
	if jobID == "" {
		return false
	}
	var ok bool
	c.loop.Call(func() {
		c.registry.Subscribe(jobID)
		ok = c.send(protocol.SubscribeJob{JobID: jobID})
	})
	return ok
}

// UnsubscribeFromJob forgets the subscription and sends unsubscribe_job.
func (c *Client) UnsubscribeFromJob(jobID string) bool {
	if jobID == "" {
		return false
	}
	var ok bool
	c.loop.Call(func() {
		c.registry.Unsubscribe(jobID)
		ok = c.send(protocol.UnsubscribeJob{JobID: jobID})
	})
	return ok
}

// GetJobStatus asks the server for one job. The answer arrives as job_status.
func (c *Client) GetJobStatus(jobID string) bool {
	if jobID == "" {
		return false
	}
	return c.Send(protocol.GetJobStatus{JobID: jobID})
}

// GetActiveJobs asks the server for all active jobs. The answer arrives as
// current_jobs.
func (c *Client) GetActiveJobs() bool {
	return c.Send(protocol.GetActiveJobs{})
}

// GetActiveJobsList returns a snapshot of every tracked job in first-seen
// order.
func (c *Client) GetActiveJobsList() []job.Job {
	var jobs []job.Job
	if !c.loop.Call(func() { jobs = c.registry.List() }) {
		return c.registry.List()
	}
	return jobs
}

// Job returns the tracked state of one job.
func (c *Client) Job(jobID string) (job.Job, bool) {
	var (
		j  job.Job
		ok bool
	)
	if !c.loop.Call(func() { j, ok = c.registry.Get(jobID) }) {
		return c.registry.Get(jobID)
	}
	return j, ok
}

// Subscriptions returns the subscribed job IDs in subscription order.
func (c *Client) Subscriptions() []string {
	return c.registry.Subscriptions()
}

// Status returns a snapshot of the connection state.
func (c *Client) Status() Status {
	var s Status
	if !c.loop.Call(func() { s = c.status() }) {
		return Status{
			State:          StateClosed,
			ActiveJobs:     c.registry.Len(),
			SubscribedJobs: c.registry.SubscriptionCount(),
		}
	}
	return s
}

// Ready returns nil while the connection is open.
func (c *Client) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var state State
	if !c.loop.Call(func() { state = c.state }) {
		return apperrors.ErrClosed
	}
	if state != StateOpen {
		return &apperrors.Error{
			Sentinel: apperrors.ErrNotConnected,
			Message:  "connection is " + state.String(),
		}
	}
	return nil
}

// On registers h for the named event.
func (c *Client) On(name string, h eventbus.Handler) {
	c.bus.On(name, h)
}

// Off removes h from the named event.
func (c *Client) Off(name string, h eventbus.Handler) {
	c.bus.Off(name, h)
}

// OnFunc registers fn for the named event and returns its remover.
func (c *Client) OnFunc(name string, fn func(eventbus.Event)) (cancel func()) {
	return c.bus.OnFunc(name, fn)
}

// Emit delivers an application event to handlers registered for name, after
// every event the session has already produced. Returns false once closed.
func (c *Client) Emit(name string, payload any) bool {
	return c.loop.Post(func() { c.emit(name, payload) })
}

func (c *Client) status() Status {
	return Status{
		State:             c.state,
		IsConnected:       c.state == StateOpen,
		IsConnecting:      c.state == StateConnecting,
		ReconnectAttempts: c.policy.Attempts(),
		ActiveJobs:        c.registry.Len(),
		SubscribedJobs:    c.registry.SubscriptionCount(),
		ConnectionID:      c.connectionID,
	}
}

type nopMetrics struct{}

func (nopMetrics) RecordConnect(context.Context, bool)              {}
func (nopMetrics) RecordReconnectAttempt(context.Context, int)      {}
func (nopMetrics) RecordDisconnect(context.Context, int)            {}
func (nopMetrics) RecordConnected(context.Context, bool)            {}
func (nopMetrics) RecordFrameReceived(context.Context, string)      {}
func (nopMetrics) RecordFrameSent(context.Context, string)          {}
func (nopMetrics) RecordParseError(context.Context)                 {}
func (nopMetrics) RecordServerError(context.Context, string)        {}
func (nopMetrics) RecordJobObserved(context.Context)                {}
func (nopMetrics) RecordJobTerminal(context.Context, string, int64) {}
func (nopMetrics) RecordJobsTracked(context.Context, int)           {}
