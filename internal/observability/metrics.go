package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs/deliveries take
// - Traffic: Request, frame and delivery throughput
// - Errors: Rate of failures (HTTP, parse, session, job, delivery)
// - Saturation: Connection state, tracked jobs, dispatcher queue
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Session metrics (Traffic, Errors, Saturation)
	SessionConnects          metric.Int64Counter
	SessionReconnectAttempts metric.Int64Counter
	SessionDisconnects       metric.Int64Counter
	SessionConnected         metric.Int64Gauge
	FramesReceived           metric.Int64Counter
	FramesSent               metric.Int64Counter
	ParseErrors              metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration       metric.Float64Histogram
	JobsObserved      metric.Int64Counter
	JobsTerminal      metric.Int64Counter
	JobErrorsTotal    metric.Int64Counter
	JobsTracked       metric.Int64Gauge
	ServerErrorsTotal metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// Option configures NewMetrics.
type Option func(*options)

type options struct {
	registry *promclient.Registry
}

// WithRegistry exports to reg instead of the default Prometheus registry.
func WithRegistry(reg *promclient.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context, opts ...Option) (*Metrics, http.Handler, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var exporterOpts []otelprom.Option
	handler := promhttp.Handler()
	if o.registry != nil {
		exporterOpts = append(exporterOpts, otelprom.WithRegisterer(o.registry))
		handler = promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
	}

	exporter, err := otelprom.New(exporterOpts...)
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	if o.registry == nil {
		otel.SetMeterProvider(provider)
	}

	meter := provider.Meter("jobwatch")
	m := &Metrics{meter: meter}
	b := builder{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	// Session metrics
	m.SessionConnects = b.counter("session_connects_total", "Connection attempts by result")
	m.SessionReconnectAttempts = b.counter("session_reconnect_attempts_total", "Reconnect attempts scheduled")
	m.SessionDisconnects = b.counter("session_disconnects_total", "Connection closes by close code")
	m.SessionConnected = b.gauge("session_connected", "1 while the session is open (saturation)")
	m.FramesReceived = b.counter("session_frames_received_total", "Inbound frames by message type")
	m.FramesSent = b.counter("session_frames_sent_total", "Outbound frames by message type")
	m.ParseErrors = b.counter("session_parse_errors_total", "Inbound frames rejected by the decoder")

	// Job metrics
	m.JobDuration = b.histogram("job_duration_seconds", "Server-reported job duration in seconds",
		1, 5, 10, 30, 60, 120, 300, 600, 900, 1800)
	m.JobsObserved = b.counter("jobs_observed_total", "Jobs seen for the first time")
	m.JobsTerminal = b.counter("jobs_terminal_total", "Jobs reaching a terminal status")
	m.JobErrorsTotal = b.counter("job_errors_total", "Total number of failed jobs")
	m.JobsTracked = b.gauge("jobs_tracked", "Jobs held in the registry (saturation)")
	m.ServerErrorsTotal = b.counter("server_errors_total", "Error messages reported by the server")

	// Dispatcher metrics
	m.DispatcherDuration = b.histogram("dispatcher_duration_seconds", "Callback delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.DispatcherDelivered = b.counter("dispatcher_delivered_total", "Total events successfully delivered")
	m.DispatcherFailed = b.counter("dispatcher_failed_total", "Total events failed after retries")
	m.DispatcherDropped = b.counter("dispatcher_dropped_total", "Total events dropped (buffer full or max requeues)")
	m.DispatcherRequeued = b.counter("dispatcher_requeued_total", "Total events requeued due to open circuit")
	m.DispatcherQueueSize = b.gauge("dispatcher_queue_size", "Current number of events in dispatcher queue (saturation)")

	if b.err != nil {
		return nil, nil, b.err
	}
	return m, handler, nil
}

// builder creates instruments and keeps the first error.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc))
	b.keep(err)
	return g
}

func (b *builder) histogram(name, desc string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.keep(err)
	return h
}

func (b *builder) keep(err error) {
	if b.err == nil {
		b.err = err
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordConnect records the outcome of a connection attempt.
func (m *Metrics) RecordConnect(ctx context.Context, success bool) {
	m.SessionConnects.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
}

// RecordReconnectAttempt records a scheduled reconnect attempt.
func (m *Metrics) RecordReconnectAttempt(ctx context.Context, attempt int) {
	m.SessionReconnectAttempts.Add(ctx, 1, metric.WithAttributes(attemptAttr(attempt)))
}

// RecordDisconnect records a closed connection.
func (m *Metrics) RecordDisconnect(ctx context.Context, code int) {
	m.SessionDisconnects.Add(ctx, 1, metric.WithAttributes(closeCodeAttr(code)))
}

// RecordConnected records whether the session is open.
func (m *Metrics) RecordConnected(ctx context.Context, connected bool) {
	var v int64
	if connected {
		v = 1
	}
	m.SessionConnected.Record(ctx, v)
}

// RecordFrameReceived records an inbound frame.
func (m *Metrics) RecordFrameReceived(ctx context.Context, msgType string) {
	m.FramesReceived.Add(ctx, 1, metric.WithAttributes(messageTypeAttr(msgType)))
}

// RecordFrameSent records an outbound frame.
func (m *Metrics) RecordFrameSent(ctx context.Context, msgType string) {
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(messageTypeAttr(msgType)))
}

// RecordParseError records a rejected inbound frame.
func (m *Metrics) RecordParseError(ctx context.Context) {
	m.ParseErrors.Add(ctx, 1)
}

// RecordServerError records an error message from the server.
func (m *Metrics) RecordServerError(ctx context.Context, code string) {
	m.ServerErrorsTotal.Add(ctx, 1, metric.WithAttributes(codeAttr(code)))
}

// RecordJobObserved records a job seen for the first time.
func (m *Metrics) RecordJobObserved(ctx context.Context) {
	m.JobsObserved.Add(ctx, 1)
}

// RecordJobTerminal records a job reaching a terminal status.
// durationMillis is the server-reported duration; 0 skips the histogram.
func (m *Metrics) RecordJobTerminal(ctx context.Context, status string, durationMillis int64) {
	attrs := metric.WithAttributes(jobStatusAttr(status))
	m.JobsTerminal.Add(ctx, 1, attrs)
	if durationMillis > 0 {
		m.JobDuration.Record(ctx, float64(durationMillis)/1000, attrs)
	}
	if status == "failed" {
		m.JobErrorsTotal.Add(ctx, 1)
	}
}

// RecordJobsTracked records the registry size.
func (m *Metrics) RecordJobsTracked(ctx context.Context, n int) {
	m.JobsTracked.Record(ctx, int64(n))
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
