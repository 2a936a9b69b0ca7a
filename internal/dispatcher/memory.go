package dispatcher

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"jobwatch/pkg/backoff"
	"jobwatch/pkg/circuitbreaker"
	"jobwatch/pkg/cloudevent"
)

const queueReportInterval = 5 * time.Second

// MetricsRecorder receives delivery telemetry. *observability.Metrics
// satisfies it.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// Option configures a Memory dispatcher.
type Option func(*Memory)

// WithMetrics records delivery telemetry to m.
func WithMetrics(m MetricsRecorder) Option {
	return func(d *Memory) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Memory) { d.logger = l }
}

// Memory is a Dispatcher backed by a bounded channel and a worker pool.
// Deliveries that do not fit the buffer are dropped.
type Memory struct {
	cfg      Config
	queue    chan *Delivery
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	requeued  atomic.Int64
	retries   atomic.Int64

	workers  sync.WaitGroup
	waiting  sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewMemory starts a dispatcher with cfg.Workers senders.
func NewMemory(cfg Config, opts ...Option) *Memory {
	cfg = cfg.withDefaults()
	d := &Memory{
		cfg:      cfg,
		queue:    make(chan *Delivery, cfg.BufferSize),
		sender:   cloudevent.NewSender(cfg.Timeout),
		logger:   slog.With("component", "dispatcher"),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
		OnStateChange: func(host string, from, to circuitbreaker.State) {
			d.logger.Warn("Callback circuit changed", "host", host, "from", from.String(), "to", to.String())
		},
	})

	d.workers.Add(cfg.Workers)
	for range cfg.Workers {
		go d.work()
	}
	if d.metrics != nil {
		d.workers.Add(1)
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// Dispatch queues a delivery.
func (d *Memory) Dispatch(dl *Delivery) error {
	if d.closed.Load() {
		return ErrClosed
	}
	select {
	case d.queue <- dl:
		d.queued.Add(1)
		return nil
	default:
		d.drop(dl, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns delivery counters.
func (d *Memory) Stats() Stats {
	bs := d.breakers.Stats()
	return Stats{
		QueueDepth:   len(d.queue),
		Queued:       d.queued.Load(),
		Delivered:    d.delivered.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		Requeued:     d.requeued.Load(),
		Retries:      d.retries.Load(),
		Breakers:     bs.Total,
		BreakersOpen: bs.Open,
	}
}

// Close stops accepting deliveries and drains the buffer.
func (d *Memory) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}
	d.logger.Info("Dispatcher draining", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		d.waiting.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher stopped",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher drain timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *Memory) work() {
	defer d.workers.Done()
	for {
		select {
		case dl := <-d.queue:
			d.deliver(dl)
		case <-d.shutdown:
			for {
				select {
				case dl := <-d.queue:
					d.deliver(dl)
				default:
					return
				}
			}
		}
	}
}

func (d *Memory) reportQueueSize() {
	defer d.workers.Done()
	ticker := time.NewTicker(queueReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

func (d *Memory) deliver(dl *Delivery) {
	host := hostOf(dl.URL)
	breaker := d.breakers.Get(host)
	if !breaker.Allow() {
		d.requeue(dl, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.budget())
	defer cancel()

	start := time.Now()
	if err := d.send(ctx, dl); err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Callback delivery failed", "host", host, "type", dl.Event.Type, "error", err)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
	d.logger.Debug("Callback delivered", "host", host, "type", dl.Event.Type, "job_id", dl.Event.Subject)
}

// budget bounds one delivery including its retries.
func (d *Memory) budget() time.Duration {
	total := time.Duration(d.cfg.MaxRetries+1) * d.cfg.Timeout
	for n := 1; n <= d.cfg.MaxRetries; n++ {
		total += backoff.Exponential(n, &d.cfg.Backoff)
	}
	return total
}

func (d *Memory) send(ctx context.Context, dl *Delivery) error {
	opts := cloudevent.SendOptions{SigningKey: dl.SigningKey}

	var err error
	for attempt := range d.cfg.MaxRetries + 1 {
		if attempt > 0 {
			d.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, &d.cfg.Backoff)):
			}
		}
		err = d.sender.Send(ctx, dl.URL, dl.Event, opts)
		if err == nil || cloudevent.IsClientError(err) {
			return err
		}
	}
	return err
}

// requeue parks a delivery while its host's breaker is open.
func (d *Memory) requeue(dl *Delivery, host string) {
	if dl.requeues >= d.cfg.MaxRequeues {
		d.drop(dl, "max requeues reached")
		return
	}
	dl.requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	d.waiting.Add(1)
	go func() {
		defer d.waiting.Done()
		timer := time.NewTimer(d.cfg.BreakerCooldown)
		defer timer.Stop()
		select {
		case <-d.shutdown:
			d.drop(dl, "shutdown while waiting for circuit")
			return
		case <-timer.C:
		}
		if d.closed.Load() {
			d.drop(dl, "shutdown while waiting for circuit")
			return
		}
		select {
		case d.queue <- dl:
			d.logger.Debug("Callback requeued", "host", host, "requeues", dl.requeues)
		default:
			d.drop(dl, "buffer full on requeue")
		}
	}()
}

func (d *Memory) drop(dl *Delivery, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn("Callback dropped", "reason", reason, "host", hostOf(dl.URL), "type", dl.Event.Type)
}

// hostOf keys breakers by destination host.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

var _ Dispatcher = (*Memory)(nil)
