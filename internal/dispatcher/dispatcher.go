// Package dispatcher delivers webhook callbacks in the background with a
// bounded buffer, retries and a circuit breaker per destination host.
package dispatcher

import (
	"context"
	"errors"

	"jobwatch/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when a delivery cannot be queued and was dropped.
	ErrBufferFull = errors.New("callback buffer full, delivery dropped")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// Dispatcher queues callbacks for asynchronous delivery.
type Dispatcher interface {
	// Dispatch queues d without blocking.
	Dispatch(d *Delivery) error

	// Stats returns delivery counters.
	Stats() Stats

	// Close stops accepting deliveries and waits for queued ones until ctx
	// is done.
	Close(ctx context.Context) error
}

// Delivery is one callback to send.
type Delivery struct {
	Event      *cloudevent.CloudEvent
	URL        string
	SigningKey string // empty disables the signature header

	requeues int
}

// Stats holds dispatcher counters.
type Stats struct {
	QueueDepth   int   `json:"queueDepth"`
	Queued       int64 `json:"queued"`
	Delivered    int64 `json:"delivered"`
	Failed       int64 `json:"failed"`
	Dropped      int64 `json:"dropped"`
	Requeued     int64 `json:"requeued"`
	Retries      int64 `json:"retries"`
	Breakers     int   `json:"breakers"`
	BreakersOpen int   `json:"breakersOpen"`
}
