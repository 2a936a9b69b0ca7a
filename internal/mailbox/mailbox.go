// Package mailbox provides a serialized executor: closures posted from any
// goroutine run one at a time, in post order, on a single owner goroutine.
package mailbox

import (
	"fmt"
	"log/slog"
	"sync"
)

// Mailbox is an unbounded FIFO of closures drained by one goroutine.
type Mailbox struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// New creates a mailbox and starts its goroutine.
func New(name string) *Mailbox {
	m := &Mailbox{
		name:   name,
		logger: slog.With("component", "mailbox", "mailbox", name),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// Post enqueues fn without blocking. Returns false if the mailbox is closed.
func (m *Mailbox) Post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// Call posts fn and waits for it to run. Returns false if the mailbox was
// closed before fn could be queued. Must not be called from the mailbox's
// own goroutine.
func (m *Mailbox) Call(fn func()) bool {
	ran := make(chan struct{})
	if !m.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	<-ran
	return true
}

// Close stops accepting work. Closures already queued still run.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the mailbox is closed and fully drained.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

func (m *Mailbox) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		closed := m.closed
		m.mu.Unlock()

		for _, fn := range batch {
			m.invoke(fn)
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-m.wake
	}
}

func (m *Mailbox) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Mailbox task panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
