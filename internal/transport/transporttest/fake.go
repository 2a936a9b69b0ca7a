// Package transporttest provides an in-memory transport for driving a client
// deterministically in tests.
package transporttest

import (
	"encoding/json"
	"sync"

	"jobwatch/internal/apperrors"
	"jobwatch/internal/transport"
)

// Dialer records every dial and hands out fake connections.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
}

// NewDialer creates a fake dialer.
func NewDialer() *Dialer {
	return &Dialer{}
}

// Dial records the URL and returns a connection that stays connecting until
// the test calls Open.
func (d *Dialer) Dial(url string, h transport.Handler) transport.Conn {
	c := &Conn{URL: url, h: h}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c
}

// Count returns the number of dials so far.
func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Conn returns the i-th dialed connection.
func (d *Dialer) Conn(i int) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// Last returns the most recent connection, or nil before the first dial.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Conn is a fake connection. Methods named after server actions (Open, Frame,
// ServerClose, Fail) invoke the client's handler synchronously.
type Conn struct {
	URL string
	h   transport.Handler

	mu          sync.Mutex
	open        bool
	closed      bool
	sent        [][]byte
	closeCode   int
	closeReason string
	closeCalls  int
}

// Open completes the handshake.
func (c *Conn) Open() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.open = true
	c.mu.Unlock()
	c.h.OnOpen()
}

// Frame delivers an inbound text frame.
func (c *Conn) Frame(data string) {
	c.h.OnFrame([]byte(data))
}

// FrameJSON marshals v and delivers it as an inbound frame.
func (c *Conn) FrameJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.h.OnFrame(data)
}

// ServerClose closes the connection from the server side.
func (c *Conn) ServerClose(code int, reason string) {
	if !c.markClosed() {
		return
	}
	c.h.OnClose(code, reason)
}

// Fail reports a transport error followed by an abnormal close.
func (c *Conn) Fail(err error) {
	if !c.markClosed() {
		return
	}
	c.h.OnError(apperrors.Transport("transport.read", err))
	c.h.OnClose(transport.CloseAbnormal, "connection lost")
}

func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.open = false
	return true
}

// Send records the frame when open.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return apperrors.ErrNotConnected
	}
	c.sent = append(c.sent, append([]byte(nil), frame...))
	return nil
}

// Close records the close and reports it back with the client's code.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	c.closeCalls++
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.open = false
	c.closeCode, c.closeReason = code, reason
	c.mu.Unlock()

	c.h.OnClose(code, reason)
	return nil
}

// Sent returns the frames sent by the client.
func (c *Conn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, f := range c.sent {
		out[i] = string(f)
	}
	return out
}

// SentTypes returns the "type" field of every sent frame.
func (c *Conn) SentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, f := range c.sent {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f, &env)
		out = append(out, env.Type)
	}
	return out
}

// ClosedByClient reports the code and reason passed to Close.
func (c *Conn) ClosedByClient() (code int, reason string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason, c.closeCalls > 0
}

// IsOpen reports whether the connection is open.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}
