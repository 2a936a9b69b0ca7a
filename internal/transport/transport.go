// Package transport defines the framed text duplex used by the session
// controller and implements it over WebSocket.
//
// A Conn reports its lifecycle through a Handler. Callbacks for one Conn are
// delivered sequentially from a single goroutine in this order:
//
//	OnOpen, OnFrame*, [OnError], OnClose
//
// OnOpen is skipped when the connection never opened. OnClose is delivered
// exactly once. When the client closed the connection itself, OnClose carries
// the client's code and reason.
package transport

import (
	"net/url"
)

// Close codes used by the session.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseNoStatus  = 1005
	CloseAbnormal  = 1006
)

// Handler receives connection lifecycle callbacks.
type Handler interface {
	OnOpen()
	OnFrame(data []byte)
	OnError(err error)
	OnClose(code int, reason string)
}

// Conn is one client connection.
type Conn interface {
	// Send writes a text frame. Fails with apperrors.ErrNotConnected unless
	// the connection is open. Frames are never queued.
	Send(frame []byte) error
	// Close starts closing the connection and returns without waiting.
	// Closing a connection that is still dialing abandons the dial.
	Close(code int, reason string) error
}

// Dialer starts connections. Dial returns immediately; the outcome is
// reported to h.
type Dialer interface {
	Dial(url string, h Handler) Conn
}

// RedactURL hides the token query parameter for logging.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
