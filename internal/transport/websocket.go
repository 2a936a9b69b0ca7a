package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"jobwatch/internal/apperrors"
)

// DialerConfig configures a WebSocketDialer.
type DialerConfig struct {
	HandshakeTimeout time.Duration // default: 10s
	WriteTimeout     time.Duration // default: 10s
	CloseGrace       time.Duration // wait for the server's close echo; default: 1s
	ReadLimit        int64         // max inbound frame size; default: 1 MiB
	Header           http.Header
}

// DefaultDialerConfig returns the default dialer settings.
func DefaultDialerConfig() DialerConfig {
	return DialerConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		CloseGrace:       time.Second,
		ReadLimit:        1 << 20,
	}
}

// WebSocketDialer dials gorilla/websocket connections.
type WebSocketDialer struct {
	cfg    DialerConfig
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWebSocketDialer creates a dialer. Zero config fields take defaults.
func NewWebSocketDialer(cfg DialerConfig) *WebSocketDialer {
	def := DefaultDialerConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = def.CloseGrace
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	return &WebSocketDialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: slog.With("component", "transport"),
	}
}

type connState int

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateClosed
)

type wsConn struct {
	cfg    DialerConfig
	h      Handler
	cancel context.CancelFunc
	logger *slog.Logger

	mu          sync.Mutex
	state       connState
	ws          *websocket.Conn
	localCode   int
	localReason string
	graceTimer  *time.Timer

	writeMu sync.Mutex
}

// Dial starts connecting to rawURL in the background.
func (d *WebSocketDialer) Dial(rawURL string, h Handler) Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		cfg:    d.cfg,
		h:      h,
		cancel: cancel,
		logger: d.logger.With("url", RedactURL(rawURL)),
	}
	go c.connect(ctx, d.dialer, rawURL)
	return c
}

func (c *wsConn) connect(ctx context.Context, dialer *websocket.Dialer, rawURL string) {
	defer c.cancel()

	ws, resp, err := dialer.DialContext(ctx, rawURL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	local := c.state == stateClosing
	code, reason := c.localCode, c.localReason
	if err != nil || local {
		c.state = stateClosed
		c.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		if local {
			c.h.OnClose(code, reason)
			return
		}
		if resp != nil {
			c.logger.Debug("Handshake rejected", "status", resp.StatusCode)
		}
		c.h.OnError(apperrors.Transport("transport.dial", err))
		c.h.OnClose(CloseAbnormal, "dial failed")
		return
	}
	c.ws = ws
	c.state = stateOpen
	c.mu.Unlock()

	ws.SetReadLimit(c.cfg.ReadLimit)
	c.h.OnOpen()
	c.readLoop(ws)
}

func (c *wsConn) readLoop(ws *websocket.Conn) {
	defer ws.Close()
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			c.h.OnFrame(data)
		}
	}
}

func (c *wsConn) finish(err error) {
	c.mu.Lock()
	local := c.state == stateClosing
	code, reason := c.localCode, c.localReason
	c.state = stateClosed
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	c.mu.Unlock()

	if local {
		c.h.OnClose(code, reason)
		return
	}
	// gorilla reports a dropped TCP connection as a 1006 CloseError.
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		c.h.OnClose(ce.Code, ce.Text)
		return
	}
	c.h.OnError(apperrors.Transport("transport.read", err))
	c.h.OnClose(CloseAbnormal, "connection lost")
}

func (c *wsConn) Send(frame []byte) error {
	c.mu.Lock()
	if c.state != stateOpen {
		c.mu.Unlock()
		return apperrors.ErrNotConnected
	}
	ws := c.ws
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return apperrors.Transport("transport.write", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return apperrors.Transport("transport.write", err)
	}
	return nil
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateConnecting:
		c.state = stateClosing
		c.localCode, c.localReason = code, reason
		c.cancel()
	case stateOpen:
		c.state = stateClosing
		c.localCode, c.localReason = code, reason
		ws := c.ws
		c.graceTimer = time.AfterFunc(c.cfg.CloseGrace, func() { ws.Close() })
		go func() {
			msg := websocket.FormatCloseMessage(code, reason)
			if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debug("Close frame not sent", "error", err)
				ws.Close()
			}
		}()
	}
	return nil
}
