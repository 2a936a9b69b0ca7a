package transport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"jobwatch/internal/apperrors"
)

type closeInfo struct {
	code   int
	reason string
}

type recordingHandler struct {
	opened chan struct{}
	frames chan string
	errs   chan error
	closed chan closeInfo
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		opened: make(chan struct{}, 1),
		frames: make(chan string, 16),
		errs:   make(chan error, 4),
		closed: make(chan closeInfo, 4),
	}
}

func (h *recordingHandler) OnOpen()             { h.opened <- struct{}{} }
func (h *recordingHandler) OnFrame(data []byte) { h.frames <- string(data) }
func (h *recordingHandler) OnError(err error)   { h.errs <- err }

func (h *recordingHandler) OnClose(code int, reason string) {
	h.closed <- closeInfo{code, reason}
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
	var zero T
	return zero
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// echoServer echoes text frames and closes with the code in the frame
// "close:<code>".
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "close:4001" {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(4001, "server says bye"), time.Now().Add(time.Second))
				continue
			}
			if string(data) == "drop" {
				conn.UnderlyingConn().Close()
				return
			}
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestWebSocket_OpenSendReceive(t *testing.T) {
	t.Parallel()
	server := echoServer(t)
	h := newRecordingHandler()

	conn := NewWebSocketDialer(DialerConfig{}).Dial(wsURL(server), h)
	wait(t, h.opened)

	if err := conn.Send([]byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := wait(t, h.frames); got != `{"type":"ping"}` {
		t.Errorf("expected echo, got %q", got)
	}

	conn.Close(CloseNormal, "Manual disconnect")
	got := wait(t, h.closed)
	if got.code != CloseNormal || got.reason != "Manual disconnect" {
		t.Errorf("expected local close code, got %+v", got)
	}
	if err := conn.Send([]byte("x")); !errors.Is(err, apperrors.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after close, got %v", err)
	}
}

func TestWebSocket_ServerCloseCode(t *testing.T) {
	t.Parallel()
	server := echoServer(t)
	h := newRecordingHandler()

	conn := NewWebSocketDialer(DialerConfig{}).Dial(wsURL(server), h)
	wait(t, h.opened)
	conn.Send([]byte("close:4001"))

	got := wait(t, h.closed)
	if got.code != 4001 || got.reason != "server says bye" {
		t.Errorf("expected server close 4001, got %+v", got)
	}
}

func TestWebSocket_AbruptDropIsAbnormal(t *testing.T) {
	t.Parallel()
	server := echoServer(t)
	h := newRecordingHandler()

	conn := NewWebSocketDialer(DialerConfig{}).Dial(wsURL(server), h)
	wait(t, h.opened)
	conn.Send([]byte("drop"))

	err := wait(t, h.errs)
	if !errors.Is(err, apperrors.ErrTransport) {
		t.Errorf("expected transport error, got %v", err)
	}
	if got := wait(t, h.closed); got.code != CloseAbnormal {
		t.Errorf("expected 1006, got %+v", got)
	}
}

func TestWebSocket_DialFailure(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()
	h := newRecordingHandler()

	conn := NewWebSocketDialer(DialerConfig{}).Dial(wsURL(server), h)
	if err := conn.Send([]byte("early")); !errors.Is(err, apperrors.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected before open, got %v", err)
	}

	if err := wait(t, h.errs); !errors.Is(err, apperrors.ErrTransport) {
		t.Errorf("expected transport error, got %v", err)
	}
	if got := wait(t, h.closed); got.code != CloseAbnormal {
		t.Errorf("expected 1006, got %+v", got)
	}
	select {
	case <-h.opened:
		t.Error("OnOpen must not fire for a failed dial")
	default:
	}
}

func TestWebSocket_CloseWhileDialing(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)
	h := newRecordingHandler()

	conn := NewWebSocketDialer(DialerConfig{}).Dial(wsURL(server), h)
	conn.Close(CloseNormal, "abandon")

	got := wait(t, h.closed)
	if got.code != CloseNormal || got.reason != "abandon" {
		t.Errorf("expected local close, got %+v", got)
	}
	select {
	case err := <-h.errs:
		t.Errorf("unexpected error for abandoned dial: %v", err)
	default:
	}
}

func TestRedactURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"ws://host/ws/transcription?token=secret", "ws://host/ws/transcription?token=REDACTED"},
		{"wss://host/x", "wss://host/x"},
		{"://bad", "<invalid url>"},
	}
	for _, tt := range tests {
		if got := RedactURL(tt.in); got != tt.want {
			t.Errorf("RedactURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
