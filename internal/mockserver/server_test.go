package mockserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"jobwatch/internal/auth"
	"jobwatch/internal/job"
	"jobwatch/internal/protocol"
	"jobwatch/internal/session"
	"jobwatch/internal/testutil"
)

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func start(t *testing.T, a auth.Authenticator, opts ...Option) (*Server, string) {
	t.Helper()
	s := New(a, opts...)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		hs.Close()
	})
	return s, "ws" + strings.TrimPrefix(hs.URL, "http") + session.Path
}

func dial(t *testing.T, url, token string) *client {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(m protocol.Outbound) {
	c.t.Helper()
	frame, err := protocol.Encode(m)
	if err != nil {
		c.t.Fatal(err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) next() protocol.Message {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		c.t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func expect[T protocol.Message](t *testing.T, c *client) T {
	t.Helper()
	msg := c.next()
	m, ok := msg.(T)
	if !ok {
		var zero T
		t.Fatalf("got %T, want %T", msg, zero)
	}
	return m
}

func TestServer_RejectsInvalidToken(t *testing.T) {
	t.Parallel()
	_, url := start(t, auth.Authenticator{Tokens: []string{"good"}})

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"wrong", "bad"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ws, resp, err := websocket.DefaultDialer.Dial(url+"?token="+tt.token, nil)
			if ws != nil {
				ws.Close()
			}
			if !errors.Is(err, websocket.ErrBadHandshake) {
				t.Fatalf("Dial() error = %v, want ErrBadHandshake", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
		})
	}
}

func TestServer_AcceptsSignedToken(t *testing.T) {
	t.Parallel()
	_, url := start(t, auth.Authenticator{SigningKey: "key"})
	token, err := auth.IssueAccessToken("key", "watcher", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	c := dial(t, url, token)
	if m := expect[protocol.ConnectionEstablished](t, c); m.ConnectionID == "" {
		t.Error("connection_established without connectionId")
	}
}

func TestServer_PingPong(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1_700_000_000_000)
	_, url := start(t, auth.Authenticator{}, WithClock(func() time.Time { return now }))
	c := dial(t, url, "t")
	expect[protocol.ConnectionEstablished](t, c)

	c.send(protocol.Ping{})
	if m := expect[protocol.Pong](t, c); m.Timestamp != now.UnixMilli() {
		t.Errorf("pong timestamp = %d, want %d", m.Timestamp, now.UnixMilli())
	}
}

func TestServer_JobLifecycle(t *testing.T) {
	t.Parallel()
	s, url := start(t, auth.Authenticator{})
	c := dial(t, url, "t")
	expect[protocol.ConnectionEstablished](t, c)

	s.StartJob("j1")
	started := expect[protocol.JobStarted](t, c)
	if started.JobID != "j1" || started.Job.Status != job.StatusStarted {
		t.Errorf("job_started = %+v", started)
	}

	if err := s.Progress("j1", 40); err != nil {
		t.Fatal(err)
	}
	progress := expect[protocol.JobProgress](t, c)
	if progress.Progress == nil || *progress.Progress != 40 || progress.Status != job.StatusProcessing {
		t.Errorf("job_progress = %+v", progress)
	}

	if err := s.Complete("j1", map[string]string{"text": "hello"}); err != nil {
		t.Fatal(err)
	}
	completed := expect[protocol.JobCompleted](t, c)
	if string(completed.Result) != `{"text":"hello"}` {
		t.Errorf("result = %s", completed.Result)
	}

	s.StartJob("j2")
	expect[protocol.JobStarted](t, c)
	if err := s.Fail("j2", "codec error"); err != nil {
		t.Fatal(err)
	}
	failed := expect[protocol.JobFailed](t, c)
	if failed.Error == nil || failed.Error.Message != "codec error" {
		t.Errorf("job_failed error = %+v", failed.Error)
	}

	if err := s.Progress("missing", 10); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Progress(missing) error = %v, want ErrUnknownJob", err)
	}
}

func TestServer_Queries(t *testing.T) {
	t.Parallel()
	s, url := start(t, auth.Authenticator{})
	c := dial(t, url, "t")
	expect[protocol.ConnectionEstablished](t, c)

	s.StartJob("a")
	s.StartJob("b")
	expect[protocol.JobStarted](t, c)
	expect[protocol.JobStarted](t, c)
	s.Complete("a", nil)
	expect[protocol.JobCompleted](t, c)

	c.send(protocol.GetActiveJobs{})
	current := expect[protocol.CurrentJobs](t, c)
	var ids []string
	for _, item := range current.Jobs {
		ids = append(ids, item.Key())
	}
	if diff := cmp.Diff([]string{"b"}, ids); diff != "" {
		t.Errorf("current_jobs ids mismatch (-want +got):\n%s", diff)
	}

	c.send(protocol.GetJobStatus{JobID: "a"})
	if st := expect[protocol.JobStatus](t, c); st.JobID != "a" || st.Status != job.StatusCompleted {
		t.Errorf("job_status = %+v", st)
	}

	c.send(protocol.GetJobStatus{JobID: "nope"})
	if st := expect[protocol.JobStatus](t, c); st.JobID != "nope" || st.Status != "" {
		t.Errorf("job_status for unknown job = %+v", st)
	}
}

func TestServer_Subscriptions(t *testing.T) {
	t.Parallel()
	s, url := start(t, auth.Authenticator{})
	c := dial(t, url, "t")
	expect[protocol.ConnectionEstablished](t, c)

	c.send(protocol.SubscribeJob{JobID: "j1"})
	testutil.MustWaitFor(t, func() bool { return s.Subscribers("j1") == 1 })

	c.send(protocol.UnsubscribeJob{JobID: "j1"})
	testutil.MustWaitFor(t, func() bool { return s.Subscribers("j1") == 0 })
}

func TestServer_UnknownMessage(t *testing.T) {
	t.Parallel()
	_, url := start(t, auth.Authenticator{})
	c := dial(t, url, "t")
	expect[protocol.ConnectionEstablished](t, c)

	c.send(protocol.Raw{Type: "reticulate"})
	if m := expect[protocol.ServerError](t, c); m.Code != "unknown_type" {
		t.Errorf("error code = %q", m.Code)
	}

	c.ws.WriteMessage(websocket.TextMessage, []byte("not json"))
	if m := expect[protocol.ServerError](t, c); m.Code != "invalid_message" {
		t.Errorf("error code = %q", m.Code)
	}
}

func TestServer_ControlMessages(t *testing.T) {
	t.Parallel()
	s, url := start(t, auth.Authenticator{})
	c := dial(t, url, "t")
	expect[protocol.ConnectionEstablished](t, c)

	s.SendError("quota exceeded", "429")
	if m := expect[protocol.ServerError](t, c); m.Message != "quota exceeded" || m.Code != "429" {
		t.Errorf("error = %+v", m)
	}
	s.AnnounceShutdown("maintenance")
	if m := expect[protocol.ServerShutdown](t, c); m.Message != "maintenance" {
		t.Errorf("server_shutdown = %+v", m)
	}
	s.RequestDisconnect("bye")
	if m := expect[protocol.Disconnect](t, c); m.Reason != "bye" {
		t.Errorf("disconnect = %+v", m)
	}
}

func TestServer_DropConnections(t *testing.T) {
	t.Parallel()
	s, url := start(t, auth.Authenticator{})
	c := dial(t, url, "t")
	expect[protocol.ConnectionEstablished](t, c)

	if n := s.DropConnections(4000, "kicked"); n != 1 {
		t.Fatalf("DropConnections() = %d, want 1", n)
	}

	c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := c.ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != 4000 || ce.Text != "kicked" {
		t.Fatalf("read error = %v, want close 4000", err)
	}
	testutil.MustWaitFor(t, func() bool { return s.Connections() == 0 })
}

func TestServer_CloseRejectsNewSessions(t *testing.T) {
	t.Parallel()
	s, url := start(t, auth.Authenticator{})
	c := dial(t, url, "t")
	expect[protocol.ConnectionEstablished](t, c)

	s.Close()

	c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := c.ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read error = %v, want 1001", err)
	}

	ws, resp, err := websocket.DefaultDialer.Dial(url+"?token=t", nil)
	if ws != nil {
		ws.Close()
	}
	if err == nil {
		t.Fatal("expected dial after Close to fail")
	}
	if resp != nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	}
}

func TestServer_Simulate(t *testing.T) {
	t.Parallel()
	s, url := start(t, auth.Authenticator{})
	c := dial(t, url, "t")
	expect[protocol.ConnectionEstablished](t, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Simulate(ctx, SimulationConfig{Interval: time.Millisecond, Step: 50, FailEvery: 2})
	}()

	first := expect[protocol.JobStarted](t, c)
	expect[protocol.JobProgress](t, c)
	if m := expect[protocol.JobCompleted](t, c); m.JobID != first.JobID {
		t.Errorf("completed %q, want %q", m.JobID, first.JobID)
	}
	second := expect[protocol.JobStarted](t, c)
	if m := expect[protocol.JobFailed](t, c); m.JobID != second.JobID {
		t.Errorf("failed %q, want %q", m.JobID, second.JobID)
	}

	cancel()
	if err := testutil.MustReceive(t, (<-chan error)(done)); !errors.Is(err, context.Canceled) {
		t.Errorf("Simulate() error = %v, want context.Canceled", err)
	}
}
