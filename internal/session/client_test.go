package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"jobwatch/internal/apperrors"
	"jobwatch/internal/eventbus"
	"jobwatch/internal/job"
	"jobwatch/internal/protocol"
	"jobwatch/internal/testutil"
)

func TestConnect_RequiresToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.Token = "" })

	err := h.client.Connect(context.Background())
	if !errors.Is(err, apperrors.ErrAuthMissing) {
		t.Fatalf("Connect() error = %v, want ErrAuthMissing", err)
	}
	if n := h.dialer.Count(); n != 0 {
		t.Errorf("dial count = %d, want 0", n)
	}

	h.client.SetToken("fresh")
	conn := h.connect()
	if !strings.Contains(conn.URL, "token=fresh") {
		t.Errorf("URL = %q, want token=fresh", conn.URL)
	}
}

func TestConnect_URL(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect()

	if want := "ws://jobs.example.test/ws/transcription?token=T"; conn.URL != want {
		t.Errorf("URL = %q, want %q", conn.URL, want)
	}
}

func TestConnect_Idempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn, first := h.startConnect()

	second := make(chan error, 1)
	go func() { second <- h.client.Connect(context.Background()) }()
	testutil.MustWaitFor(t, func() bool { return h.client.pendingWaiters() == 2 })

	conn.Open()
	if err := testutil.MustReceive(t, first); err != nil {
		t.Errorf("first Connect() error = %v", err)
	}
	if err := testutil.MustReceive(t, (<-chan error)(second)); err != nil {
		t.Errorf("second Connect() error = %v", err)
	}

	if err := h.client.Connect(context.Background()); err != nil {
		t.Errorf("Connect() while open error = %v", err)
	}
	if n := h.dialer.Count(); n != 1 {
		t.Errorf("dial count = %d, want 1", n)
	}
}

func TestConnect_ContextCanceled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.client.Connect(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Connect() error = %v, want context.Canceled", err)
	}
	if s := h.client.Status(); s.State != StateConnecting {
		t.Errorf("State = %v, want the dial to continue", s.State)
	}
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn, errc := h.startConnect()

	h.clock.Advance(10 * time.Second)
	err := testutil.MustReceive(t, errc)
	if !errors.Is(err, apperrors.ErrHandshakeTimeout) {
		t.Fatalf("Connect() error = %v, want ErrHandshakeTimeout", err)
	}
	h.client.flush()

	if _, _, ok := conn.ClosedByClient(); !ok {
		t.Error("timed-out connection was not closed")
	}
	if n := len(h.events.named(EventError)); n != 1 {
		t.Errorf("got %d error events, want 1", n)
	}
	if n := len(h.events.named(EventReconnecting)); n != 1 {
		t.Errorf("got %d reconnecting events, want 1", n)
	}
	if n := len(h.events.named(EventDisconnected)); n != 0 {
		t.Errorf("got %d disconnected events for a connection that never opened", n)
	}

	// Opening the abandoned connection late changes nothing.
	conn.Open()
	h.client.flush()
	if s := h.client.Status(); s.State != StateClosed {
		t.Errorf("State = %v, want closed", s.State)
	}
}

func TestConnect_TransportErrorBeforeOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn, errc := h.startConnect()

	conn.Fail(errors.New("connection refused"))
	err := testutil.MustReceive(t, errc)
	if !errors.Is(err, apperrors.ErrTransport) {
		t.Fatalf("Connect() error = %v, want ErrTransport", err)
	}
	h.client.flush()

	want := []string{EventError, EventReconnecting}
	if diff := cmp.Diff(want, h.events.names()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestConnect_AfterClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := h.client.Connect(context.Background()); !errors.Is(err, apperrors.ErrClosed) {
		t.Errorf("Connect() error = %v, want ErrClosed", err)
	}
	if err := h.client.Ready(context.Background()); !errors.Is(err, apperrors.ErrClosed) {
		t.Errorf("Ready() error = %v, want ErrClosed", err)
	}
}

func TestHeartbeat_OnlyWhileOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.advance(time.Minute)
	conn := h.connect()

	h.advance(30 * time.Second)
	h.advance(30 * time.Second)
	want := []string{protocol.TypePing, protocol.TypePing}
	if diff := cmp.Diff(want, conn.SentTypes()); diff != "" {
		t.Errorf("sent frames mismatch (-want +got):\n%s", diff)
	}

	conn.ServerClose(1001, "going away")
	h.client.flush()
	if diff := cmp.Diff([]time.Duration{5 * time.Second}, h.clock.Pending()); diff != "" {
		t.Errorf("pending timers mismatch (-want +got):\n%s", diff)
	}
}

func TestHeartbeat_CustomInterval(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.HeartbeatInterval = 5 * time.Second })
	conn := h.connect()

	h.advance(5 * time.Second)
	if diff := cmp.Diff([]string{protocol.TypePing}, conn.SentTypes()); diff != "" {
		t.Errorf("sent frames mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscriptions(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if h.client.SubscribeToJob("queued-early") {
		t.Error("SubscribeToJob() while closed = true, want false")
	}
	conn := h.connect()
	if diff := cmp.Diff([]string{protocol.TypeSubscribeJob}, conn.SentTypes()); diff != "" {
		t.Errorf("replay on open mismatch (-want +got):\n%s", diff)
	}

	if !h.client.SubscribeToJob("j1") {
		t.Error("SubscribeToJob(j1) = false")
	}
	if !h.client.UnsubscribeFromJob("j1") {
		t.Error("UnsubscribeFromJob(j1) = false")
	}
	if h.client.SubscribeToJob("") {
		t.Error("SubscribeToJob(\"\") = true, want false")
	}

	want := []string{
		`{"type":"subscribe_job","jobId":"queued-early"}`,
		`{"type":"subscribe_job","jobId":"j1"}`,
		`{"type":"unsubscribe_job","jobId":"j1"}`,
	}
	if diff := cmp.Diff(want, conn.Sent()); diff != "" {
		t.Errorf("sent frames mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"queued-early"}, h.client.Subscriptions()); diff != "" {
		t.Errorf("Subscriptions() mismatch (-want +got):\n%s", diff)
	}
	if s := h.client.Status(); s.SubscribedJobs != 1 {
		t.Errorf("SubscribedJobs = %d, want 1", s.SubscribedJobs)
	}
}

func TestSubscriptions_ReplayedAfterReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect()
	h.client.SubscribeToJob("j1")
	h.client.SubscribeToJob("j2")

	conn.ServerClose(1006, "")
	h.client.flush()
	h.advance(5 * time.Second)
	conn2 := h.dialer.Last()
	conn2.Open()
	h.client.flush()

	want := []string{
		`{"type":"subscribe_job","jobId":"j1"}`,
		`{"type":"subscribe_job","jobId":"j2"}`,
		`{"type":"get_active_jobs"}`,
	}
	if diff := cmp.Diff(want, conn2.Sent()); diff != "" {
		t.Errorf("sent frames mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscriptions_OpaqueIDs(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect()

	h.frames(conn, `{"type":"job_started","jobId":"uploads/42","job":{}}`)
	if _, ok := h.client.Job("uploads/42"); !ok {
		t.Fatal("job uploads/42 not tracked")
	}
	if !h.client.SubscribeToJob("uploads/42") {
		t.Error("SubscribeToJob(uploads/42) = false")
	}
	if !h.client.GetJobStatus("_j9") {
		t.Error("GetJobStatus(_j9) = false")
	}

	want := []string{
		`{"type":"subscribe_job","jobId":"uploads/42"}`,
		`{"type":"get_job_status","jobId":"_j9"}`,
	}
	if diff := cmp.Diff(want, conn.Sent()); diff != "" {
		t.Errorf("sent frames mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"uploads/42"}, h.client.Subscriptions()); diff != "" {
		t.Errorf("Subscriptions() mismatch (-want +got):\n%s", diff)
	}
}

func TestSend_NotConnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if h.client.GetActiveJobs() {
		t.Error("GetActiveJobs() while closed = true")
	}
	if h.client.GetJobStatus("j1") {
		t.Error("GetJobStatus() while closed = true")
	}

	conn := h.connect()
	if !h.client.GetJobStatus("j1") {
		t.Error("GetJobStatus() while open = false")
	}
	if h.client.Send(protocol.Raw{}) {
		t.Error("Send() of an untyped message = true")
	}
	if diff := cmp.Diff([]string{`{"type":"get_job_status","jobId":"j1"}`}, conn.Sent()); diff != "" {
		t.Errorf("sent frames mismatch (-want +got):\n%s", diff)
	}
}

func TestServerDisconnect_NoReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect()

	h.frames(conn, `{"type":"disconnect","reason":"maintenance"}`)

	code, reason, ok := conn.ClosedByClient()
	if !ok || code != 1000 || reason != "maintenance" {
		t.Errorf("ClosedByClient() = %d %q %v, want 1000 maintenance", code, reason, ok)
	}
	if s := h.client.Status(); s.State != StateClosed {
		t.Errorf("State = %v, want closed", s.State)
	}
	disc := h.events.named(EventDisconnected)
	if len(disc) != 1 {
		t.Fatalf("got %d disconnected events, want 1", len(disc))
	}
	if p := disc[0].Payload.(DisconnectedPayload); !p.Intentional || p.WillReconnect {
		t.Errorf("disconnected payload = %+v", p)
	}

	h.advance(time.Hour)
	if n := h.dialer.Count(); n != 1 {
		t.Errorf("dial count = %d, want 1", n)
	}

	// A manual connect is still allowed afterwards.
	h.connect()
	if n := h.dialer.Count(); n != 2 {
		t.Errorf("dial count = %d, want 2", n)
	}
}

func TestNormalClose_NoReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect()

	conn.ServerClose(1000, "bye")
	h.client.flush()

	if n := len(h.events.named(EventReconnecting)); n != 0 {
		t.Errorf("got %d reconnecting events after a normal close", n)
	}
	if n := len(h.clock.Pending()); n != 0 {
		t.Errorf("%d timers still pending", n)
	}
}

func TestDisconnect_CancelsPendingReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect()

	conn.ServerClose(1006, "")
	h.client.flush()
	h.client.Disconnect()
	h.advance(time.Hour)

	if n := h.dialer.Count(); n != 1 {
		t.Errorf("dial count = %d, want 1", n)
	}
	if n := len(h.events.named(EventDisconnected)); n != 1 {
		t.Errorf("got %d disconnected events, want 1", n)
	}
}

func TestDisconnect_WhileConnecting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn, errc := h.startConnect()

	h.client.Disconnect()
	if err := testutil.MustReceive(t, errc); !errors.Is(err, apperrors.ErrDisconnected) {
		t.Errorf("Connect() error = %v, want ErrDisconnected", err)
	}
	conn.Open()
	h.advance(time.Hour)

	if s := h.client.Status(); s.State != StateClosed {
		t.Errorf("State = %v, want closed", s.State)
	}
	if n := len(h.events.named(EventConnected)); n != 0 {
		t.Errorf("got %d connected events, want 0", n)
	}
}

func TestStaleCallbacksIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect()
	h.client.Disconnect()

	h.frames(conn, `{"type":"job_started","jobId":"j1","job":{}}`)
	conn.ServerClose(1006, "late")
	h.client.flush()

	if n := len(h.client.GetActiveJobsList()); n != 0 {
		t.Errorf("tracked %d jobs from a closed connection", n)
	}
	if n := len(h.events.named(EventReconnecting)); n != 0 {
		t.Errorf("got %d reconnecting events from a closed connection", n)
	}
}

func TestServerError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect()

	h.frames(conn, `{"type":"error","message":"quota exceeded","code":429}`)

	events := h.events.named(EventServerError)
	if len(events) != 1 {
		t.Fatalf("got %d server_error events, want 1", len(events))
	}
	p := events[0].Payload.(ServerErrorPayload)
	if p.Message != "quota exceeded" || p.Code != "429" {
		t.Errorf("payload = %+v", p)
	}
	if !errors.Is(p.Err, apperrors.ErrServerReported) {
		t.Errorf("Err = %v, want ErrServerReported", p.Err)
	}
	if s := h.client.Status(); s.State != StateOpen {
		t.Errorf("State = %v, want open", s.State)
	}
}

func TestServerShutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect()

	h.frames(conn, `{"type":"server_shutdown","message":"restarting"}`)
	conn.ServerClose(1001, "restarting")
	h.client.flush()

	events := h.events.named(EventServerShutdown)
	if len(events) != 1 || events[0].Payload.(ServerShutdownPayload).Message != "restarting" {
		t.Errorf("server_shutdown events = %+v", events)
	}
	if n := len(h.events.named(EventReconnecting)); n != 1 {
		t.Errorf("got %d reconnecting events, want 1", n)
	}
}

func TestTerminalJobsSuppressFurtherEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect()

	h.frames(conn,
		`{"type":"job_failed","jobId":"j1"}`,
		`{"type":"job_progress","jobId":"j1","progress":50}`,
		`{"type":"job_started","jobId":"j1","job":{}}`,
	)

	if diff := cmp.Diff([]string{EventJobFailed}, h.events.jobNames()); diff != "" {
		t.Errorf("job events mismatch (-want +got):\n%s", diff)
	}
	got, _ := h.client.Job("j1")
	if got.Status != job.StatusFailed || got.Error == nil || got.Error.Message != "job failed" {
		t.Errorf("Job(j1) = %+v, want failed with default message", got)
	}
}

func TestTerminalStatusOnlyFromLifecycleMessages(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect()

	h.frames(conn,
		`{"type":"job_started","jobId":"j1","job":{}}`,
		`{"type":"job_progress","jobId":"j1","progress":100,"status":"completed"}`,
		`{"type":"job_completed","jobId":"j1","result":{"text":"x"},"duration":5}`,
	)

	want := []string{EventJobStarted, EventJobProgress, EventJobCompleted}
	if diff := cmp.Diff(want, h.events.jobNames()); diff != "" {
		t.Errorf("job events mismatch (-want +got):\n%s", diff)
	}
	got, _ := h.client.Job("j1")
	if got.Status != job.StatusCompleted || string(got.Result) != `{"text":"x"}` || got.Duration != 5 {
		t.Errorf("Job(j1) = %+v, want completed with result and duration", got)
	}

	h.frames(conn,
		`{"type":"job_progress","jobId":"j2","progress":10}`,
		`{"type":"job_status","jobId":"j2","status":"completed","progress":100}`,
		`{"type":"current_jobs","jobs":[{"id":"j3","status":"failed"}]}`,
	)
	for _, id := range []string{"j2", "j3"} {
		j, ok := h.client.Job(id)
		if !ok || j.Status.IsTerminal() {
			t.Errorf("Job(%s) = %+v, %v; want tracked and not terminal", id, j, ok)
		}
	}

	h.frames(conn, `{"type":"job_failed","jobId":"j2","error":{"message":"boom"}}`)
	if j, _ := h.client.Job("j2"); j.Status != job.StatusFailed || j.Error == nil || j.Error.Message != "boom" {
		t.Errorf("Job(j2) = %+v, want failed with boom", j)
	}
}

func TestJobStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect()

	h.frames(conn, `{"type":"job_status","jobId":"ghost","status":"processing","progress":10}`)
	events := h.events.named(EventJobStatus)
	if len(events) != 1 {
		t.Fatalf("got %d job_status events, want 1", len(events))
	}
	if p := events[0].Payload.(JobEvent); p.Known || p.JobID != "ghost" {
		t.Errorf("payload = %+v, want unknown ghost", p)
	}
	if _, ok := h.client.Job("ghost"); ok {
		t.Error("job_status created an entry for an unknown job")
	}

	h.frames(conn,
		`{"type":"job_progress","jobId":"j1","progress":20}`,
		`{"type":"job_status","jobId":"j1","progress":60,"details":{"stage":"decode"}}`,
	)
	got, _ := h.client.Job("j1")
	if got.Progress != 60 || string(got.Details) != `{"stage":"decode"}` {
		t.Errorf("Job(j1) = %+v", got)
	}
}

func TestCurrentJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect()

	h.frames(conn,
		`{"type":"job_progress","jobId":"j1","progress":40,"details":{"stage":"old"}}`,
		`{"type":"current_jobs","jobs":[{"id":"j1","status":"processing"},{"jobId":"j2","status":"queued","progress":10},{"status":"queued"}]}`,
	)

	events := h.events.named(EventCurrentJobs)
	if len(events) != 1 {
		t.Fatalf("got %d current_jobs events, want 1", len(events))
	}
	if n := len(events[0].Payload.(CurrentJobsPayload).Jobs); n != 2 {
		t.Errorf("payload has %d jobs, want 2", n)
	}

	jobs := h.client.GetActiveJobsList()
	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	if diff := cmp.Diff([]string{"j1", "j2"}, ids); diff != "" {
		t.Fatalf("job ids mismatch (-want +got):\n%s", diff)
	}
	if jobs[0].Progress != 40 || jobs[0].Details != nil {
		t.Errorf("j1 = %+v, want progress kept and details replaced", jobs[0])
	}
	if jobs[1].Progress != 10 || jobs[1].Status != job.StatusQueued {
		t.Errorf("j2 = %+v", jobs[1])
	}
}

func TestHandlersMayCallBack(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.client.OnFunc(EventConnected, func(eventbus.Event) {
		h.client.SubscribeToJob("from-handler")
		_ = h.client.Status()
	})

	conn := h.connect()
	testutil.MustWaitFor(t, func() bool { return len(conn.SentTypes()) == 1 })
	if diff := cmp.Diff([]string{protocol.TypeSubscribeJob}, conn.SentTypes()); diff != "" {
		t.Errorf("sent frames mismatch (-want +got):\n%s", diff)
	}
}

func TestEmit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect()

	got := make(chan eventbus.Event, 1)
	h.client.OnFunc("upload_queued", func(e eventbus.Event) { got <- e })

	conn.Frame(`{"type":"job_started","jobId":"j1","job":{}}`)
	if !h.client.Emit("upload_queued", "j2") {
		t.Fatal("Emit() = false on an open client")
	}
	h.client.flush()

	e := testutil.MustReceive(t, got)
	if e.Payload != "j2" {
		t.Errorf("payload = %v, want j2", e.Payload)
	}
	if diff := cmp.Diff([]string{EventJobStarted}, h.events.jobNames()); diff != "" {
		t.Errorf("job events mismatch (-want +got):\n%s", diff)
	}

	if err := h.client.Close(); err != nil {
		t.Fatal(err)
	}
	if h.client.Emit("upload_queued", "j3") {
		t.Error("Emit() after Close = true")
	}
}

func TestReady(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.client.Ready(context.Background()); !errors.Is(err, apperrors.ErrNotConnected) {
		t.Errorf("Ready() before connect = %v, want ErrNotConnected", err)
	}
	h.connect()
	if err := h.client.Ready(context.Background()); err != nil {
		t.Errorf("Ready() while open = %v", err)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect()
	h.client.SubscribeToJob("j1")
	h.frames(conn,
		`{"type":"connection_established","connectionId":"abc"}`,
		`{"type":"job_started","jobId":"j1","job":{}}`,
		`{"type":"job_started","jobId":"j2","job":{}}`,
	)

	want := Status{
		State:          StateOpen,
		IsConnected:    true,
		ActiveJobs:     2,
		SubscribedJobs: 1,
		ConnectionID:   "abc",
	}
	if diff := cmp.Diff(want, h.client.Status()); diff != "" {
		t.Errorf("Status() mismatch (-want +got):\n%s", diff)
	}
}
