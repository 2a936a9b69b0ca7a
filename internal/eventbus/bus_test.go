package eventbus

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type recorder struct {
	name string
	log  *[]string
}

func (r *recorder) HandleEvent(e Event) {
	*r.log = append(*r.log, r.name+":"+e.Name)
}

type panicker struct{}

func (*panicker) HandleEvent(Event) { panic("handler failure") }

// tally has a map field, so a value receiver makes it non-comparable.
type tally struct {
	seen map[string]int
}

func (t tally) HandleEvent(e Event) { t.seen[e.Name]++ }

func TestBus_RegistrationOrder(t *testing.T) {
	t.Parallel()
	b := New()
	var log []string
	b.On("job_started", &recorder{"a", &log})
	b.On("job_started", &recorder{"b", &log})
	b.On("job_started", &recorder{"c", &log})

	b.Emit("job_started", nil)
	if diff := cmp.Diff([]string{"a:job_started", "b:job_started", "c:job_started"}, log); diff != "" {
		t.Errorf("delivery mismatch (-want +got):\n%s", diff)
	}
}

func TestBus_DeduplicatesHandlers(t *testing.T) {
	t.Parallel()
	b := New()
	var log []string
	h := &recorder{"a", &log}
	b.On("connected", h)
	b.On("connected", h)

	b.Emit("connected", nil)
	if len(log) != 1 {
		t.Errorf("expected one delivery, got %d", len(log))
	}
	if b.Count("connected") != 1 {
		t.Errorf("expected 1 handler, got %d", b.Count("connected"))
	}
}

func TestBus_PanicIsolated(t *testing.T) {
	t.Parallel()
	b := New()
	var log []string
	b.On("job_failed", &recorder{"before", &log})
	b.On("job_failed", &panicker{})
	b.On("job_failed", &recorder{"after", &log})

	b.Emit("job_failed", nil)
	if diff := cmp.Diff([]string{"before:job_failed", "after:job_failed"}, log); diff != "" {
		t.Errorf("delivery mismatch (-want +got):\n%s", diff)
	}
}

func TestBus_Off(t *testing.T) {
	t.Parallel()
	b := New()
	var log []string
	a := &recorder{"a", &log}
	c := &recorder{"c", &log}
	b.On("pong", a)
	b.On("pong", c)

	b.Off("pong", a)
	b.Off("pong", &recorder{"stranger", &log})
	b.Off("never-registered", a)
	b.Emit("pong", nil)

	if diff := cmp.Diff([]string{"c:pong"}, log); diff != "" {
		t.Errorf("delivery mismatch (-want +got):\n%s", diff)
	}
}

func TestBus_OnFuncCancel(t *testing.T) {
	t.Parallel()
	b := New()
	var payloads []any
	cancel := b.OnFunc("job_progress", func(e Event) { payloads = append(payloads, e.Payload) })

	b.Emit("job_progress", 1)
	cancel()
	b.Emit("job_progress", 2)

	if diff := cmp.Diff([]any{1}, payloads); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if b.Count("job_progress") != 0 {
		t.Errorf("expected no handlers after cancel, got %d", b.Count("job_progress"))
	}
}

func TestBus_UnknownNameIsNoop(t *testing.T) {
	t.Parallel()
	b := New()
	b.Emit("nobody_listens", "payload")
	b.On("x", nil)
	if b.Count("x") != 0 {
		t.Error("nil handler must not be registered")
	}
}

func TestBus_HandlerMayUnregisterDuringEmit(t *testing.T) {
	t.Parallel()
	b := New()
	var log []string
	var cancel func()
	cancel = b.OnFunc("disconnected", func(Event) {
		log = append(log, "once")
		cancel()
	})
	b.On("disconnected", &recorder{"steady", &log})

	b.Emit("disconnected", nil)
	b.Emit("disconnected", nil)

	if diff := cmp.Diff([]string{"once", "steady:disconnected", "steady:disconnected"}, log); diff != "" {
		t.Errorf("delivery mismatch (-want +got):\n%s", diff)
	}
}

func TestBus_RejectsNonComparableHandler(t *testing.T) {
	t.Parallel()
	b := New()
	h := tally{seen: map[string]int{}}
	var log []string
	b.On("job_progress", &recorder{"a", &log})

	b.On("job_progress", h)
	b.On("job_progress", h)
	b.Off("job_progress", h)
	b.Emit("job_progress", nil)

	if n := b.Count("job_progress"); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
	if len(h.seen) != 0 {
		t.Errorf("rejected handler received %v", h.seen)
	}
	if diff := cmp.Diff([]string{"a:job_progress"}, log); diff != "" {
		t.Errorf("delivery mismatch (-want +got):\n%s", diff)
	}
}
