// Package eventbus provides named multi-subscriber event dispatch.
package eventbus

import (
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
)

// Event is a named signal delivered to every handler registered for Name.
type Event struct {
	Name    string
	Payload any
}

// Handler receives events. Implementations must be comparable (pointer
// receivers or comparable structs) so registrations can be deduplicated and
// removed. On refuses anything else.
type Handler interface {
	HandleEvent(Event)
}

type funcHandler struct {
	fn func(Event)
}

func (h *funcHandler) HandleEvent(e Event) { h.fn(e) }

// Bus dispatches events synchronously to handlers in registration order.
// A panicking handler is logged and does not stop the remaining handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   slog.With("component", "eventbus"),
	}
}

// On registers h for name. Registering the same handler twice is a no-op.
// Handlers that cannot be compared are logged and not registered.
func (b *Bus) On(name string, h Handler) {
	if h == nil {
		return
	}
	if !isComparable(h) {
		b.logger.Error("Rejected non-comparable event handler", "event", name, "type", fmt.Sprintf("%T", h))
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if slices.Contains(b.handlers[name], h) {
		return
	}
	b.handlers[name] = append(b.handlers[name], h)
}

// OnFunc registers fn for name and returns a function that removes it.
func (b *Bus) OnFunc(name string, fn func(Event)) (cancel func()) {
	h := &funcHandler{fn: fn}
	b.On(name, h)
	return func() { b.Off(name, h) }
}

// Off removes h from name. Unknown handlers are ignored.
func (b *Bus) Off(name string, h Handler) {
	if h == nil || !isComparable(h) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.handlers[name]
	i := slices.Index(hs, h)
	if i < 0 {
		return
	}
	// Copy so in-flight Emit snapshots stay intact.
	next := slices.Concat(hs[:i], hs[i+1:])
	if len(next) == 0 {
		delete(b.handlers, name)
		return
	}
	b.handlers[name] = next
}

// Emit delivers an event to the handlers registered for name at call time.
func (b *Bus) Emit(name string, payload any) {
	b.mu.RLock()
	hs := b.handlers[name]
	b.mu.RUnlock()
	if len(hs) == 0 {
		return
	}

	e := Event{Name: name, Payload: payload}
	for _, h := range hs {
		b.deliver(h, e)
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", "event", e.Name, "panic", fmt.Sprint(r))
		}
	}()
	h.HandleEvent(e)
}

func isComparable(h Handler) bool {
	return reflect.TypeOf(h).Comparable()
}

// Count returns the number of handlers registered for name.
func (b *Bus) Count(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}
