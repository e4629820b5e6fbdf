package bus

import (
	"context"
	"sync"
	"time"

	"syreclabs.com/go/faker"
)

// TestBus creates a bus configured for testing: recovery, tracing and
// OTel mirroring disabled and fast batching; the queue keeps its default
// size unless an option sets it. Panics on
// configuration errors (test setup errors).
func TestBus(opts ...Option) *Bus {
	base := []Option{
		WithRecovery(false),
		WithTracing(false),
		WithMetrics(false),
		WithBatchTimeout(5 * time.Millisecond),
	}
	b, err := New("test-bus", append(base, opts...)...)
	if err != nil {
		panic("bus.TestBus: " + err.Error())
	}
	return b
}

// RecordingHook is an ObservabilityHook that records every observed event
// for later assertions.
type RecordingHook struct {
	mu     sync.Mutex
	events []Event
}

// NewRecordingHook creates an empty recording hook.
func NewRecordingHook() *RecordingHook {
	return &RecordingHook{}
}

// Observe records the event.
func (h *RecordingHook) Observe(ev Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

// Events returns a copy of all observed events in observation order.
func (h *RecordingHook) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, len(h.events))
	copy(out, h.events)
	return out
}

// EventsOf returns observed events of one type.
func (h *RecordingHook) EventsOf(eventType string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns the number of observed events.
func (h *RecordingHook) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

// CountOf returns the number of observed events of one type.
func (h *RecordingHook) CountOf(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ev := range h.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// Reset clears all recorded events.
func (h *RecordingHook) Reset() {
	h.mu.Lock()
	h.events = nil
	h.mu.Unlock()
}

// WaitFor blocks until at least n events of the given type were observed
// or the timeout expires. An empty type matches every event.
func (h *RecordingHook) WaitFor(eventType string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		count := h.Count()
		if eventType != "" {
			count = h.CountOf(eventType)
		}
		if count >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Compile-time check
var _ ObservabilityHook = (*RecordingHook)(nil)

// HandlerCall is one recorded invocation of a CaptureHandler.
type HandlerCall struct {
	Event Event
	Time  time.Time
}

// CaptureHandler is an event handler test double that records every
// invocation. An optional inner handler supplies the return value.
type CaptureHandler struct {
	mu    sync.Mutex
	calls []HandlerCall
	inner EventHandler
}

// NewCaptureHandler creates a capture handler. A nil inner handler
// acknowledges every event.
func NewCaptureHandler(inner EventHandler) *CaptureHandler {
	return &CaptureHandler{inner: inner}
}

// Handler returns the EventHandler to register.
func (c *CaptureHandler) Handler() EventHandler {
	return func(ctx context.Context, ev Event) error {
		c.mu.Lock()
		c.calls = append(c.calls, HandlerCall{Event: ev, Time: time.Now()})
		c.mu.Unlock()
		if c.inner != nil {
			return c.inner(ctx, ev)
		}
		return nil
	}
}

// Calls returns a copy of the recorded invocations.
func (c *CaptureHandler) Calls() []HandlerCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]HandlerCall, len(c.calls))
	copy(out, c.calls)
	return out
}

// Count returns the number of recorded invocations.
func (c *CaptureHandler) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// WaitFor blocks until the handler saw at least n invocations or the
// timeout expires.
func (c *CaptureHandler) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if c.Count() >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// RandomEvent generates an event with faker-backed content, for tests
// that need realistic payloads.
func RandomEvent(eventType string) Event {
	if eventType == "" {
		eventType = "event." + faker.Lorem().Word()
	}
	return Event{
		Type:    eventType,
		Payload: faker.Lorem().String(),
		Metadata: map[string]string{
			"source": faker.Lorem().Word(),
		},
	}
}

// RandomCommand generates a command with faker-backed content.
func RandomCommand(commandType string) Command {
	if commandType == "" {
		commandType = "command." + faker.Lorem().Word()
	}
	return Command{
		Type:    commandType,
		Payload: faker.Lorem().String(),
		Metadata: map[string]string{
			"source": faker.Lorem().Word(),
		},
	}
}
