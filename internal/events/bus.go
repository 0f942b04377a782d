// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (agent loop, session store,
// booking dispatcher) to subscribers (MQTT notifier, future metrics
// collector). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the core agent loop.
	SourceAgent = "agent"
	// SourceSession identifies events from the session store.
	SourceSession = "session"
	// SourceBooking identifies events from the booking dispatcher.
	SourceBooking = "booking"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of a chat exchange.
	// Data: conversation_id, streaming.
	KindRequestStart = "request_start"
	// KindLLMCall signals the start of a model API call.
	// Data: conversation_id, iter.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a model API call.
	// Data: conversation_id, iter, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: conversation_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: conversation_id, tool, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete signals the end of a chat exchange.
	// Data: conversation_id, iterations, total_tokens_in,
	// total_tokens_out, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindSessionCreated signals a new visitor session.
	// Data: origin.
	KindSessionCreated = "session_created"
	// KindQuotaExhausted signals a session spending its last message.
	// Data: origin.
	KindQuotaExhausted = "quota_exhausted"

	// KindBookingSent signals a booking request delivered by email.
	// Data: service.
	KindBookingSent = "booking_sent"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// Subscription is one subscriber's view of the bus. Read events from C;
// call Close when done.
type Subscription struct {
	// C delivers published events. It is closed by Close.
	C <-chan Event

	bus  *Bus
	ch   chan Event
	once sync.Once
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe registers a new subscriber. bufSize controls the channel
// buffer; 64 is a reasonable default for network consumers. The caller
// must Close the subscription to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) *Subscription {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	return &Subscription{C: ch, bus: b, ch: ch}
}

// Close removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.ch)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
