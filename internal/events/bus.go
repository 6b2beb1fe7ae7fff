package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Publisher is implemented by anything lifecycle events can be emitted to.
// Emit must never block the caller.
type Publisher interface {
	Emit(e Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// EventBus is a channel-based pub-sub event bus.
// Supports topic-based subscriptions and SubscribeAll for cross-topic consumption.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // channels subscribed to all topics
	closed  bool
	dropped atomic.Uint64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:    make(map[string][]chan Event),
		allSubs: make([]chan Event, 0),
	}
}

// Subscribe creates a subscription to a specific topic.
// Returns a read-only channel that receives events published to that topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.subs[topic] = append(b.subs[topic], ch)

	return ch
}

// SubscribeAll creates a subscription to ALL topics.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.allSubs = append(b.allSubs, ch)

	return ch
}

// Emit publishes e on the topic of its kind.
func (b *EventBus) Emit(e Event) {
	b.Publish(e.EventKind().Topic(), e)
}

// Publish sends an event to all subscribers of the given topic.
// Non-blocking: if a subscriber's channel is full, the event is dropped for that subscriber.
// Also sends to all SubscribeAll channels.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		b.send(ch, event)
	}

	for _, ch := range b.allSubs {
		b.send(ch, event)
	}
}

func (b *EventBus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		// Channel full, drop event (non-blocking)
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were dropped because a subscriber was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}

	for _, ch := range b.allSubs {
		close(ch)
	}
}

// Record is the transport encoding of an event.
type Record struct {
	Kind       Kind            `json:"kind"`
	PipelineID string          `json:"pipelineId,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
}

// Encode marshals e into a Record.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Record{
		Kind:       e.EventKind(),
		PipelineID: e.PipelineID(),
		Timestamp:  e.OccurredAt(),
		Data:       data,
	})
}
