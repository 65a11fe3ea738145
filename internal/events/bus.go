package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the channel buffer used when a subscriber asks for none.
const DefaultBuffer = 256

// subscriber is one subscription. An empty topic receives every event.
type subscriber struct {
	ch      chan Event
	topic   string
	dropped int64 // guarded by EventBus.dropMu
}

// EventBus fans runtime events out to observers such as the dashboard.
// Publishing never blocks the coordinator: a subscriber whose buffer is full
// misses the event, and the miss is counted.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool

	dropMu  sync.Mutex
	dropped atomic.Int64
	log     *slog.Logger
}

// Option configures an EventBus.
type Option func(*EventBus)

// WithLogger sets the logger that reports slow subscribers.
func WithLogger(l *slog.Logger) Option { return func(b *EventBus) { b.log = l } }

// NewEventBus creates an event bus.
func NewEventBus(opts ...Option) *EventBus {
	b := &EventBus{log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a channel receiving the events of one topic.
// A bufSize <= 0 uses DefaultBuffer.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.subscribe(topic, bufSize)
}

// SubscribeAll returns a channel receiving events of every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.subscribe("", bufSize)
}

func (b *EventBus) subscribe(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = DefaultBuffer
	}
	s := &subscriber{ch: make(chan Event, bufSize), topic: topic}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s.ch
	}
	b.subs = append(b.subs, s)
	return s.ch
}

// Publish delivers event to every matching subscriber that has room.
// Publishing on a closed bus is a no-op.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	topic := event.Topic()
	for _, s := range b.subs {
		if s.topic != "" && s.topic != topic {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.drop(s, event)
		}
	}
}

// drop counts a missed delivery. The first miss of each subscriber and every
// hundredth after it are logged.
func (b *EventBus) drop(s *subscriber, event Event) {
	b.dropped.Add(1)

	b.dropMu.Lock()
	s.dropped++
	n := s.dropped
	b.dropMu.Unlock()

	if n == 1 || n%100 == 0 {
		b.log.Warn("event subscriber is falling behind",
			"topic", s.topic, "event", event.EventType(), "dropped", n)
	}
}

// Dropped returns how many deliveries were skipped across all subscribers.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Idempotent.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
