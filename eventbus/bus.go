// Package eventbus is the engine's in-process Event Bus: every component
// publishes domain events here and every other component subscribes to
// the event types it cares about. Subscriber delivery is fan-out over
// buffered channels, keyed by typed domain.Event values and per-subscriber
// event-type filters instead of one global stream.
package eventbus

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/rivergate/foreman/domain"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind is dropped from delivery for that publish
// rather than blocking the publisher.
const subscriberBuffer = 32

// Subscription is a live registration returned by Bus.Subscribe. Callers
// range over Events until they call Unsubscribe or the bus is closed.
type Subscription struct {
	id      uint64
	filters []string // glob-like prefixes, e.g. "task.*"; empty means "all"
	ch      chan domain.Event
	bus     *Bus
}

// matches reports whether eventType satisfies one of the subscription's
// topic filters — glob-like prefixes such as "task.*" or
// "guardian.intervention.*". A filter ending in ".*" matches any
// event type sharing that dot-namespaced prefix; any other filter must
// match exactly.
func (s *Subscription) matches(eventType string) bool {
	if len(s.filters) == 0 {
		return true
	}
	for _, f := range s.filters {
		if strings.HasSuffix(f, ".*") {
			if strings.HasPrefix(eventType, strings.TrimSuffix(f, "*")) {
				return true
			}
			continue
		}
		if f == eventType {
			return true
		}
	}
	return false
}

// Events returns the channel this subscription delivers matching events on.
func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id)
}

// Bus is the engine's single process-wide Event Bus instance, constructed
// once by engine.New and shared by every component that publishes or
// subscribes.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscription
	nextID      uint64
	logger      *slog.Logger
	closed      bool
}

// New constructs an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[uint64]*Subscription),
		logger:      logger,
	}
}

// Subscribe registers a new subscriber. When topics is empty the
// subscription receives every published event; otherwise only events whose
// EventType equals one of topics, or starts with the prefix of a topic
// ending in ".*".
func (b *Bus) Subscribe(topics ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		filters: append([]string(nil), topics...),
		ch:      make(chan domain.Event, subscriberBuffer),
		bus:     b,
	}
	b.subscribers[sub.id] = sub
	return sub
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Publish fans e out to every matching subscriber, non-blocking: a
// subscriber whose buffer is full is skipped for this event rather than
// stalling the publisher.
func (b *Bus) Publish(e domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		if !sub.matches(e.EventType) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.logger.Warn("eventbus: dropping event for slow subscriber",
				"event_type", e.EventType, "entity_id", e.EntityID, "subscriber", sub.id)
		}
	}
}

// Close unsubscribes and closes every live subscriber channel. Safe to call
// once during shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// SubscriberCount reports the number of live subscriptions, used by health
// diagnostics and tests.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
