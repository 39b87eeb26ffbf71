package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSubscriptionBuffer is the per-subscriber channel capacity.
// Sized for bursts of streaming chunks; a subscriber that falls further
// behind starts losing events (tracked by Subscription.Dropped).
const DefaultSubscriptionBuffer = 256

// Bus is an in-process publish/subscribe hub for driver lifecycle events.
// One instance per driver. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	closed bool
}

// Subscription is a cancellable event stream handle.
type Subscription struct {
	// C delivers events in publish order. Closed when the subscription is
	// cancelled or the bus shuts down.
	C <-chan Event

	ch      chan Event
	id      int
	bus     *Bus
	once    sync.Once
	dropped atomic.Int64
}

// Cancel removes the subscription and closes C. Safe to call multiple times.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s.id)
		close(s.ch)
	})
}

// Dropped returns the number of events lost because the subscriber's buffer
// was full. A non-zero value means the consumer should do a full reload.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers a new subscriber with the default buffer size.
func (b *Bus) Subscribe() *Subscription {
	return b.SubscribeBuffer(DefaultSubscriptionBuffer)
}

// SubscribeBuffer registers a new subscriber with an explicit buffer size.
func (b *Bus) SubscribeBuffer(size int) *Subscription {
	if size <= 0 {
		size = DefaultSubscriptionBuffer
	}
	ch := make(chan Event, size)
	sub := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// Subscribing to a closed bus yields an immediately-closed stream.
		sub.once.Do(func() { close(ch) })
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers the event to every subscriber without blocking. Events
// for a full subscriber are dropped and counted on that subscription only.
// Payloads built via Base/BaseCorrelated carry their timestamp already.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			n := sub.dropped.Add(1)
			if n == 1 || n%100 == 0 {
				slog.Warn("Event bus subscriber falling behind, dropping events",
					"subscription_id", sub.id, "dropped_total", n, "event_type", evt.EventType())
			}
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
// Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[int]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Now returns the canonical event timestamp format.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Base builds a stamped BasePayload for the given event type and session.
func Base(eventType, sessionID string) BasePayload {
	return BasePayload{Type: eventType, SessionID: sessionID, Timestamp: Now()}
}

// BaseCorrelated builds a stamped BasePayload carrying a correlation id.
func BaseCorrelated(eventType, sessionID, correlationID string) BasePayload {
	p := Base(eventType, sessionID)
	p.CorrelationID = correlationID
	return p
}
