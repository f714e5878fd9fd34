// Package bus provides the typed event fan-out connecting adapters, stream
// sessions, and the telemetry plane.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/keelhq/keel/internal/schema"
)

// EventType enumerates the domain events flowing through the bus.
type EventType string

const (
	// EventTicker carries a schema.Ticker payload.
	EventTicker EventType = "ticker"
	// EventOrderBook carries a schema.OrderBook payload.
	EventOrderBook EventType = "orderbook"
	// EventTrade carries a schema.Trade payload.
	EventTrade EventType = "trade"
	// EventKline carries a schema.Kline payload.
	EventKline EventType = "kline"
	// EventOrder carries a schema.Order payload.
	EventOrder EventType = "order"
	// EventPosition carries a schema.Position payload.
	EventPosition EventType = "position"
	// EventBalance carries a schema.Balance payload.
	EventBalance EventType = "balance"
	// EventError carries an error payload surfaced from a session or adapter.
	EventError EventType = "error"
	// EventSubscribed acknowledges a recorded subscription.
	EventSubscribed EventType = "subscribed"
	// EventConnected marks a session connect.
	EventConnected EventType = "connected"
	// EventDisconnected marks a session disconnect.
	EventDisconnected EventType = "disconnected"
	// EventReconnecting carries the reconnect attempt number.
	EventReconnecting EventType = "reconnecting"
	// EventReconnected marks a completed reconnect with replayed subscriptions.
	EventReconnected EventType = "reconnected"
)

// Event is one domain event with its origin venue and optional symbol.
type Event struct {
	Venue     string
	Symbol    string
	Type      EventType
	Payload   any
	Timestamp time.Time
}

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID uint64

// Bus fans out events to typed subscribers. A slow subscriber never stalls a
// publisher: when a subscriber buffer is full the oldest buffered event is
// dropped and the drop counter incremented.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType]map[SubscriptionID]*subscriber
	nextID      atomic.Uint64
	buffer      int
	dropped     atomic.Uint64
	closed      bool
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

const defaultBuffer = 64

// New constructs a bus with the given per-subscriber buffer size.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		subscribers: make(map[EventType]map[SubscriptionID]*subscriber),
		buffer:      buffer,
	}
}

// Subscribe registers interest in one event type and returns the delivery channel.
func (b *Bus) Subscribe(typ EventType) (SubscriptionID, <-chan Event) {
	sub := &subscriber{ch: make(chan Event, b.buffer)}
	id := SubscriptionID(b.nextID.Add(1))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return id, sub.ch
	}
	byID, ok := b.subscribers[typ]
	if !ok {
		byID = make(map[SubscriptionID]*subscriber)
		b.subscribers[typ] = byID
	}
	byID[id] = sub
	return id, sub.ch
}

// SubscribeAll registers one subscriber for every listed event type, delivering
// to a single channel.
func (b *Bus) SubscribeAll(types ...EventType) (SubscriptionID, <-chan Event) {
	sub := &subscriber{ch: make(chan Event, b.buffer)}
	id := SubscriptionID(b.nextID.Add(1))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return id, sub.ch
	}
	for _, typ := range types {
		byID, ok := b.subscribers[typ]
		if !ok {
			byID = make(map[SubscriptionID]*subscriber)
			b.subscribers[typ] = byID
		}
		byID[id] = sub
	}
	return id, sub.ch
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for typ, byID := range b.subscribers {
		if sub, ok := byID[id]; ok {
			delete(byID, id)
			if !subscriberRegistered(b.subscribers, id) {
				sub.close()
			}
			if len(byID) == 0 {
				delete(b.subscribers, typ)
			}
		}
	}
}

func subscriberRegistered(m map[EventType]map[SubscriptionID]*subscriber, id SubscriptionID) bool {
	for _, byID := range m {
		if _, ok := byID[id]; ok {
			return true
		}
	}
	return false
}

// Publish delivers the event to every subscriber of its type without blocking.
func (b *Bus) Publish(evt Event) {
	if evt.Type == "" {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers[evt.Type] {
		select {
		case sub.ch <- evt:
		default:
			// Buffer full: drop the oldest event to keep the publisher moving.
			select {
			case <-sub.ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- evt:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped reports the number of events discarded under backpressure.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close terminates the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	seen := make(map[*subscriber]struct{})
	for _, byID := range b.subscribers {
		for _, sub := range byID {
			if _, ok := seen[sub]; ok {
				continue
			}
			seen[sub] = struct{}{}
			sub.close()
		}
	}
	b.subscribers = make(map[EventType]map[SubscriptionID]*subscriber)
}

// ErrorPayload wraps a session or adapter error surfaced as an event.
type ErrorPayload struct {
	Err error
}

// ReconnectingPayload carries the attempt counter for a reconnect cycle.
type ReconnectingPayload struct {
	Attempt int
	Delay   time.Duration
}

// SubscribedPayload acknowledges one recorded subscription.
type SubscribedPayload struct {
	Subscription schema.Subscription
}
