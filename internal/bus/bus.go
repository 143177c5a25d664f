// Package bus provides the in-process publish/subscribe bus carrying
// Lightwire domain events between subsystems.
//
// Publishers never block on subscribers and a panicking subscriber cannot
// take the publisher down: each callback runs behind a recover boundary.
package bus

import (
	"sync"
	"time"
)

// EventType identifies a domain event category.
type EventType string

// Domain events emitted by the store and delivery subsystems.
const (
	EventDeviceDiscovered EventType = "device_discovered"
	EventDeviceUpdated    EventType = "device_updated"
	EventDeviceOnline     EventType = "device_online"
	EventDeviceOffline    EventType = "device_offline"
	EventMappingCreated   EventType = "mapping_created"
	EventMappingUpdated   EventType = "mapping_updated"
	EventMappingDeleted   EventType = "mapping_deleted"
)

// Event is a single domain event.
type Event struct {
	Type      EventType
	DeviceID  string
	MappingID int64
	Timestamp time.Time

	// Payload carries event-specific detail for external mirrors (MQTT).
	Payload map[string]any
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine; keep them short and never block.
type Handler func(Event)

// Logger is the minimal logging surface the bus needs.
type Logger interface {
	Error(msg string, args ...any)
}

// Bus is an in-process pub/sub dispatcher.
//
// Thread Safety:
//   - Subscribe, Unsubscribe, and Publish are safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[EventType]map[int]Handler
	all    map[int]Handler
	logger Logger
}

// New creates an event bus. logger may be nil.
func New(logger Logger) *Bus {
	return &Bus{
		subs:   make(map[EventType]map[int]Handler),
		all:    make(map[int]Handler),
		logger: logger,
	}
}

// Subscribe registers handler for a single event type and returns a token
// for Unsubscribe.
func (b *Bus) Subscribe(t EventType, handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[t] == nil {
		b.subs[t] = make(map[int]Handler)
	}
	b.subs[t][id] = handler
	return id
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all[id] = handler
	return id
}

// Unsubscribe removes a handler by its token. Unknown tokens are ignored.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.all, id)
	for _, handlers := range b.subs {
		delete(handlers, id)
	}
}

// Publish delivers the event to every matching subscriber. If the event's
// timestamp is zero it is stamped with the current time.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[evt.Type])+len(b.all))
	for _, h := range b.subs[evt.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.all {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, evt)
	}
}

// dispatch invokes one handler behind a recover boundary.
func (b *Bus) dispatch(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("event subscriber panicked",
				"event", string(evt.Type),
				"panic", r,
			)
		}
	}()
	h(evt)
}
