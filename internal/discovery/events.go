package discovery

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType enumerates the events a Controller publishes.
type EventType string

// Controller events.
const (
	// EventState fires on every adapter state change.
	EventState EventType = "state"

	// EventReadyToScan fires once per transition into StatePoweredOn.
	EventReadyToScan EventType = "readyToScan"

	// EventStartedScanning fires on the logical stopped→scanning edge.
	EventStartedScanning EventType = "startedScanning"

	// EventStoppedScanning fires on a caller-requested stop only. Stops the
	// adapter makes on its own while scanning is wanted are absorbed.
	EventStoppedScanning EventType = "stoppedScanning"

	// EventSmartLockDiscovered fires the first time a device passes the filter.
	EventSmartLockDiscovered EventType = "smartLockDiscovered"

	// EventSmartLockUpdated fires when a known lock advertises a new
	// manufacturer payload.
	EventSmartLockUpdated EventType = "smartLockUpdated"
)

// Event is a single controller notification. Only the fields relevant to
// Type are set.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// State is set for EventState and EventReadyToScan.
	State AdapterState

	// SmartLock is set for EventSmartLockDiscovered and EventSmartLockUpdated.
	SmartLock *SmartLock
}

// Handler receives controller events. Handlers run synchronously on the
// goroutine that produced the event and should return quickly.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// bus is a synchronous typed publish/subscribe registry.
type bus struct {
	mu      sync.RWMutex
	typed   map[EventType][]subscription
	allSubs []subscription
	nextID  atomic.Uint64
}

func newBus() *bus {
	return &bus{typed: make(map[EventType][]subscription)}
}

// subscribe registers a handler for one event type and returns a function
// that removes it.
func (b *bus) subscribe(eventType EventType, handler Handler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == id {
				b.typed[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// subscribeAll registers a handler for every event type.
func (b *bus) subscribeAll(handler Handler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == id {
				b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}

// handlers snapshots the handlers for an event type, typed first.
func (b *bus) handlers(eventType EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Handler, 0, len(b.typed[eventType])+len(b.allSubs))
	for _, s := range b.typed[eventType] {
		out = append(out, s.handler)
	}
	for _, s := range b.allSubs {
		out = append(out, s.handler)
	}
	return out
}
