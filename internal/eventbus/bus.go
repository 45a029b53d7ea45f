// Package eventbus implements the in-process publish/subscribe bus (C3):
// typed topics, synchronous fan-out, and per-subscriber error isolation
// so a failing handler never affects the publisher or its siblings.
package eventbus

import (
	"sync"

	"github.com/progressdb/openmemory-core/internal/logger"
)

// Topic enumerates the event topics the core emits.
type Topic string

const (
	FactCreated  Topic = "fact.created"
	FactUpdated  Topic = "fact.updated"
	FactDeleted  Topic = "fact.deleted"
	EdgeCreated  Topic = "edge.created"
	EdgeUpdated  Topic = "edge.updated"
	EdgeDeleted  Topic = "edge.deleted"
)

// Event is the payload delivered to subscribers. Fields is a shallow map
// of the mutated fields plus id/owner, matching §6's payload contract.
type Event struct {
	Topic  Topic
	Fields map[string]any
}

// Handler receives one event at a time. A handler must not block
// indefinitely: the spec documents that subscriber latency blocks the
// publisher because delivery is synchronous. Handlers that need to do
// slow work should dispatch to their own worker goroutine/queue.
type Handler func(Event)

// Bus is a synchronous, in-process pub/sub bus. The zero value is not
// usable; use New.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[Topic][]Handler)}
}

// Subscribe registers h for topic. Subscription is infrequent relative to
// publish, so a full-map-copy-on-write isn't needed; a plain mutex around
// the slice append is sufficient and keeps reads fast via RLock.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish invokes every subscriber registered for event.Topic, in
// registration order, synchronously. A panicking or erroring subscriber
// is caught and logged; it never stops delivery to the remaining
// subscribers and never propagates to the caller.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[event.Topic]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, event)
	}
}

func (b *Bus) deliver(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("eventbus: subscriber panicked", "topic", event.Topic, "recover", r)
		}
	}()
	h(event)
}
