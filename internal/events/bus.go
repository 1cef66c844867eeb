// Package events provides the in-process event bus connecting the
// coordination store, registry, lifecycle and governor to the metrics
// aggregator and the gateway's telemetry feed.
package events

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event is a single bus notification.
type Event struct {
	Type string         `json:"type"`
	Time time.Time      `json:"ts"`
	Data map[string]any `json:"data,omitempty"`
}

// Handler receives events synchronously on the emitter's goroutine.
type Handler func(Event)

type subscription struct {
	id    int
	types map[string]struct{} // nil matches every type
	fn    Handler
}

// Bus is a synchronous publish/subscribe dispatcher. Handlers run in
// subscription order on the goroutine that emits, so an event observed
// by a subscriber is already reflected in the emitting component.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler. With no types the handler receives all
// events; otherwise only the named types. Returns a subscription id.
func (b *Bus) Subscribe(fn Handler, types ...string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscription{id: b.nextID, fn: fn}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.subs = append(b.subs, sub)
	return sub.id
}

// Unsubscribe removes a handler by subscription id.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit dispatches an event to all matching subscribers in subscription
// order. A nil bus is safe and drops the event.
func (b *Bus) Emit(eventType string, data map[string]any) {
	if b == nil {
		return
	}

	evt := Event{Type: eventType, Time: time.Now(), Data: data}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.types != nil {
			if _, ok := sub.types[eventType]; !ok {
				continue
			}
		}
		dispatch(sub, evt)
	}
}

// dispatch runs one handler, containing panics so a broken subscriber
// cannot take down the emitting component.
func dispatch(sub subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", evt.Type).
				Int("subscription", sub.id).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("event handler panicked")
		}
	}()
	sub.fn(evt)
}

// SubscriberCount returns the number of registered subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
