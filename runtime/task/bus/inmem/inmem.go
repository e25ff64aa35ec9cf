// Package inmem provides an in-memory bus.Bus that retains published
// events and forwards them to registered handlers. It doubles as the
// per-task event stream backend for tests and in-process deployments;
// durable deployments use features/stream/pulse.
package inmem

import (
	"context"
	"sync"

	"github.com/tentackl/tentackl/runtime/task/bus"
)

// Handler receives each published event. Handlers must not block; slow
// consumers should buffer internally.
type Handler func(ctx context.Context, event bus.Event)

// Bus implements bus.Bus in memory. Thread-safe.
type Bus struct {
	mu       sync.RWMutex
	events   map[string][]bus.Event
	handlers []Handler
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{events: make(map[string][]bus.Event)}
}

// Publish appends the event to the per-task log and notifies handlers in
// registration order.
func (b *Bus) Publish(ctx context.Context, event bus.Event) error {
	b.mu.Lock()
	b.events[event.TaskID] = append(b.events[event.TaskID], event)
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(ctx, event)
	}
	return nil
}

// Register adds a handler invoked for every subsequent publish.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Events returns the per-task event log in publish order.
func (b *Bus) Events(taskID string) []bus.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]bus.Event(nil), b.events[taskID]...)
}

// EventsOfType filters the per-task log by topic.
func (b *Bus) EventsOfType(taskID, topic string) []bus.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []bus.Event
	for _, e := range b.events[taskID] {
		if e.Type == topic {
			out = append(out, e)
		}
	}
	return out
}
