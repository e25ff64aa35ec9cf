// Package inmem provides an in-memory stream.Stream fed by the in-memory
// bus. Each subscription buffers events in a bounded channel; the feed
// closes itself after delivering a terminal topic.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/tentackl/tentackl/runtime/task/bus"
	businmem "github.com/tentackl/tentackl/runtime/task/bus/inmem"
	"github.com/tentackl/tentackl/runtime/task/stream"
)

const subscriberBuffer = 256

// Stream implements stream.Stream in memory.
type Stream struct {
	mu   sync.Mutex
	bus  *businmem.Bus
	subs map[string]*subscription
}

type subscription struct {
	owner  *Stream
	key    string
	taskID string
	ch     chan bus.Event
	closed bool
	mu     sync.Mutex
}

// New constructs a stream fed by the given in-memory bus.
func New(b *businmem.Bus) *Stream {
	s := &Stream{bus: b, subs: make(map[string]*subscription)}
	b.Register(s.dispatch)
	return s
}

// Subscribe attaches a caller to the task's event feed.
func (s *Stream) Subscribe(_ context.Context, taskID, caller string) (stream.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subKey(taskID, caller)
	if _, ok := s.subs[key]; ok {
		return nil, stream.ErrSubscriberExists
	}
	sub := &subscription{
		owner:  s,
		key:    key,
		taskID: taskID,
		ch:     make(chan bus.Event, subscriberBuffer),
	}
	s.subs[key] = sub
	return sub, nil
}

// Recent returns up to limit most recent events, oldest first.
func (s *Stream) Recent(_ context.Context, taskID string, limit int) ([]bus.Event, error) {
	events := s.bus.Events(taskID)
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Close releases all subscriptions for the task.
func (s *Stream) Close(_ context.Context, taskID string) error {
	s.mu.Lock()
	var victims []*subscription
	for key, sub := range s.subs {
		if sub.taskID == taskID {
			victims = append(victims, sub)
			delete(s.subs, key)
		}
	}
	s.mu.Unlock()
	for _, sub := range victims {
		sub.shutdown()
	}
	return nil
}

// dispatch fans a published event out to the task's subscribers. Slow
// subscribers drop events rather than block the publisher.
func (s *Stream) dispatch(_ context.Context, event bus.Event) {
	s.mu.Lock()
	var targets []*subscription
	for _, sub := range s.subs {
		if sub.taskID == event.TaskID {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range targets {
		sub.deliver(event)
	}
	if bus.Terminal(event.Type) {
		_ = s.Close(context.Background(), event.TaskID)
	}
}

// Events returns the delivery channel.
func (sub *subscription) Events() <-chan bus.Event { return sub.ch }

// Close detaches the subscriber.
func (sub *subscription) Close(_ context.Context) error {
	sub.owner.mu.Lock()
	delete(sub.owner.subs, sub.key)
	sub.owner.mu.Unlock()
	sub.shutdown()
	return nil
}

func (sub *subscription) deliver(event bus.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- event:
	default:
	}
}

func (sub *subscription) shutdown() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

func subKey(taskID, caller string) string {
	return fmt.Sprintf("%s:%s", taskID, caller)
}
