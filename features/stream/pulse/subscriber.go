package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	clientspulse "github.com/tentackl/tentackl/features/stream/pulse/clients/pulse"
	"github.com/tentackl/tentackl/runtime/task/bus"
	"github.com/tentackl/tentackl/runtime/task/stream"
)

const defaultBuffer = 64

type (
	// StreamOptions configures the Pulse-backed observe stream.
	StreamOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// Redis backs the replay list reads. Required.
		Redis *redis.Client
		// Buffer specifies the per-subscription channel capacity.
		// Defaults to 64.
		Buffer int
	}

	// Streams implements stream.Stream on Pulse sinks. Each subscription is
	// a dedicated consumer group on the task's event stream.
	Streams struct {
		client clientspulse.Client
		redis  *redis.Client
		buffer int

		mu   sync.Mutex
		subs map[string]*subscription
	}

	subscription struct {
		key    string
		owner  *Streams
		sink   clientspulse.Sink
		events chan bus.Event
		cancel context.CancelFunc
		once   sync.Once
	}
)

// NewStreams constructs the observe stream adapter.
func NewStreams(opts StreamOptions) (*Streams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Streams{
		client: opts.Client,
		redis:  opts.Redis,
		buffer: buffer,
		subs:   make(map[string]*subscription),
	}, nil
}

// Subscribe attaches a caller to the task's event feed.
func (s *Streams) Subscribe(ctx context.Context, taskID, caller string) (stream.Subscription, error) {
	key := subKey(taskID, caller)
	s.mu.Lock()
	if _, ok := s.subs[key]; ok {
		s.mu.Unlock()
		return nil, stream.ErrSubscriberExists
	}
	s.mu.Unlock()

	str, err := s.client.Stream(bus.TaskChannel(taskID))
	if err != nil {
		return nil, err
	}
	sink, err := str.NewSink(ctx, "observe:"+caller)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		key:    key,
		owner:  s,
		sink:   sink,
		events: make(chan bus.Event, s.buffer),
		cancel: cancel,
	}
	s.mu.Lock()
	if _, ok := s.subs[key]; ok {
		s.mu.Unlock()
		cancel()
		sink.Close(context.Background())
		return nil, stream.ErrSubscriberExists
	}
	s.subs[key] = sub
	s.mu.Unlock()

	go sub.consume(runCtx)
	return sub, nil
}

// Recent returns up to limit most recent events for replay, oldest first.
func (s *Streams) Recent(ctx context.Context, taskID string, limit int) ([]bus.Event, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	rows, err := s.redis.LRange(ctx, recentKey(taskID), start, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]bus.Event, 0, len(rows))
	for _, row := range rows {
		var ev bus.Event
		if err := json.Unmarshal([]byte(row), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal replayed event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Close releases all subscriptions for the task.
func (s *Streams) Close(ctx context.Context, taskID string) error {
	prefix := taskID + "/"
	s.mu.Lock()
	var victims []*subscription
	for key, sub := range s.subs {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			victims = append(victims, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range victims {
		if err := sub.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Streams) drop(key string) {
	s.mu.Lock()
	delete(s.subs, key)
	s.mu.Unlock()
}

// Events returns the delivery channel.
func (sub *subscription) Events() <-chan bus.Event { return sub.events }

// Close detaches the subscriber and releases the sink.
func (sub *subscription) Close(ctx context.Context) error {
	sub.once.Do(func() {
		sub.cancel()
		sub.sink.Close(ctx)
		sub.owner.drop(sub.key)
	})
	return nil
}

// consume reads from the Pulse sink, decodes envelopes, and delivers them
// until a terminal topic arrives or the subscription closes.
func (sub *subscription) consume(ctx context.Context) {
	defer close(sub.events)
	ch := sub.sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var ev bus.Event
			if err := json.Unmarshal(evt.Payload, &ev); err != nil {
				continue
			}
			select {
			case sub.events <- ev:
			case <-ctx.Done():
				return
			}
			_ = sub.sink.Ack(ctx, evt)
			if bus.Terminal(ev.Type) {
				go sub.Close(context.Background())
				return
			}
		}
	}
}

func subKey(taskID, caller string) string {
	return taskID + "/" + caller
}
