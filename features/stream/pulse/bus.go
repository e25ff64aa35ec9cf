// Package pulse implements the event bus and the observe-execution stream
// on Pulse streams over Redis. Every published event fans out to the
// global firehose stream, the per-task stream consumed by observe
// subscribers, and a capped per-task replay list.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	clientspulse "github.com/tentackl/tentackl/features/stream/pulse/clients/pulse"
	"github.com/tentackl/tentackl/runtime/task/bus"
)

// DefaultRecentLimit caps the per-task replay list.
const DefaultRecentLimit = 256

// recentTTL expires replay lists of finished tasks.
const recentTTL = 24 * time.Hour

type (
	// BusOptions configures the Pulse-backed event bus.
	BusOptions struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// Redis backs the replay list. Required.
		Redis *redis.Client
		// RecentLimit overrides DefaultRecentLimit when positive.
		RecentLimit int
	}

	// Bus implements bus.Bus on Pulse streams.
	Bus struct {
		client      clientspulse.Client
		redis       *redis.Client
		recentLimit int
	}
)

// NewBus constructs the bus.
func NewBus(opts BusOptions) (*Bus, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	limit := opts.RecentLimit
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return &Bus{client: opts.Client, redis: opts.Redis, recentLimit: limit}, nil
}

// Publish appends the event to the global and per-task channels. Per-task
// ordering holds because one publish writes both streams sequentially.
func (b *Bus) Publish(ctx context.Context, ev bus.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	global, err := b.client.Stream(bus.GlobalChannel)
	if err != nil {
		return err
	}
	if _, err := global.Add(ctx, ev.Type, payload); err != nil {
		return err
	}
	if ev.TaskID == "" {
		return nil
	}
	str, err := b.client.Stream(bus.TaskChannel(ev.TaskID))
	if err != nil {
		return err
	}
	if _, err := str.Add(ctx, ev.Type, payload); err != nil {
		return err
	}
	return b.recordRecent(ctx, ev.TaskID, payload)
}

// recordRecent appends the event to the capped replay list.
func (b *Bus) recordRecent(ctx context.Context, taskID string, payload []byte) error {
	key := recentKey(taskID)
	pipe := b.redis.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, int64(-b.recentLimit), -1)
	pipe.Expire(ctx, key, recentTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func recentKey(taskID string) string {
	return "tentackl:events:recent:" + taskID
}
