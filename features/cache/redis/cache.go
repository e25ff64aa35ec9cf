// Package redis implements the hot-row task cache and the gateway
// idempotency store on Redis. Cached rows expire; readers fall back to
// the primary store on miss.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tentackl/tentackl/runtime/task"
)

const (
	// DefaultTTL bounds cached task and checkpoint rows.
	DefaultTTL = time.Hour

	cacheClientName = "task-redis"
)

// Options configures the cache.
type Options struct {
	// Client is the Redis connection. Required.
	Client *redis.Client
	// TTL overrides DefaultTTL when positive.
	TTL time.Duration
	// Prefix namespaces every key. Defaults to "tentackl".
	Prefix string
}

// Cache implements store.Cache and gateway.IdempotencyStore on Redis.
type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// New constructs the cache.
func New(opts Options) (*Cache, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "tentackl"
	}
	return &Cache{rdb: opts.Client, ttl: ttl, prefix: prefix}, nil
}

// Name implements health.Pinger.
func (c *Cache) Name() string { return cacheClientName }

// Ping implements health.Pinger.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// WriteTask replicates the task with its steps.
func (c *Cache) WriteTask(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return c.rdb.Set(ctx, c.taskKey(t.ID), data, c.ttl).Err()
}

// ReadTask returns the cached task. The boolean reports a hit.
func (c *Cache) ReadTask(ctx context.Context, id string) (*task.Task, bool, error) {
	data, err := c.rdb.Get(ctx, c.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached task %s: %w", id, err)
	}
	return &t, true, nil
}

// DeleteTask evicts the task and its findings.
func (c *Cache) DeleteTask(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, c.taskKey(id), c.findingsKey(id)).Err()
}

// WriteCheckpoint stores a checkpoint record under checkpoint:<task>:<step>.
func (c *Cache) WriteCheckpoint(ctx context.Context, cp *task.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.ID, err)
	}
	return c.rdb.Set(ctx, c.checkpointKey(cp.TaskID, cp.StepID), data, c.ttl).Err()
}

// ReadCheckpoint returns the cached checkpoint for the step.
func (c *Cache) ReadCheckpoint(ctx context.Context, taskID, stepID string) (*task.Checkpoint, bool, error) {
	data, err := c.rdb.Get(ctx, c.checkpointKey(taskID, stepID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var cp task.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached checkpoint %s/%s: %w", taskID, stepID, err)
	}
	return &cp, true, nil
}

// AppendFinding replicates a finding for observe-execution replay.
func (c *Cache) AppendFinding(ctx context.Context, taskID string, f task.Finding) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal finding: %w", err)
	}
	key := c.findingsKey(taskID)
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, c.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// ListFindings returns cached findings in append order.
func (c *Cache) ListFindings(ctx context.Context, taskID string) ([]task.Finding, error) {
	rows, err := c.rdb.LRange(ctx, c.findingsKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]task.Finding, 0, len(rows))
	for _, row := range rows {
		var f task.Finding
		if err := json.Unmarshal([]byte(row), &f); err != nil {
			return nil, fmt.Errorf("unmarshal cached finding: %w", err)
		}
		out = append(out, f)
	}
	return out, nil
}

// Seen implements gateway.IdempotencyStore with SET NX: the first caller
// claims the key, later callers within the TTL see a duplicate.
func (c *Cache) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	set, err := c.rdb.SetNX(ctx, c.prefix+":idempotency:"+key, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

func (c *Cache) taskKey(id string) string {
	return fmt.Sprintf("%s:task:%s", c.prefix, id)
}

func (c *Cache) checkpointKey(taskID, stepID string) string {
	return fmt.Sprintf("%s:checkpoint:%s:%s", c.prefix, taskID, stepID)
}

func (c *Cache) findingsKey(id string) string {
	return fmt.Sprintf("%s:findings:%s", c.prefix, id)
}
