// Package pool provides a thin wrapper around Pulse dedicated worker
// pools. Callers build a Redis client, pass it to New, and receive a typed
// interface exposing only the operations the step queue needs, so tests
// can substitute a mock without a Redis instance.
package pool

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/pool"
)

type (
	// Options configures the pool client.
	Options struct {
		// Redis is the Redis connection backing the pool. Required.
		Redis *redis.Client
		// PoolName names the Pulse pool. Required.
		PoolName string
		// ClientOnly restricts the node to dispatching: it never receives
		// jobs. Set on orchestrator-side nodes.
		ClientOnly bool
		// NodeOptions are additional Pulse node options.
		NodeOptions []pool.NodeOption
	}

	// Node exposes the subset of the Pulse pool node API used by the step
	// queue.
	Node interface {
		// DispatchJob routes the job to a worker. The call returns once a
		// worker has acked the job or the dispatch failed.
		DispatchJob(ctx context.Context, key string, payload []byte) error
		// AddWorker registers a worker that receives dispatched jobs.
		AddWorker(ctx context.Context, handler pool.JobHandler) error
		// StopJob tells the worker running the job to stop it. One-shot
		// jobs call this on themselves when done.
		StopJob(ctx context.Context, key string) error
		// Shutdown drains the pool across all nodes.
		Shutdown(ctx context.Context) error
		// Close stops this node without draining others.
		Close(ctx context.Context) error
	}
)

type node struct {
	n *pool.Node
}

// New creates the pool node.
func New(ctx context.Context, opts Options) (Node, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.PoolName == "" {
		return nil, errors.New("pool name is required")
	}
	nodeOpts := opts.NodeOptions
	if opts.ClientOnly {
		nodeOpts = append(nodeOpts, pool.WithClientOnly())
	}
	n, err := pool.AddNode(ctx, opts.PoolName, opts.Redis, nodeOpts...)
	if err != nil {
		return nil, err
	}
	return &node{n: n}, nil
}

func (nd *node) DispatchJob(ctx context.Context, key string, payload []byte) error {
	return nd.n.DispatchJob(ctx, key, payload)
}

func (nd *node) AddWorker(ctx context.Context, handler pool.JobHandler) error {
	_, err := nd.n.AddWorker(ctx, handler)
	return err
}

func (nd *node) StopJob(ctx context.Context, key string) error {
	return nd.n.StopJob(ctx, key)
}

func (nd *node) Shutdown(ctx context.Context) error {
	return nd.n.Shutdown(ctx)
}

func (nd *node) Close(ctx context.Context) error {
	return nd.n.Close(ctx)
}
