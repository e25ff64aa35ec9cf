// Package inmem provides in-memory source and idempotency stores for
// tests and single-instance deployments.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/gateway"
)

type (
	// SourceStore implements gateway.SourceStore with a map.
	SourceStore struct {
		mu      sync.Mutex
		sources map[string]gateway.Source
	}

	// IdempotencyStore implements gateway.IdempotencyStore with expiring
	// map entries.
	IdempotencyStore struct {
		mu   sync.Mutex
		seen map[string]time.Time
		now  func() time.Time
	}
)

// NewSourceStore returns an empty source store.
func NewSourceStore() *SourceStore {
	return &SourceStore{sources: make(map[string]gateway.Source)}
}

// PutSource registers or replaces a source.
func (s *SourceStore) PutSource(src gateway.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.ID] = src
}

// GetSource implements gateway.SourceStore.
func (s *SourceStore) GetSource(_ context.Context, id string) (*gateway.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return nil, task.Errorf(task.KindNotFound, "unknown event source %s", id)
	}
	return &src, nil
}

// NewIdempotencyStore returns an empty idempotency store.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{
		seen: make(map[string]time.Time),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Seen implements gateway.IdempotencyStore.
func (s *IdempotencyStore) Seen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	// Opportunistic sweep keeps the map bounded without a background timer.
	for k, exp := range s.seen {
		if now.After(exp) {
			delete(s.seen, k)
		}
	}
	if exp, ok := s.seen[key]; ok && now.Before(exp) {
		return true, nil
	}
	s.seen[key] = now.Add(ttl)
	return false, nil
}
