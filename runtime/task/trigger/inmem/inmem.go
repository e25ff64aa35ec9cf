// Package inmem provides an in-memory trigger registry for tests and
// single-instance deployments.
package inmem

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tentackl/tentackl/runtime/task/trigger"
)

// Registry implements trigger.Registry with mutex-guarded slices.
type Registry struct {
	mu      sync.Mutex
	specs   []trigger.Spec
	firings []trigger.Firing
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Register implements trigger.Registry.
func (r *Registry) Register(_ context.Context, sp trigger.Spec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sp.ID == "" {
		sp.ID = uuid.NewString()
	}
	r.specs = append(r.specs, sp)
	return sp.ID, nil
}

// UnregisterTask implements trigger.Registry.
func (r *Registry) UnregisterTask(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.specs[:0]
	for _, sp := range r.specs {
		if sp.TaskID != taskID {
			kept = append(kept, sp)
		}
	}
	r.specs = kept
	return nil
}

// Match implements trigger.Registry.
func (r *Registry) Match(_ context.Context, orgID, eventType, sourceID string, payload map[string]any) ([]trigger.Spec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []trigger.Spec
	for _, sp := range r.specs {
		if sp.OrgID == orgID && sp.Matches(eventType, sourceID, payload) {
			out = append(out, sp)
		}
	}
	return out, nil
}

// RecordFiring implements trigger.Registry.
func (r *Registry) RecordFiring(_ context.Context, f trigger.Firing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.firings = append(r.firings, f)
	return nil
}

// History implements trigger.Registry.
func (r *Registry) History(_ context.Context, taskID string, limit int) ([]trigger.Firing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []trigger.Firing
	for i := len(r.firings) - 1; i >= 0; i-- {
		if r.firings[i].TaskID == taskID {
			out = append(out, r.firings[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
