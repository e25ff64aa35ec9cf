// Package inmem provides the in-memory automation registry used by tests
// and single-process deployments.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/automation"
	"github.com/tentackl/tentackl/runtime/task/intent"
)

// Registry is an in-memory automation.Registry. It also satisfies the
// planner's schedule-registration port.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*automation.Automation
	now     func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{records: make(map[string]*automation.Automation), now: time.Now}
}

// SetClock overrides the clock. Tests only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// RegisterSchedule creates or updates the automation for the task. One
// automation per template task: re-registering replaces the schedule.
func (r *Registry) RegisterSchedule(ctx context.Context, t *task.Task, sched *intent.Schedule) (string, error) {
	if t == nil || sched == nil {
		return "", task.Errorf(task.KindValidation, "task and schedule are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.records {
		if a.TaskID == t.ID {
			a.Schedule = *sched
			a.LastFiredAt = time.Time{}
			return a.ID, nil
		}
	}
	a := &automation.Automation{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		UserID:    t.UserID,
		OrgID:     t.OrgID,
		Schedule:  *sched,
		CreatedAt: r.now().UTC(),
	}
	r.records[a.ID] = a
	return a.ID, nil
}

// Get returns the automation by id.
func (r *Registry) Get(ctx context.Context, id string) (*automation.Automation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.records[id]
	if !ok {
		return nil, task.Errorf(task.KindNotFound, "automation %s not found", id)
	}
	cp := *a
	return &cp, nil
}

// List returns the user's automations, newest first.
func (r *Registry) List(ctx context.Context, userID string) ([]*automation.Automation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*automation.Automation
	for _, a := range r.records {
		if a.UserID == userID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Due returns automations whose next firing is at or before now.
func (r *Registry) Due(ctx context.Context, now time.Time) ([]*automation.Automation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*automation.Automation
	for _, a := range r.records {
		if a.DueNow(now) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkFired records a firing.
func (r *Registry) MarkFired(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.records[id]
	if !ok {
		return task.Errorf(task.KindNotFound, "automation %s not found", id)
	}
	a.LastFiredAt = at.UTC()
	return nil
}

// Remove deletes the automation.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return task.Errorf(task.KindNotFound, "automation %s not found", id)
	}
	delete(r.records, id)
	return nil
}
