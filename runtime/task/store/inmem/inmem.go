// Package inmem provides in-memory implementations of store.Store and
// store.Cache for tests and single-instance deployments. Durable
// deployments use features/store/mongo and features/cache/redis.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/store"
)

// Store implements store.Store in memory. Thread-safe; tasks are deep
// copied on read and write.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
}

// NewStore constructs an empty primary store.
func NewStore() *Store {
	return &Store{tasks: make(map[string]*task.Task)}
}

// CreateTask persists a new task, stamping timestamps if unset.
func (s *Store) CreateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	now := time.Now().UTC()
	c := t.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Version == 0 {
		c.Version = 1
	}
	s.tasks[t.ID] = c
	return nil
}

// GetTask loads a task with its steps and findings.
func (s *Store) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrNotFound(id)
	}
	return t.Clone(), nil
}

// UpdateTask replaces the task record.
func (s *Store) UpdateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return task.ErrNotFound(t.ID)
	}
	c := t.Clone()
	c.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = c
	return nil
}

// ListTasks lists tasks matching the filter, newest first.
func (s *Store) ListTasks(_ context.Context, f store.Filter) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.OrgID != "" && t.OrgID != f.OrgID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// UpdateStatus transitions the task status, enforcing the status machine.
func (s *Store) UpdateStatus(_ context.Context, id string, status task.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound(id)
	}
	if !t.Status.CanTransition(status) {
		return task.ErrInvalidTransition(id, t.Status, status)
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	if status.Terminal() && t.CompletedAt.IsZero() {
		t.CompletedAt = t.UpdatedAt
	}
	return nil
}

// UpdateSteps replaces the task's step records.
func (s *Store) UpdateSteps(_ context.Context, id string, steps []task.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound(id)
	}
	t.Steps = make([]task.Step, len(steps))
	for i, st := range steps {
		t.Steps[i] = *st.Clone()
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateStep replaces a single step record.
func (s *Store) UpdateStep(_ context.Context, id string, step task.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound(id)
	}
	existing := t.StepByID(step.ID)
	if existing == nil {
		return task.ErrStepNotFound(id, step.ID)
	}
	*existing = *step.Clone()
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateStepStatus transitions a step's status and error message.
func (s *Store) UpdateStepStatus(_ context.Context, id, stepID string, status task.StepStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound(id)
	}
	st := t.StepByID(stepID)
	if st == nil {
		return task.ErrStepNotFound(id, stepID)
	}
	st.Status = status
	st.Error = errMsg
	now := time.Now().UTC()
	switch status {
	case task.StepRunning:
		st.StartedAt = now
	case task.StepDone, task.StepFailed, task.StepSkipped:
		st.FinishedAt = now
	}
	t.UpdatedAt = now
	return nil
}

// MergeMetadata merges the patch into the task metadata map.
func (s *Store) MergeMetadata(_ context.Context, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound(id)
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		t.Metadata[k] = v
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendFinding appends an immutable finding.
func (s *Store) AppendFinding(_ context.Context, id string, f task.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound(id)
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	t.Findings = append(t.Findings, f)
	return nil
}

// SetParent links the task to a parent task.
func (s *Store) SetParent(_ context.Context, id, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound(id)
	}
	t.ParentTaskID = parentID
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// SetSupersededBy atomically marks the task SUPERSEDED and records the
// replacement id. The mutex stands in for the single-writer transaction
// durable backends provide.
func (s *Store) SetSupersededBy(_ context.Context, id, newTaskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound(id)
	}
	if t.Status.Terminal() && t.Status != task.StatusSuperseded {
		return task.ErrInvalidTransition(id, t.Status, task.StatusSuperseded)
	}
	t.Status = task.StatusSuperseded
	t.SupersededBy = newTaskID
	now := time.Now().UTC()
	t.UpdatedAt = now
	t.CompletedAt = now
	return nil
}

// StuckPlanning lists tasks in PLANNING for longer than the threshold.
func (s *Store) StuckPlanning(_ context.Context, olderThan time.Duration) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Status == task.StatusPlanning && t.CreatedAt.Before(cutoff) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

// Cache implements store.Cache in memory.
type Cache struct {
	mu          sync.RWMutex
	tasks       map[string]*task.Task
	checkpoints map[string]*task.Checkpoint
	findings    map[string][]task.Finding
}

// NewCache constructs an empty cache.
func NewCache() *Cache {
	return &Cache{
		tasks:       make(map[string]*task.Task),
		checkpoints: make(map[string]*task.Checkpoint),
		findings:    make(map[string][]task.Finding),
	}
}

// WriteTask replicates the task with its steps.
func (c *Cache) WriteTask(_ context.Context, t *task.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[t.ID] = t.Clone()
	return nil
}

// ReadTask returns the cached task.
func (c *Cache) ReadTask(_ context.Context, id string) (*task.Task, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id]
	if !ok {
		return nil, false, nil
	}
	return t.Clone(), true, nil
}

// DeleteTask evicts the task.
func (c *Cache) DeleteTask(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, id)
	delete(c.findings, id)
	return nil
}

// WriteCheckpoint stores a checkpoint record.
func (c *Cache) WriteCheckpoint(_ context.Context, cp *task.Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *cp
	c.checkpoints[checkpointKey(cp.TaskID, cp.StepID)] = &copied
	return nil
}

// ReadCheckpoint returns the cached checkpoint for the step.
func (c *Cache) ReadCheckpoint(_ context.Context, taskID, stepID string) (*task.Checkpoint, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp, ok := c.checkpoints[checkpointKey(taskID, stepID)]
	if !ok {
		return nil, false, nil
	}
	copied := *cp
	return &copied, true, nil
}

// AppendFinding replicates a finding for observe-execution replay.
func (c *Cache) AppendFinding(_ context.Context, taskID string, f task.Finding) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.findings[taskID] = append(c.findings[taskID], f)
	return nil
}

// ListFindings returns cached findings in append order.
func (c *Cache) ListFindings(_ context.Context, taskID string) ([]task.Finding, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]task.Finding(nil), c.findings[taskID]...), nil
}

func checkpointKey(taskID, stepID string) string {
	return fmt.Sprintf("checkpoint:%s:%s", taskID, stepID)
}
