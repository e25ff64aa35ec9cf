// Package mongo implements the primary task store on MongoDB. The store
// owns all authoritative task state; status transitions are enforced with
// compare-and-set updates so concurrent writers cannot skip states.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	mongoc "github.com/tentackl/tentackl/features/store/mongo/clients/mongo"
	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/store"
)

// Store implements store.Store by delegating to the Mongo client.
type Store struct {
	client mongoc.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client mongoc.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// CreateTask persists a new task, stamping timestamps if unset.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	c := t.Clone()
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Version == 0 {
		c.Version = 1
	}
	return s.client.InsertTask(ctx, c)
}

// GetTask loads a task with its steps and findings.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return s.client.FindTask(ctx, id)
}

// UpdateTask replaces the task record.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	c := t.Clone()
	c.UpdatedAt = time.Now().UTC()
	return s.client.ReplaceTask(ctx, c)
}

// ListTasks lists tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f store.Filter) ([]*task.Task, error) {
	return s.client.FindTasks(ctx, f)
}

// UpdateStatus transitions the task status, enforcing the status machine.
func (s *Store) UpdateStatus(ctx context.Context, id string, status task.Status) error {
	t, err := s.client.FindTask(ctx, id)
	if err != nil {
		return err
	}
	if !t.Status.CanTransition(status) {
		return task.ErrInvalidTransition(id, t.Status, status)
	}
	completed := status.Terminal() && t.CompletedAt.IsZero()
	return s.client.TransitionStatus(ctx, id, t.Status, status, completed)
}

// UpdateSteps replaces the task's step records.
func (s *Store) UpdateSteps(ctx context.Context, id string, steps []task.Step) error {
	copied := make([]task.Step, len(steps))
	for i, st := range steps {
		copied[i] = *st.Clone()
	}
	return s.client.SetFields(ctx, id, bson.M{"steps": copied})
}

// UpdateStep replaces a single step record.
func (s *Store) UpdateStep(ctx context.Context, id string, step task.Step) error {
	t, err := s.client.FindTask(ctx, id)
	if err != nil {
		return err
	}
	existing := t.StepByID(step.ID)
	if existing == nil {
		return task.ErrStepNotFound(id, step.ID)
	}
	*existing = *step.Clone()
	return s.client.SetFields(ctx, id, bson.M{"steps": t.Steps})
}

// UpdateStepStatus transitions a step's status and error message.
func (s *Store) UpdateStepStatus(ctx context.Context, id, stepID string, status task.StepStatus, errMsg string) error {
	t, err := s.client.FindTask(ctx, id)
	if err != nil {
		return err
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
	return s.client.SetFields(ctx, id, bson.M{"steps": t.Steps})
}

// MergeMetadata merges the patch into the task metadata map.
func (s *Store) MergeMetadata(ctx context.Context, id string, patch map[string]any) error {
	fields := bson.M{}
	for k, v := range patch {
		fields["metadata."+k] = v
	}
	return s.client.SetFields(ctx, id, fields)
}

// AppendFinding appends an immutable finding.
func (s *Store) AppendFinding(ctx context.Context, id string, f task.Finding) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	return s.client.PushFinding(ctx, id, f)
}

// SetParent links the task to a parent task.
func (s *Store) SetParent(ctx context.Context, id, parentID string) error {
	return s.client.SetFields(ctx, id, bson.M{"parent_task_id": parentID})
}

// SetSupersededBy atomically marks the task SUPERSEDED and records the
// replacement id.
func (s *Store) SetSupersededBy(ctx context.Context, id, newTaskID string) error {
	t, err := s.client.FindTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() && t.Status != task.StatusSuperseded {
		return task.ErrInvalidTransition(id, t.Status, task.StatusSuperseded)
	}
	return s.client.Supersede(ctx, id, newTaskID, t.Status)
}

// StuckPlanning lists tasks in PLANNING for longer than the threshold.
func (s *Store) StuckPlanning(ctx context.Context, olderThan time.Duration) ([]*task.Task, error) {
	return s.client.FindStuckPlanning(ctx, time.Now().UTC().Add(-olderThan))
}
