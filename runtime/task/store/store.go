// Package store defines the persistence ports for tasks: the primary store
// that owns all authoritative state, and the cache that replicates hot
// task/step rows for per-cycle decisions.
//
// Ownership rules: the primary store is the single writer of authoritative
// state; the cache is written by the orchestrator and step-execution paths
// and read by the observe-execution endpoint. Per-cycle orchestration
// decisions consult only the cache. The five-stage sync order for a step
// transition is tree → primary → cache → event stream → inbox.
package store

import (
	"context"
	"time"

	"github.com/tentackl/tentackl/runtime/task"
)

type (
	// Filter narrows task listings.
	Filter struct {
		// UserID restricts results to tasks owned by the user.
		UserID string
		// OrgID restricts results to the organization.
		OrgID string
		// Status restricts results to the given status, when non-empty.
		Status task.Status
		// Limit caps the number of results. Zero means no cap.
		Limit int
	}

	// Store is the primary task store port. Implementations must persist
	// writes durably before returning.
	Store interface {
		// CreateTask persists a new task.
		CreateTask(ctx context.Context, t *task.Task) error

		// GetTask loads a task with its steps and findings.
		GetTask(ctx context.Context, id string) (*task.Task, error)

		// UpdateTask replaces the task record.
		UpdateTask(ctx context.Context, t *task.Task) error

		// ListTasks lists tasks matching the filter, newest first.
		ListTasks(ctx context.Context, f Filter) ([]*task.Task, error)

		// UpdateStatus transitions the task status, enforcing the status
		// machine. Returns an invalid-transition error on rejection.
		UpdateStatus(ctx context.Context, id string, status task.Status) error

		// UpdateSteps replaces the task's step records.
		UpdateSteps(ctx context.Context, id string, steps []task.Step) error

		// UpdateStep replaces a single step record.
		UpdateStep(ctx context.Context, id string, step task.Step) error

		// UpdateStepStatus transitions a step's status and error message.
		UpdateStepStatus(ctx context.Context, id, stepID string, status task.StepStatus, errMsg string) error

		// MergeMetadata merges the patch into the task metadata map.
		MergeMetadata(ctx context.Context, id string, patch map[string]any) error

		// AppendFinding appends an immutable finding.
		AppendFinding(ctx context.Context, id string, f task.Finding) error

		// SetParent links the task to a parent task.
		SetParent(ctx context.Context, id, parentID string) error

		// SetSupersededBy atomically marks the task SUPERSEDED and records
		// the replacement task id in a single writer transaction.
		SetSupersededBy(ctx context.Context, id, newTaskID string) error

		// StuckPlanning lists tasks that have sat in PLANNING for longer
		// than the threshold, for the background recovery sweep.
		StuckPlanning(ctx context.Context, olderThan time.Duration) ([]*task.Task, error)
	}

	// Cache is the hot-row replica consulted for per-cycle decisions.
	// Implementations may expire entries; callers fall back to the primary
	// store on miss.
	Cache interface {
		// WriteTask replicates the task with its steps.
		WriteTask(ctx context.Context, t *task.Task) error

		// ReadTask returns the cached task. The boolean reports a hit.
		ReadTask(ctx context.Context, id string) (*task.Task, bool, error)

		// DeleteTask evicts the task.
		DeleteTask(ctx context.Context, id string) error

		// WriteCheckpoint stores a checkpoint record under the key
		// checkpoint:<task>:<step>.
		WriteCheckpoint(ctx context.Context, cp *task.Checkpoint) error

		// ReadCheckpoint returns the cached checkpoint for the step. The
		// boolean reports a hit.
		ReadCheckpoint(ctx context.Context, taskID, stepID string) (*task.Checkpoint, bool, error)

		// AppendFinding replicates a finding for observe-execution replay.
		AppendFinding(ctx context.Context, taskID string, f task.Finding) error

		// ListFindings returns cached findings in append order.
		ListFindings(ctx context.Context, taskID string) ([]task.Finding, error)
	}
)
