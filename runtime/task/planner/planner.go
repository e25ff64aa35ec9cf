// Package planner defines the plan generation ports and the planning
// pipeline that turns a natural-language goal into a committed, executable
// task: intent detection, fast-path short-circuit, LLM decomposition with
// retries, risk-based checkpoint injection, parallel grouping, and the
// durable commit that builds the execution tree.
package planner

import (
	"context"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/intent"
)

type (
	// Planner generates and regenerates plans. Implementations typically
	// wrap an LLM via model.Client; the pipeline only sees steps.
	Planner interface {
		// GenerateDelegationSteps decomposes the goal into typed steps
		// with dependencies. Implementations must return at least one
		// step or an error; the pipeline treats empty results as
		// failures to retry.
		GenerateDelegationSteps(ctx context.Context, goal string, constraints map[string]any, skipValidation bool) ([]task.Step, error)

		// Replan produces a replacement task from the original task, the
		// failed step, and the observer's structural diagnosis. The
		// returned task is unpersisted; the checkpoint manager commits it
		// as a sibling version.
		Replan(ctx context.Context, original *task.Task, failed *task.Step, rc *task.ReplanContext) (*task.Task, error)
	}

	// FastPathResult carries the pre-computed outcome of a fast-path data
	// query: the synthetic steps recorded on the task and their outputs.
	FastPathResult struct {
		// Steps is the non-empty synthetic plan recorded for audit.
		Steps []task.Step
		// Outputs is the retrieval result stored on the task.
		Outputs map[string]any
	}

	// FastPath answers single data-retrieval goals without LLM planning.
	FastPath interface {
		// Try returns the pre-computed result, or (nil, nil) when the
		// intent plus goal cannot be satisfied by a single query.
		Try(ctx context.Context, it *intent.Intent, goal, userID, orgID string) (*FastPathResult, error)
	}

	// RiskDetector flags steps whose effects warrant a user checkpoint
	// (outbound email, payments, deletions, ...).
	RiskDetector interface {
		// Assess returns the checkpoint config and true when the step is
		// risky; (nil, false) otherwise.
		Assess(ctx context.Context, step task.Step) (*task.CheckpointConfig, bool, error)
	}

	// Automations records schedules detected at planning time so the
	// automation scheduler can later clone the task at the scheduled
	// instants.
	Automations interface {
		// RegisterSchedule creates or updates the automation record for
		// the task and returns its id.
		RegisterSchedule(ctx context.Context, t *task.Task, sched *intent.Schedule) (string, error)
	}
)
