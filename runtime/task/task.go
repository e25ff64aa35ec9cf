// Package task defines the durable task and step model at the heart of
// Tentackl: a user goal decomposed into a directed-acyclic plan of typed
// steps, executed across workers with checkpoints, retries, and replanning.
//
// # Core Concepts
//
// Task (Durable Layer):
//   - Represents one user goal with its plan, status, and accumulated findings
//   - Owned by a (user, organization) pair; versioned across replans
//   - Authoritative state lives in the primary store; hot rows are replicated
//     into the cache for per-cycle decisions
//
// Step (Execution Layer):
//   - One unit of work bound to a capability (agent type)
//   - Carries dependencies, parallel-group tag, failure policy, checkpoint
//     requirements, fallback options, and retry bookkeeping
//
// Finding (Audit Layer):
//   - Immutable append-only record of what a step produced
//
// # Lifecycle
//
//	PLANNING → READY | FAILED | CANCELLED
//	READY → EXECUTING
//	EXECUTING → CHECKPOINT | PAUSED | COMPLETED | FAILED
//	CHECKPOINT → EXECUTING | FAILED
//	PAUSED → EXECUTING
//	(any non-terminal) → CANCELLED
//	EXECUTING/CHECKPOINT → SUPERSEDED (replan approved)
//
// SUPERSEDED, COMPLETED, FAILED, and CANCELLED are terminal. A superseded
// task records the id of the task version that replaced it.
package task

import (
	"time"
)

type (
	// Task is a user goal expressed as a DAG of steps with durable state.
	Task struct {
		// ID is the stable opaque task identifier.
		ID string `json:"id" bson:"_id"`

		// Goal is the user-provided natural-language goal.
		Goal string `json:"goal" bson:"goal"`

		// UserID identifies the owning user.
		UserID string `json:"user_id" bson:"user_id"`

		// OrgID identifies the owning organization (tenant).
		OrgID string `json:"org_id" bson:"org_id"`

		// Steps is the ordered plan. Order is informational; readiness is
		// derived from the execution tree, never from slice position.
		Steps []Step `json:"steps" bson:"steps"`

		// Status is the current lifecycle state.
		Status Status `json:"status" bson:"status"`

		// Constraints carries user-supplied planning constraints.
		Constraints map[string]any `json:"constraints,omitempty" bson:"constraints,omitempty"`

		// SuccessCriteria carries user-supplied completion criteria.
		SuccessCriteria map[string]any `json:"success_criteria,omitempty" bson:"success_criteria,omitempty"`

		// MaxParallelSteps bounds in-cycle step concurrency. Zero means the
		// runtime default applies.
		MaxParallelSteps int `json:"max_parallel_steps,omitempty" bson:"max_parallel_steps,omitempty"`

		// Metadata stores auxiliary state: automation id, trigger spec,
		// fast-path results, planning error, replan context, etc.
		Metadata map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`

		// TreeID references the execution tree built for this task. Empty
		// until planning commits.
		TreeID string `json:"tree_id,omitempty" bson:"tree_id,omitempty"`

		// ParentTaskID links to a parent task when this task was spawned as
		// a follow-up. Empty for top-level tasks.
		ParentTaskID string `json:"parent_task_id,omitempty" bson:"parent_task_id,omitempty"`

		// SupersededBy is the id of the replacement task version after an
		// approved replan. Only set on SUPERSEDED tasks.
		SupersededBy string `json:"superseded_by,omitempty" bson:"superseded_by,omitempty"`

		// Version increments on every replan. Starts at 1.
		Version int `json:"version" bson:"version"`

		// Findings is the append-only audit trail of step outputs.
		Findings []Finding `json:"findings,omitempty" bson:"findings,omitempty"`

		// CreatedAt records task creation time (UTC).
		CreatedAt time.Time `json:"created_at" bson:"created_at"`

		// UpdatedAt records the last mutation time (UTC).
		UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`

		// CompletedAt records terminal completion time, zero otherwise.
		CompletedAt time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	}

	// Step is one unit of work bound to a capability.
	Step struct {
		// ID is unique within the owning task.
		ID string `json:"id" bson:"id"`

		// Name is the short human-readable step name. Template references
		// may use either the step id or this name.
		Name string `json:"name" bson:"name"`

		// Description explains what the step does.
		Description string `json:"description,omitempty" bson:"description,omitempty"`

		// AgentType names the capability executing the step (e.g.
		// "web_research", "compose", "notify").
		AgentType string `json:"agent_type" bson:"agent_type"`

		// Domain optionally tags the step with a domain hint for routing.
		Domain string `json:"domain,omitempty" bson:"domain,omitempty"`

		// Inputs is the free-form structured input. String values may embed
		// template references resolved before dispatch.
		Inputs map[string]any `json:"inputs,omitempty" bson:"inputs,omitempty"`

		// Outputs is populated on completion.
		Outputs map[string]any `json:"outputs,omitempty" bson:"outputs,omitempty"`

		// DependsOn lists step ids that must reach a terminal success state
		// before this step becomes ready.
		DependsOn []string `json:"depends_on,omitempty" bson:"depends_on,omitempty"`

		// Status is the current step lifecycle state.
		Status StepStatus `json:"status" bson:"status"`

		// ParallelGroup tags mutually independent steps that may run in the
		// same cycle. Empty means the step runs alone.
		ParallelGroup string `json:"parallel_group,omitempty" bson:"parallel_group,omitempty"`

		// FailurePolicy governs sibling handling when a grouped step fails.
		FailurePolicy FailurePolicy `json:"failure_policy,omitempty" bson:"failure_policy,omitempty"`

		// CheckpointRequired gates execution on a user approval.
		CheckpointRequired bool `json:"checkpoint_required,omitempty" bson:"checkpoint_required,omitempty"`

		// CheckpointConfig configures the checkpoint when required.
		CheckpointConfig *CheckpointConfig `json:"checkpoint_config,omitempty" bson:"checkpoint_config,omitempty"`

		// Fallback lists alternative models and APIs tried when the
		// observer proposes FALLBACK. Consumed entries are removed.
		Fallback *FallbackConfig `json:"fallback,omitempty" bson:"fallback,omitempty"`

		// Critical marks steps that must not be skipped.
		Critical bool `json:"critical,omitempty" bson:"critical,omitempty"`

		// RetryCount tracks transient-failure retries so far.
		RetryCount int `json:"retry_count,omitempty" bson:"retry_count,omitempty"`

		// MaxRetries caps transient-failure retries. Zero means no retries.
		MaxRetries int `json:"max_retries,omitempty" bson:"max_retries,omitempty"`

		// Model optionally pins the model used for execution, overriding the
		// per-agent-type default.
		Model string `json:"model,omitempty" bson:"model,omitempty"`

		// Error holds the last failure message, if any.
		Error string `json:"error,omitempty" bson:"error,omitempty"`

		// StartedAt records when execution last began, zero if never started.
		StartedAt time.Time `json:"started_at,omitempty" bson:"started_at,omitempty"`

		// FinishedAt records when execution last finished, zero otherwise.
		FinishedAt time.Time `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
	}

	// Finding is an immutable append-only record emitted per step. Findings
	// are the auditable trail of what the task produced.
	Finding struct {
		// StepID identifies the emitting step.
		StepID string `json:"step_id" bson:"step_id"`

		// Type tags the finding kind (e.g. "step_output", "fast_path").
		Type string `json:"type" bson:"type"`

		// Content carries the structured finding payload.
		Content map[string]any `json:"content" bson:"content"`

		// CreatedAt records when the finding was appended (UTC).
		CreatedAt time.Time `json:"created_at" bson:"created_at"`
	}

	// CheckpointConfig configures a required checkpoint on a step.
	CheckpointConfig struct {
		// Name labels the checkpoint (defaults to the step name).
		Name string `json:"name,omitempty" bson:"name,omitempty"`

		// Description explains what the user is approving.
		Description string `json:"description,omitempty" bson:"description,omitempty"`

		// Type is the checkpoint kind: approval, qa, or replan.
		Type string `json:"type,omitempty" bson:"type,omitempty"`

		// PreferenceKey groups checkpoints for preference learning. Prior
		// decisions under the same key may auto-approve future checkpoints.
		PreferenceKey string `json:"preference_key,omitempty" bson:"preference_key,omitempty"`

		// ExpiresIn bounds how long the checkpoint stays resolvable.
		ExpiresIn time.Duration `json:"expires_in,omitempty" bson:"expires_in,omitempty"`
	}

	// FallbackConfig lists alternatives the observer may switch to. The
	// first entry of a list is consumed when used, narrowing the config
	// monotonically across consecutive fallbacks.
	FallbackConfig struct {
		// Models lists alternative model identifiers in preference order.
		Models []string `json:"models,omitempty" bson:"models,omitempty"`

		// APIs lists alternative API identifiers in preference order.
		APIs []string `json:"apis,omitempty" bson:"apis,omitempty"`
	}

	// Status is the task lifecycle state.
	Status string

	// StepStatus is the step lifecycle state.
	StepStatus string

	// FailurePolicy governs how a parallel group reacts to member failure.
	FailurePolicy string
)

const (
	// StatusPlanning indicates the background planner is populating steps.
	StatusPlanning Status = "planning"
	// StatusReady indicates the plan is committed and the task can start.
	StatusReady Status = "ready"
	// StatusExecuting indicates the orchestrator is advancing the task.
	StatusExecuting Status = "executing"
	// StatusCheckpoint indicates a step is parked awaiting user approval.
	StatusCheckpoint Status = "checkpoint"
	// StatusPaused indicates execution is paused and may be resumed.
	StatusPaused Status = "paused"
	// StatusCompleted indicates all steps reached a terminal success state.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the task failed permanently.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the task was cancelled externally.
	StatusCancelled Status = "cancelled"
	// StatusSuperseded indicates an approved replan replaced this task.
	StatusSuperseded Status = "superseded"
)

const (
	// StepPending indicates the step has not been dispatched yet.
	StepPending StepStatus = "pending"
	// StepRunning indicates the step is executing.
	StepRunning StepStatus = "running"
	// StepCheckpoint indicates the step is parked on an unresolved checkpoint.
	StepCheckpoint StepStatus = "checkpoint"
	// StepDone indicates the step completed successfully.
	StepDone StepStatus = "done"
	// StepFailed indicates the step failed permanently.
	StepFailed StepStatus = "failed"
	// StepSkipped indicates the observer skipped a non-critical step.
	StepSkipped StepStatus = "skipped"
)

const (
	// PolicyAllOrNothing reports group failure when any member fails.
	PolicyAllOrNothing FailurePolicy = "all_or_nothing"
	// PolicyBestEffort reports success with partial_failure=true when some
	// members fail but at least one succeeds.
	PolicyBestEffort FailurePolicy = "best_effort"
	// PolicyFailFast cancels siblings on first member failure.
	PolicyFailFast FailurePolicy = "fail_fast"
)

// Checkpoint type identifiers used in CheckpointConfig.Type and checkpoint
// records.
const (
	// CheckpointApproval is a plain user approval gate.
	CheckpointApproval = "approval"
	// CheckpointQA asks the user to answer questions before continuing.
	CheckpointQA = "qa"
	// CheckpointReplan asks the user to approve a strategic replan.
	CheckpointReplan = "replan"
)

// Terminal reports whether the task status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSuperseded:
		return true
	}
	return false
}

// Terminal reports whether the step status admits no further transitions.
// Skipped counts as terminal success for dependency readiness.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepDone, StepFailed, StepSkipped:
		return true
	}
	return false
}

// Success reports whether the step status is a terminal success state for
// the purpose of unblocking dependents.
func (s StepStatus) Success() bool {
	return s == StepDone || s == StepSkipped
}

// StepByID returns the step with the given id, or nil.
func (t *Task) StepByID(id string) *Step {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i]
		}
	}
	return nil
}

// StepByRef resolves a template step reference, which may be either the
// step id or the step name.
func (t *Task) StepByRef(ref string) *Step {
	if s := t.StepByID(ref); s != nil {
		return s
	}
	for i := range t.Steps {
		if t.Steps[i].Name == ref {
			return &t.Steps[i]
		}
	}
	return nil
}

// CanTransition reports whether the task status machine admits a move from
// the current status to next.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPlanning:
		return next == StatusReady || next == StatusFailed || next == StatusCancelled
	case StatusReady:
		// COMPLETED is reachable directly on the planning fast path.
		return next == StatusExecuting || next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	case StatusExecuting:
		return next == StatusCheckpoint || next == StatusPaused || next == StatusCompleted ||
			next == StatusFailed || next == StatusCancelled || next == StatusSuperseded
	case StatusCheckpoint:
		return next == StatusExecuting || next == StatusReady || next == StatusFailed ||
			next == StatusCancelled || next == StatusSuperseded
	case StatusPaused:
		return next == StatusExecuting || next == StatusCancelled || next == StatusFailed
	}
	return false
}

// Clone returns a deep copy of the task. Steps, findings, and metadata maps
// are copied so mutations of the clone never leak into the original.
func (t *Task) Clone() *Task {
	c := *t
	c.Steps = make([]Step, len(t.Steps))
	for i, s := range t.Steps {
		c.Steps[i] = *s.Clone()
	}
	c.Constraints = cloneMap(t.Constraints)
	c.SuccessCriteria = cloneMap(t.SuccessCriteria)
	c.Metadata = cloneMap(t.Metadata)
	c.Findings = append([]Finding(nil), t.Findings...)
	return &c
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	c := *s
	c.Inputs = cloneMap(s.Inputs)
	c.Outputs = cloneMap(s.Outputs)
	c.DependsOn = append([]string(nil), s.DependsOn...)
	if s.CheckpointConfig != nil {
		cc := *s.CheckpointConfig
		c.CheckpointConfig = &cc
	}
	if s.Fallback != nil {
		fb := FallbackConfig{
			Models: append([]string(nil), s.Fallback.Models...),
			APIs:   append([]string(nil), s.Fallback.APIs...),
		}
		c.Fallback = &fb
	}
	return &c
}

// cloneMap deep-copies a structured value map one level down for nested
// maps and slices, which covers the shapes produced by JSON decoding.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
