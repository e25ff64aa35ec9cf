package task

import "time"

// Decision is the resolution state of a checkpoint.
type Decision string

const (
	// DecisionPending indicates the checkpoint awaits resolution.
	DecisionPending Decision = "pending"
	// DecisionApproved indicates a user approved the checkpoint.
	DecisionApproved Decision = "approved"
	// DecisionRejected indicates a user rejected the checkpoint.
	DecisionRejected Decision = "rejected"
	// DecisionAutoApproved indicates a learned preference approved the
	// checkpoint without user interaction.
	DecisionAutoApproved Decision = "auto_approved"
)

// Resolved reports whether the decision is final.
func (d Decision) Resolved() bool { return d != DecisionPending && d != "" }

// Approved reports whether the decision allows the step to proceed.
func (d Decision) Approved() bool {
	return d == DecisionApproved || d == DecisionAutoApproved
}

// Checkpoint is the approval record materialised per (task, step) where a
// step requires one. Stored in both the cache and the primary store.
type Checkpoint struct {
	// ID is the checkpoint identifier.
	ID string `json:"id" bson:"_id"`

	// TaskID and StepID locate the gated step.
	TaskID string `json:"task_id" bson:"task_id"`
	StepID string `json:"step_id" bson:"step_id"`

	// Name labels the checkpoint for display.
	Name string `json:"name" bson:"name"`

	// Description explains what the user is deciding.
	Description string `json:"description,omitempty" bson:"description,omitempty"`

	// Type is the checkpoint kind: approval, qa, or replan.
	Type string `json:"type" bson:"type"`

	// Decision is the current resolution state.
	Decision Decision `json:"decision" bson:"decision"`

	// Preview optionally carries data for the user to inspect.
	Preview map[string]any `json:"preview,omitempty" bson:"preview,omitempty"`

	// Questions optionally lists questions for QA checkpoints.
	Questions []string `json:"questions,omitempty" bson:"questions,omitempty"`

	// Alternatives optionally lists choices for the user.
	Alternatives []string `json:"alternatives,omitempty" bson:"alternatives,omitempty"`

	// Feedback is the resolver-provided free-text feedback.
	Feedback string `json:"feedback,omitempty" bson:"feedback,omitempty"`

	// ResolvedBy identifies the resolving user, or "system" for
	// auto-approvals.
	ResolvedBy string `json:"resolved_by,omitempty" bson:"resolved_by,omitempty"`

	// PreferenceKey groups checkpoints for preference learning.
	PreferenceKey string `json:"preference_key,omitempty" bson:"preference_key,omitempty"`

	// CreatedAt records checkpoint creation (UTC).
	CreatedAt time.Time `json:"created_at" bson:"created_at"`

	// ExpiresAt bounds resolvability; zero means no expiry.
	ExpiresAt time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`

	// ResolvedAt records resolution time, zero while pending.
	ResolvedAt time.Time `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
}

// Expired reports whether the checkpoint can no longer be resolved.
func (c *Checkpoint) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}
