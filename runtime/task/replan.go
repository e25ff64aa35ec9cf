package task

// ReplanContext carries the observer's structural diagnosis into the
// planner's replan entry point and into REPLAN checkpoints. It lives in
// the core package so the observer, planner, and checkpoint manager can
// share it without import cycles.
type ReplanContext struct {
	// Diagnosis summarizes why tactical recovery cannot fix the failure.
	Diagnosis string `json:"diagnosis"`

	// FailedStepID identifies the step that triggered the replan.
	FailedStepID string `json:"failed_step_id"`

	// AffectedSteps lists downstream step ids that would fail unchanged.
	AffectedSteps []string `json:"affected_steps,omitempty"`

	// CompletedOutputs carries outputs of already completed steps so the
	// new plan can reuse partial work instead of redoing it.
	CompletedOutputs map[string]map[string]any `json:"completed_outputs,omitempty"`

	// Constraints echoes the original task constraints.
	Constraints map[string]any `json:"constraints,omitempty"`

	// SuggestedAgentType proposes a corrected capability when the failure
	// was an unknown agent type.
	SuggestedAgentType string `json:"suggested_agent_type,omitempty"`

	// SuggestedApproach is free-text guidance for the replanner.
	SuggestedApproach string `json:"suggested_approach,omitempty"`

	// PartialData marks replans triggered by blocked dependencies, where
	// the new plan should build on partial results.
	PartialData bool `json:"partial_data,omitempty"`
}

// ReplanContextKey is the metadata key under which a pending replan
// context is parked on the failed step's checkpoint.
const ReplanContextKey = "_replan_context"
