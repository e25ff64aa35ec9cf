// Package plugin defines the executor port through which steps run. A
// plugin binds an agent type (capability) to concrete behaviour; concrete
// LLM and HTTP tool plugins are wired outside the core.
package plugin

import "context"

type (
	// Context carries the trusted system context injected into a step
	// execution. It is built from the primary store, never from the
	// dispatched payload.
	Context struct {
		// TaskID and StepID locate the execution.
		TaskID string
		StepID string
		// OrgID and UserID identify the owning tenant and user.
		OrgID  string
		UserID string
		// Model is the selected model identifier for LLM-backed agents.
		Model string
		// FileRefs lists file identifiers the step may access.
		FileRefs []string
		// System carries agent-type specific injected values (workflow id,
		// content type, folder path, visibility, ...).
		System map[string]any
	}

	// Result is the outcome of one plugin execution.
	Result struct {
		// Success reports whether the execution succeeded.
		Success bool `json:"success"`
		// Outputs carries the step outputs on success.
		Outputs map[string]any `json:"outputs,omitempty"`
		// Error is the failure message on failure.
		Error string `json:"error,omitempty"`
		// ExecutionTimeMS is the wall-clock execution time.
		ExecutionTimeMS int64 `json:"execution_time_ms,omitempty"`
		// Metadata carries plugin-specific extras (model used, cost, ...).
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Executor runs one step's agent. Implementations route on the step's
	// agent type.
	Executor interface {
		// Execute runs the agent with resolved inputs and trusted context.
		// A failed execution returns a Result with Success=false rather
		// than an error; errors are reserved for infrastructure failures.
		Execute(ctx context.Context, agentType string, inputs map[string]any, execCtx Context) (*Result, error)
	}
)
