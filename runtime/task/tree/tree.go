// Package tree defines the execution tree port: the per-task DAG that is
// authoritative for step readiness. Nodes mirror the task's steps plus a
// synthetic root; each node carries its own status and cached outputs.
//
// The invariant the tree enforces: a step is ready iff every dependency's
// node is in a terminal success state (completed or skipped) and the node
// itself is pending. All step transitions must flow through this port so
// readiness never drifts from the recorded statuses.
package tree

import (
	"context"
	"errors"

	"github.com/tentackl/tentackl/runtime/task"
)

// RootNodeID is the synthetic root every tree starts from. It has no step
// and completes immediately so zero-dependency steps are ready at creation.
const RootNodeID = "__root__"

var (
	// ErrTreeNotFound indicates no tree exists for the given task.
	ErrTreeNotFound = errors.New("execution tree not found")
	// ErrNodeNotFound indicates the tree has no node for the given step.
	ErrNodeNotFound = errors.New("tree node not found")
)

type (
	// NodeStatus is the tree-node lifecycle state. It is deliberately
	// distinct from task.StepStatus: the tree tracks execution progress
	// while the stores track the durable step record.
	NodeStatus string

	// Node is one tree node mirroring a step.
	Node struct {
		// StepID identifies the mirrored step (RootNodeID for the root).
		StepID string
		// Status is the node lifecycle state.
		Status NodeStatus
		// Outputs caches the step outputs recorded at completion.
		Outputs map[string]any
		// Error holds the failure message for failed nodes.
		Error string
		// Step is the full step record captured at tree creation and
		// updated on reset; used to reconstruct dispatch payloads.
		Step task.Step
		// DependsOn lists parent node step ids (RootNodeID when none).
		DependsOn []string
	}

	// Metrics summarizes tree shape and progress for logging and the
	// tree-metrics use-case.
	Metrics struct {
		// Total counts step nodes (root excluded).
		Total int
		// ByStatus counts step nodes per status.
		ByStatus map[NodeStatus]int
		// Depth is the longest dependency chain length.
		Depth int
	}

	// Port is the execution tree interface consumed by the scheduler,
	// orchestrator, and step-execution pipeline.
	Port interface {
		// CreateTree builds a tree for the task's steps and returns its id.
		// Steps with no dependencies hang off the synthetic root.
		CreateTree(ctx context.Context, t *task.Task) (string, error)

		// DeleteTree removes the tree for the task, if any.
		DeleteTree(ctx context.Context, taskID string) error

		// StartStep marks the node running.
		StartStep(ctx context.Context, taskID, stepID string) error

		// PauseStep marks the node paused (checkpoint gating).
		PauseStep(ctx context.Context, taskID, stepID string) error

		// CompleteStep marks the node completed and caches its outputs.
		CompleteStep(ctx context.Context, taskID, stepID string, outputs map[string]any) error

		// FailStep marks the node failed with the given message.
		FailStep(ctx context.Context, taskID, stepID, errMsg string) error

		// SkipStep marks the node skipped; dependents treat it as success.
		SkipStep(ctx context.Context, taskID, stepID string) error

		// ResetStep returns the node to pending, clearing outputs and
		// error, and stores the updated step record for redispatch.
		ResetStep(ctx context.Context, taskID string, step task.Step) error

		// GetStep reconstructs the step from the tree. The boolean reports
		// whether the node exists.
		GetStep(ctx context.Context, taskID, stepID string) (task.Step, bool, error)

		// ReadyNodes lists pending nodes whose dependencies are all in a
		// terminal success state, in deterministic plan order.
		ReadyNodes(ctx context.Context, taskID string) ([]Node, error)

		// Nodes lists all step nodes in plan order.
		Nodes(ctx context.Context, taskID string) ([]Node, error)

		// IsTaskComplete reports whether every node is completed or skipped.
		IsTaskComplete(ctx context.Context, taskID string) (bool, error)

		// GetMetrics summarizes tree shape and progress.
		GetMetrics(ctx context.Context, taskID string) (Metrics, error)
	}
)

const (
	// NodePending indicates the node has not started.
	NodePending NodeStatus = "pending"
	// NodeRunning indicates the node is executing.
	NodeRunning NodeStatus = "running"
	// NodePaused indicates the node is parked on a checkpoint.
	NodePaused NodeStatus = "paused"
	// NodeCompleted indicates the node finished successfully.
	NodeCompleted NodeStatus = "completed"
	// NodeFailed indicates the node failed permanently.
	NodeFailed NodeStatus = "failed"
	// NodeSkipped indicates the node was skipped; counts as success for
	// dependency readiness.
	NodeSkipped NodeStatus = "skipped"
)

// TerminalSuccess reports whether the node status unblocks dependents.
func (s NodeStatus) TerminalSuccess() bool {
	return s == NodeCompleted || s == NodeSkipped
}

// Terminal reports whether the node status admits no further transitions
// without a reset.
func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeSkipped || s == NodeFailed
}
