// Package bus defines the event bus port and the topic vocabulary for
// planning and task lifecycle events. The bus is append-only with a single
// writer per event; adapters fan events out to the global channel
// (tentackl:eventbus:events:all) and to per-task channels
// (task:events:<task_id>) consumed by observe-execution streams.
package bus

import (
	"context"
	"time"
)

// Planning pipeline topics.
const (
	PlanningStarted        = "planning.started"
	PlanningIntentDetected = "planning.intent_detected"
	PlanningFastPath       = "planning.fast_path"
	PlanningLLMStarted     = "planning.llm_started"
	PlanningLLMRetry       = "planning.llm_retry"
	PlanningStepsGenerated = "planning.steps_generated"
	PlanningRiskDetection  = "planning.risk_detection"
	PlanningCompleted      = "planning.completed"
	PlanningFailed         = "planning.failed"
)

// Task lifecycle topics.
const (
	TaskStarted           = "task.started"
	TaskStepStarted       = "task.step_started"
	TaskStepCompleted     = "task.step_completed"
	TaskStepFailed        = "task.step_failed"
	TaskCheckpointCreated = "task.checkpoint_created"
	TaskCompleted         = "task.task_completed"
	TaskFailed            = "task.task_failed"
	TaskCancelled         = "task.task_cancelled"
	TaskHeartbeat         = "task.heartbeat"
)

// GlobalChannel is the firehose channel carrying every event.
const GlobalChannel = "tentackl:eventbus:events:all"

// TaskChannel returns the per-task channel name.
func TaskChannel(taskID string) string {
	return "task:events:" + taskID
}

// Terminal reports whether the topic ends an observe-execution stream.
func Terminal(topic string) bool {
	switch topic {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

type (
	// Event is the envelope published on the bus.
	Event struct {
		// Type is the topic (e.g. "task.step_completed").
		Type string `json:"type"`
		// TaskID links the event to a task.
		TaskID string `json:"task_id"`
		// StepID links the event to a step, when applicable.
		StepID string `json:"step_id,omitempty"`
		// Timestamp records publication time (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload carries topic-specific data.
		Payload map[string]any `json:"payload,omitempty"`
	}

	// Bus publishes events. Implementations must preserve per-task
	// ordering: events for one task are delivered in publish order.
	Bus interface {
		// Publish appends the event to the global and per-task channels.
		Publish(ctx context.Context, event Event) error
	}
)

// New builds an event with the timestamp stamped.
func New(topic, taskID, stepID string, payload map[string]any) Event {
	return Event{
		Type:      topic,
		TaskID:    taskID,
		StepID:    stepID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
