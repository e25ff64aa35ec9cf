// Package inbox defines the conversation/inbox port: user-facing messages
// produced as a task progresses (step updates, checkpoint requests and
// resolutions, completion summaries). Concrete transports (email, Slack,
// web inbox) live outside the core; the port only shapes the messages.
package inbox

import (
	"context"
	"time"
)

// Message kinds.
const (
	KindStep                 = "step"
	KindCheckpoint           = "checkpoint"
	KindCheckpointResolution = "checkpoint_resolution"
	KindCompletion           = "completion"
)

// Message statuses.
const (
	StatusUnread   = "unread"
	StatusRead     = "read"
	StatusArchived = "archived"
)

type (
	// Message is one user-facing inbox entry.
	Message struct {
		// ID is the message identifier.
		ID string `json:"id"`
		// ConversationID threads messages per task.
		ConversationID string `json:"conversation_id"`
		// TaskID and StepID locate the source of the message.
		TaskID string `json:"task_id"`
		StepID string `json:"step_id,omitempty"`
		// Kind is one of the Kind* constants.
		Kind string `json:"kind"`
		// Title is the short display line.
		Title string `json:"title"`
		// Body is the full message text.
		Body string `json:"body,omitempty"`
		// Status is one of the Status* constants.
		Status string `json:"status"`
		// FileRefs lists file identifiers referenced by the message.
		FileRefs []string `json:"file_refs,omitempty"`
		// CreatedAt records message creation (UTC).
		CreatedAt time.Time `json:"created_at"`
	}

	// Conversation threads all messages for one task and user.
	Conversation struct {
		// ID is the conversation identifier.
		ID string `json:"id"`
		// TaskID is the task the conversation belongs to.
		TaskID string `json:"task_id"`
		// UserID is the recipient.
		UserID string `json:"user_id"`
		// CreatedAt records conversation creation (UTC).
		CreatedAt time.Time `json:"created_at"`
	}

	// Port is the conversation/inbox interface consumed by the runtime and
	// the step-execution pipeline.
	Port interface {
		// EnsureConversation returns the task's conversation, creating it
		// if missing.
		EnsureConversation(ctx context.Context, taskID, userID string) (Conversation, error)

		// AddStepMessage posts a step progress message.
		AddStepMessage(ctx context.Context, taskID, stepID, title, body string) error

		// AddCheckpointMessage posts a message asking the user to resolve
		// a checkpoint.
		AddCheckpointMessage(ctx context.Context, taskID, stepID, title, body string) error

		// AddCheckpointResolutionMessage records how a checkpoint was
		// resolved.
		AddCheckpointResolutionMessage(ctx context.Context, taskID, stepID, resolution, feedback string) error

		// AddCompletionMessage posts the terminal task summary (completed,
		// failed, or awaiting approval) with step counts.
		AddCompletionMessage(ctx context.Context, taskID, title, body string) error

		// CheckFileUsage reports whether any message references the file.
		CheckFileUsage(ctx context.Context, fileID string) (bool, error)

		// List returns inbox messages for a user, newest first.
		List(ctx context.Context, userID string, limit int) ([]Message, error)

		// UpdateStatus moves a message between unread/read/archived.
		UpdateStatus(ctx context.Context, messageID, status string) error

		// GetThread returns the task's messages in post order.
		GetThread(ctx context.Context, taskID string) ([]Message, error)

		// CreateFollowUp creates a follow-up conversation linked to the
		// task, returning its id.
		CreateFollowUp(ctx context.Context, taskID, userID, title string) (string, error)
	}
)
