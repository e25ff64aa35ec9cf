// Package inmem provides an in-memory inbox.Port for tests and
// single-instance deployments.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tentackl/tentackl/runtime/task/inbox"
)

// Inbox implements inbox.Port in memory. Thread-safe.
type Inbox struct {
	mu            sync.RWMutex
	conversations map[string]inbox.Conversation // keyed by task id
	messages      []inbox.Message
	users         map[string]string // task id -> user id
}

// New constructs an empty inbox.
func New() *Inbox {
	return &Inbox{
		conversations: make(map[string]inbox.Conversation),
		users:         make(map[string]string),
	}
}

// EnsureConversation returns the task's conversation, creating it if
// missing.
func (i *Inbox) EnsureConversation(_ context.Context, taskID, userID string) (inbox.Conversation, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if c, ok := i.conversations[taskID]; ok {
		return c, nil
	}
	c := inbox.Conversation{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	i.conversations[taskID] = c
	i.users[taskID] = userID
	return c, nil
}

// AddStepMessage posts a step progress message.
func (i *Inbox) AddStepMessage(ctx context.Context, taskID, stepID, title, body string) error {
	return i.add(ctx, taskID, stepID, inbox.KindStep, title, body)
}

// AddCheckpointMessage posts a checkpoint request message.
func (i *Inbox) AddCheckpointMessage(ctx context.Context, taskID, stepID, title, body string) error {
	return i.add(ctx, taskID, stepID, inbox.KindCheckpoint, title, body)
}

// AddCheckpointResolutionMessage records a checkpoint resolution.
func (i *Inbox) AddCheckpointResolutionMessage(ctx context.Context, taskID, stepID, resolution, feedback string) error {
	body := resolution
	if feedback != "" {
		body = fmt.Sprintf("%s: %s", resolution, feedback)
	}
	return i.add(ctx, taskID, stepID, inbox.KindCheckpointResolution, "Checkpoint "+resolution, body)
}

// AddCompletionMessage posts the terminal task summary.
func (i *Inbox) AddCompletionMessage(ctx context.Context, taskID, title, body string) error {
	return i.add(ctx, taskID, "", inbox.KindCompletion, title, body)
}

// CheckFileUsage reports whether any message references the file.
func (i *Inbox) CheckFileUsage(_ context.Context, fileID string) (bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, m := range i.messages {
		for _, ref := range m.FileRefs {
			if ref == fileID {
				return true, nil
			}
		}
	}
	return false, nil
}

// List returns a user's messages, newest first.
func (i *Inbox) List(_ context.Context, userID string, limit int) ([]inbox.Message, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	var out []inbox.Message
	for _, m := range i.messages {
		if i.users[m.TaskID] == userID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateStatus moves a message between unread/read/archived.
func (i *Inbox) UpdateStatus(_ context.Context, messageID, status string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx := range i.messages {
		if i.messages[idx].ID == messageID {
			i.messages[idx].Status = status
			return nil
		}
	}
	return fmt.Errorf("message %s not found", messageID)
}

// GetThread returns the task's messages in post order.
func (i *Inbox) GetThread(_ context.Context, taskID string) ([]inbox.Message, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	var out []inbox.Message
	for _, m := range i.messages {
		if m.TaskID == taskID {
			out = append(out, m)
		}
	}
	return out, nil
}

// CreateFollowUp creates a follow-up conversation linked to the task.
func (i *Inbox) CreateFollowUp(ctx context.Context, taskID, userID, title string) (string, error) {
	c, err := i.EnsureConversation(ctx, taskID+":followup", userID)
	if err != nil {
		return "", err
	}
	if err := i.add(ctx, taskID+":followup", "", inbox.KindStep, title, ""); err != nil {
		return "", err
	}
	return c.ID, nil
}

func (i *Inbox) add(_ context.Context, taskID, stepID, kind, title, body string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	conv, ok := i.conversations[taskID]
	if !ok {
		conv = inbox.Conversation{
			ID:        uuid.NewString(),
			TaskID:    taskID,
			CreatedAt: time.Now().UTC(),
		}
		i.conversations[taskID] = conv
	}
	i.messages = append(i.messages, inbox.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		TaskID:         taskID,
		StepID:         stepID,
		Kind:           kind,
		Title:          title,
		Body:           body,
		Status:         inbox.StatusUnread,
		CreatedAt:      time.Now().UTC(),
	})
	return nil
}
