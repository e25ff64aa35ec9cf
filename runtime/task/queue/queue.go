// Package queue defines the durable work-dispatch port used in queue
// scheduling mode: the scheduler enqueues one item per ready step and pool
// workers consume them. In-process mode bypasses this port entirely.
package queue

import (
	"context"
	"time"
)

type (
	// WorkItem is one step dispatch handed to the queue runtime.
	WorkItem struct {
		// TaskID and StepID locate the step to execute.
		TaskID string `json:"task_id"`
		StepID string `json:"step_id"`
		// OrgID routes the item for tenant-scoped workers.
		OrgID string `json:"org_id,omitempty"`
		// EnqueuedAt records dispatch time (UTC).
		EnqueuedAt time.Time `json:"enqueued_at"`
	}

	// Queue dispatches work items to the worker pool.
	Queue interface {
		// Enqueue appends the item durably. Workers pick it up at-least-once;
		// the step-execution pipeline is idempotent on redelivery.
		Enqueue(ctx context.Context, item WorkItem) error
	}

	// Handler executes one dequeued work item. Workers call it for every
	// delivery.
	Handler func(ctx context.Context, item WorkItem) error
)
