// Package scheduler wraps the execution tree and dispatches ready steps.
// Two modes exist: queue mode hands each ready step to the durable queue
// for pool workers, and in-process mode invokes the step-execution
// use-case directly. The tree remains the single source of readiness; the
// scheduler never inspects step records outside the tree port.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/tentackl/tentackl/runtime/task/queue"
	"github.com/tentackl/tentackl/runtime/task/telemetry"
	"github.com/tentackl/tentackl/runtime/task/tree"
)

type (
	// ExecuteFunc runs one step in-process. Wired to the step-execution
	// use-case at composition time.
	ExecuteFunc func(ctx context.Context, taskID, stepID string) error

	// Options configures the scheduler. Tree is required; exactly one of
	// Queue and Execute selects the mode.
	Options struct {
		Tree    tree.Port
		Queue   queue.Queue
		Execute ExecuteFunc
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Scheduler dispatches ready tree nodes.
	Scheduler struct {
		tree    tree.Port
		queue   queue.Queue
		execute ExecuteFunc
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}
)

// New constructs the scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Tree == nil {
		return nil, fmt.Errorf("scheduler: tree is required")
	}
	if (opts.Queue == nil) == (opts.Execute == nil) {
		return nil, fmt.Errorf("scheduler: exactly one of queue and execute must be set")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Scheduler{
		tree:    opts.Tree,
		queue:   opts.Queue,
		execute: opts.Execute,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// ScheduleReadyNodes dispatches every pending node whose dependencies are
// all in a terminal success state and returns the count dispatched. A
// dispatch failure stops the pass and reports both the partial count and
// the error.
func (s *Scheduler) ScheduleReadyNodes(ctx context.Context, taskID string) (int, error) {
	ready, err := s.tree.ReadyNodes(ctx, taskID)
	if err != nil {
		return 0, err
	}
	scheduled := 0
	for _, node := range ready {
		if err := s.dispatch(ctx, taskID, node); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	if scheduled > 0 {
		s.metrics.IncCounter("scheduler.nodes_scheduled", float64(scheduled), "task_id", taskID)
		s.logger.Debug(ctx, "scheduled ready nodes", "task_id", taskID, "count", scheduled)
	}
	return scheduled, nil
}

func (s *Scheduler) dispatch(ctx context.Context, taskID string, node tree.Node) error {
	if s.queue != nil {
		return s.queue.Enqueue(ctx, queue.WorkItem{
			TaskID:     taskID,
			StepID:     node.StepID,
			EnqueuedAt: time.Now().UTC(),
		})
	}
	return s.execute(ctx, taskID, node.StepID)
}
