// Package pulse implements the durable step-dispatch queue on Pulse
// dedicated worker pools over Redis. The orchestrator side enqueues one
// job per ready step; worker processes attach a handler that runs the
// step-execution use-case for every delivery.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pulsepool "goa.design/pulse/pool"

	clientspool "github.com/tentackl/tentackl/features/queue/pulse/clients/pool"
	"github.com/tentackl/tentackl/runtime/task/queue"
	"github.com/tentackl/tentackl/runtime/task/telemetry"
)

// DefaultPoolName is the Pulse pool shared by dispatchers and workers.
const DefaultPoolName = "tentackl:steps"

type (
	// QueueOptions configures the dispatch side.
	QueueOptions struct {
		// Node is the Pulse pool node. Required.
		Node clientspool.Node
		// Logger reports dispatch failures.
		Logger telemetry.Logger
	}

	// Queue implements queue.Queue by dispatching Pulse pool jobs.
	Queue struct {
		node   clientspool.Node
		logger telemetry.Logger
	}

	// WorkerOptions configures the consumer side.
	WorkerOptions struct {
		// Node is the Pulse pool node. Required.
		Node clientspool.Node
		// Handler executes one work item per delivery. Required.
		Handler queue.Handler
		// Logger reports execution failures.
		Logger telemetry.Logger
	}

	// Worker consumes step dispatches from the pool.
	Worker struct {
		node    clientspool.Node
		handler queue.Handler
		logger  telemetry.Logger
	}

	// jobRunner adapts queue.Handler to the Pulse JobHandler contract.
	// Step jobs are one-shot: Start runs the handler in a goroutine and
	// stops the job when it returns.
	jobRunner struct {
		worker *Worker
	}
)

// NewQueue constructs the dispatch side.
func NewQueue(opts QueueOptions) (*Queue, error) {
	if opts.Node == nil {
		return nil, errors.New("pool node is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Queue{node: opts.Node, logger: logger}, nil
}

// Enqueue dispatches the work item to the pool. The job key embeds task
// and step ids so redeliveries of the same step route to one worker.
func (q *Queue) Enqueue(ctx context.Context, item queue.WorkItem) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	if err := q.node.DispatchJob(ctx, jobKey(item), payload); err != nil {
		return fmt.Errorf("dispatch step job: %w", err)
	}
	q.logger.Debug(ctx, "step dispatched", "task_id", item.TaskID, "step_id", item.StepID)
	return nil
}

// NewWorker constructs the consumer side and registers its handler on the
// pool node.
func NewWorker(ctx context.Context, opts WorkerOptions) (*Worker, error) {
	if opts.Node == nil {
		return nil, errors.New("pool node is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	w := &Worker{node: opts.Node, handler: opts.Handler, logger: logger}
	if err := opts.Node.AddWorker(ctx, &jobRunner{worker: w}); err != nil {
		return nil, fmt.Errorf("add pool worker: %w", err)
	}
	return w, nil
}

// Start begins executing the delivered job. The heavy lifting happens in a
// goroutine so the pool's job-start ack is not delayed by step execution.
func (r *jobRunner) Start(job *pulsepool.Job) error {
	var item queue.WorkItem
	if err := json.Unmarshal(job.Payload, &item); err != nil {
		return fmt.Errorf("unmarshal work item: %w", err)
	}
	w := r.worker
	go func() {
		ctx := context.Background()
		if err := w.handler(ctx, item); err != nil {
			w.logger.Error(ctx, "step execution failed",
				"task_id", item.TaskID, "step_id", item.StepID, "err", err)
		}
		if err := w.node.StopJob(ctx, job.Key); err != nil {
			w.logger.Warn(ctx, "stop job failed", "job_key", job.Key, "err", err)
		}
	}()
	return nil
}

// Stop acknowledges job completion. One-shot step jobs have nothing to
// tear down.
func (r *jobRunner) Stop(string) error { return nil }

func jobKey(item queue.WorkItem) string {
	return item.TaskID + ":" + item.StepID
}
