// Package stream defines the per-task event stream port backing the
// observe-execution endpoint. Subscribers attach to one task each; the
// stream replays recent events on request and delivers live events until a
// terminal topic arrives or the subscriber detaches.
//
// The observe loop is cooperative: one subscriber per (task, caller), and
// the runtime emits a heartbeat event every HeartbeatInterval so idle SSE
// connections stay alive (framing: `data: <json>\n\n`, heartbeat lines
// `: heartbeat\n\n`).
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/tentackl/tentackl/runtime/task/bus"
)

// HeartbeatInterval is the idle keep-alive period for observe streams.
const HeartbeatInterval = 30 * time.Second

// ErrSubscriberExists indicates the (task, caller) pair already holds a
// subscription; a caller gets at most one stream per task.
var ErrSubscriberExists = errors.New("subscriber already registered for task")

type (
	// Subscription is a live event feed for one task.
	Subscription interface {
		// Events returns the delivery channel. The channel closes when a
		// terminal event is delivered or the subscription is closed.
		Events() <-chan bus.Event

		// Close detaches the subscriber and releases resources.
		Close(ctx context.Context) error
	}

	// Stream is the per-task event stream port.
	Stream interface {
		// Subscribe attaches a caller to the task's event feed. Returns
		// ErrSubscriberExists if the caller already holds a subscription
		// for this task.
		Subscribe(ctx context.Context, taskID, caller string) (Subscription, error)

		// Recent returns up to limit most recent events for replay, oldest
		// first. A non-positive limit returns all retained events.
		Recent(ctx context.Context, taskID string, limit int) ([]bus.Event, error)

		// Close releases all subscriptions for the task, typically after a
		// terminal event.
		Close(ctx context.Context, taskID string) error
	}
)
