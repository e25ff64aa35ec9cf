package task

import (
	"errors"
	"fmt"
)

// Kind classifies errors surfaced from the core so transports can map them
// to status codes without string matching.
type Kind string

const (
	// KindValidation indicates a malformed goal, spec, or template.
	KindValidation Kind = "validation"
	// KindNotFound indicates a missing task or step.
	KindNotFound Kind = "not_found"
	// KindForbidden indicates an ownership mismatch.
	KindForbidden Kind = "forbidden"
	// KindInvalidTransition indicates the status machine rejected a move.
	KindInvalidTransition Kind = "invalid_transition"
	// KindCancelled indicates a cancellation flag was observed.
	KindCancelled Kind = "cancelled"
	// KindPlanningFailed indicates all planner retries were exhausted.
	KindPlanningFailed Kind = "planning_failed"
	// KindCheckpointRequired indicates a group is blocked on approval.
	KindCheckpointRequired Kind = "checkpoint_required"
	// KindUnrecoverable indicates a blocked state with no recovery path.
	KindUnrecoverable Kind = "unrecoverable_failure"
	// KindDependencyUnavailable indicates a backing resource is unreachable.
	KindDependencyUnavailable Kind = "dependency_unavailable"
)

// Error is the structured error type returned by core use-cases. It carries
// a Kind for classification plus optional task/step context.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Msg is the human-readable message.
	Msg string
	// TaskID identifies the task involved, when known.
	TaskID string
	// StepID identifies the step involved, when known.
	StepID string
	// Current carries the current status for invalid-transition errors.
	Current Status
	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same Kind so callers can compare against the
// sentinel constructors below.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return te.Kind == e.Kind
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// ErrNotFound reports a missing task.
func ErrNotFound(taskID string) *Error {
	return &Error{Kind: KindNotFound, Msg: "task not found", TaskID: taskID}
}

// ErrStepNotFound reports a missing step within a task.
func ErrStepNotFound(taskID, stepID string) *Error {
	return &Error{Kind: KindNotFound, Msg: "step not found", TaskID: taskID, StepID: stepID}
}

// ErrForbidden reports an ownership mismatch.
func ErrForbidden(taskID string) *Error {
	return &Error{Kind: KindForbidden, Msg: "caller does not own task", TaskID: taskID}
}

// ErrInvalidTransition reports a rejected status move, carrying the current
// status for the caller.
func ErrInvalidTransition(taskID string, current, next Status) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Msg:     fmt.Sprintf("cannot transition from %s to %s", current, next),
		TaskID:  taskID,
		Current: current,
	}
}

// ErrCancelled reports an observed cancellation.
func ErrCancelled(taskID string) *Error {
	return &Error{Kind: KindCancelled, Msg: "task cancelled", TaskID: taskID}
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	return te.Kind == kind
}
