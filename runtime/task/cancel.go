package task

import "sync/atomic"

// CancelFlag is the per-task cancellation token propagated through the
// planning and execution paths. The flag is the single source of truth for
// cancellation: pipelines observe it at every await boundary and must not
// rely on raised errors for control flow.
type CancelFlag struct {
	cancelled atomic.Bool
}

// NewCancelFlag returns an unset flag.
func NewCancelFlag() *CancelFlag { return &CancelFlag{} }

// Cancel sets the flag. Idempotent.
func (f *CancelFlag) Cancel() { f.cancelled.Store(true) }

// Cancelled reports whether the flag is set. A nil flag is never
// cancelled, which lets call sites pass nil when cancellation does not
// apply (tests, trigger clones).
func (f *CancelFlag) Cancelled() bool {
	if f == nil {
		return false
	}
	return f.cancelled.Load()
}
