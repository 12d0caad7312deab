package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Handle wraps a running Process with its cancellation signal
type Handle struct {
	kind      Kind
	proc      Process
	cancel    context.CancelFunc
	startedAt time.Time
}

// NewHandle wraps proc. cancel is invoked when the handle is released.
func NewHandle(kind Kind, proc Process, cancel context.CancelFunc) *Handle {
	if cancel == nil {
		cancel = func() {}
	}
	return &Handle{
		kind:      kind,
		proc:      proc,
		cancel:    cancel,
		startedAt: time.Now(),
	}
}

// Kind returns the worker kind
func (h *Handle) Kind() Kind {
	return h.kind
}

// ID returns the process or task identity
func (h *Handle) ID() string {
	return h.proc.ID()
}

// StartedAt returns when the handle was created
func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

// Alive reports whether the worker is still running. It never blocks.
func (h *Handle) Alive() bool {
	select {
	case <-h.proc.Done():
		return false
	default:
		return true
	}
}

// Err returns the exit error of a finished worker
func (h *Handle) Err() error {
	return h.proc.Err()
}

// Release cancels the worker context. Safe to call more than once.
func (h *Handle) Release() {
	h.cancel()
}

// Stop terminates the worker and waits up to grace for it to exit.
// If it does not, the worker is killed and ErrTeardownTimeout is returned
// after at most one more grace period. Stop on an exited worker returns nil.
func (h *Handle) Stop(grace time.Duration) error {
	defer h.Release()

	if !h.Alive() {
		return nil
	}

	// A failed signal is covered by the Kill below
	_ = h.proc.Terminate()
	h.cancel()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.proc.Done():
		return nil
	case <-timer.C:
	}

	killErr := h.proc.Kill()
	timer.Reset(grace)

	select {
	case <-h.proc.Done():
	case <-timer.C:
	}

	err := fmt.Errorf("%w: %s %s did not exit within %v", ErrTeardownTimeout, h.kind, h.ID(), grace)
	if killErr != nil {
		return errors.Join(err, fmt.Errorf("force kill: %w", killErr))
	}
	return err
}
