package worker

import (
	"fmt"
	"slices"
	"time"
)

// Status is the lifecycle state of a worker
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusFailed   Status = "failed"
)

// String returns the status as a plain string
func (s Status) String() string {
	return string(s)
}

// Transitional reports whether s is an intermediate state
func (s Status) Transitional() bool {
	return s == StatusStarting || s == StatusStopping
}

// transitions lists the allowed next states. starting -> stopped covers a
// spawn abandoned during shutdown; failed -> stopped is a session reset.
var transitions = map[Status][]Status{
	StatusStopped:  {StatusStarting},
	StatusStarting: {StatusRunning, StatusFailed, StatusStopped},
	StatusRunning:  {StatusStopping, StatusFailed},
	StatusStopping: {StatusStopped},
	StatusFailed:   {StatusStarting, StatusStopped},
}

func canTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

var settledClosed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Slot holds one worker's lifecycle state and its handle. It is not
// synchronized; callers mutate it only while holding the state lock.
//
// Invariant: the handle is non-nil iff the status is running or stopping.
type Slot struct {
	Kind Kind

	// Restarts counts automatic restarts consumed in the current session
	Restarts int
	// Terminal is set once the restart budget is exhausted
	Terminal bool
	// PendingFailure marks a failure not yet handled by the dispatcher
	PendingFailure bool
	// LastError is the most recent failure reason
	LastError string

	status  Status
	handle  *Handle
	settled chan struct{}
}

// NewSlot returns a stopped slot
func NewSlot(kind Kind) *Slot {
	return &Slot{
		Kind:    kind,
		status:  StatusStopped,
		settled: settledClosed,
	}
}

// Status returns the current status
func (s *Slot) Status() Status {
	return s.status
}

// Handle returns the current handle, nil unless running or stopping
func (s *Slot) Handle() *Handle {
	return s.handle
}

// Settled returns a channel closed once the slot leaves its current
// transitional state. For a settled slot it is already closed.
func (s *Slot) Settled() <-chan struct{} {
	return s.settled
}

// Begin enters starting or stopping
func (s *Slot) Begin(to Status) error {
	if !to.Transitional() {
		return fmt.Errorf("%w: %s cannot begin %s", ErrInvalidTransition, s.Kind, to)
	}
	if err := s.check(to); err != nil {
		return err
	}
	s.status = to
	s.settled = make(chan struct{})
	return nil
}

// Settle leaves a transitional state. h is kept only when to is running.
func (s *Slot) Settle(to Status, h *Handle) error {
	if !s.status.Transitional() {
		return fmt.Errorf("%w: %s is %s, nothing to settle", ErrInvalidTransition, s.Kind, s.status)
	}
	if err := s.check(to); err != nil {
		return err
	}
	if to == StatusRunning {
		if h == nil {
			return fmt.Errorf("%w: %s cannot run without a handle", ErrInvalidTransition, s.Kind)
		}
		s.handle = h
	} else {
		s.handle = nil
	}
	if to == StatusFailed {
		s.PendingFailure = true
	}
	s.status = to
	close(s.settled)
	s.settled = settledClosed
	return nil
}

// Fail moves a running slot to failed after its worker exited on its own.
// The detached handle is returned so the caller can release it.
func (s *Slot) Fail(reason string) (*Handle, error) {
	if err := s.check(StatusFailed); err != nil {
		return nil, err
	}
	h := s.handle
	s.handle = nil
	s.status = StatusFailed
	s.PendingFailure = true
	s.LastError = reason
	return h, nil
}

// Reset clears failure bookkeeping for a new session. A failed slot
// returns to stopped; other states are kept.
func (s *Slot) Reset() {
	if s.status == StatusFailed {
		s.status = StatusStopped
	}
	s.Restarts = 0
	s.Terminal = false
	s.PendingFailure = false
	s.LastError = ""
}

func (s *Slot) check(to Status) error {
	if !canTransition(s.status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, s.Kind, s.status, to)
	}
	return nil
}

// SlotSnapshot is a copy of a slot safe to use outside the lock
type SlotSnapshot struct {
	Kind      Kind      `json:"kind"`
	Status    Status    `json:"status"`
	ID        string    `json:"id,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Restarts  int       `json:"restarts"`
	Terminal  bool      `json:"terminal"`
	LastError string    `json:"last_error,omitempty"`
}

// Snapshot copies the slot
func (s *Slot) Snapshot() SlotSnapshot {
	snap := SlotSnapshot{
		Kind:      s.Kind,
		Status:    s.status,
		Restarts:  s.Restarts,
		Terminal:  s.Terminal,
		LastError: s.LastError,
	}
	if s.handle != nil {
		snap.ID = s.handle.ID()
		snap.StartedAt = s.handle.StartedAt()
	}
	return snap
}
