// Package worker provides cancellable handles for the agent's long-running
// background activities: the mining subprocess and the reporting loops.
//
// A Spawner starts a Process. The resulting Handle is owned by a Slot,
// which enforces the lifecycle
//
//	stopped -> starting -> running -> stopping -> stopped
//	starting | running -> failed
//
// Slots are plain data guarded by the caller's lock; waiting on a Handle
// always happens outside that lock.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies one of the supervised workers
type Kind string

const (
	KindMiner      Kind = "miner"
	KindUptime     Kind = "uptime_reporter"
	KindTaskPuller Kind = "task_puller"
)

// ShutdownOrder is the order in which workers are stopped on logout.
// The miner goes first to release local resources; the reporters still
// hold a valid session while they wind down.
var ShutdownOrder = []Kind{KindMiner, KindUptime, KindTaskPuller}

// String returns the kind as a plain string
func (k Kind) String() string {
	return string(k)
}

var (
	// ErrTeardownTimeout is returned by Handle.Stop when the worker did not
	// confirm shutdown within the grace period and was force-terminated.
	ErrTeardownTimeout = errors.New("worker teardown timed out")

	// ErrAlreadyRunning is returned when starting a worker that runs
	ErrAlreadyRunning = errors.New("worker already running")

	// ErrInvalidTransition is returned by Slot for transitions outside the lifecycle
	ErrInvalidTransition = errors.New("invalid worker state transition")

	// ErrUnknownWorker is returned for a Kind with no slot or spawner
	ErrUnknownWorker = errors.New("unknown worker")
)

// SpawnError reports that a worker could not be started. It is not fatal:
// the slot is left without a handle and the failure is published.
type SpawnError struct {
	Worker Kind
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Worker, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Env is the session snapshot a worker reads once at start
type Env struct {
	DeviceID  uuid.UUID
	Email     string
	APIToken  string
	ServerURL string
}

// Process is a started worker instance
type Process interface {
	// ID is the OS pid for subprocesses or a generated task id for loops
	ID() string
	// Done is closed once the worker has fully exited
	Done() <-chan struct{}
	// Err returns the exit error after Done is closed, nil before
	Err() error
	// Terminate asks the worker to shut down cleanly
	Terminate() error
	// Kill forces termination where the platform allows it
	Kill() error
}

// Spawner starts a Process. ctx bounds the worker's lifetime.
type Spawner interface {
	Spawn(ctx context.Context, env Env) (Process, error)
}

// SpawnFunc adapts a function to the Spawner interface
type SpawnFunc func(ctx context.Context, env Env) (Process, error)

// Spawn calls f(ctx, env)
func (f SpawnFunc) Spawn(ctx context.Context, env Env) (Process, error) {
	return f(ctx, env)
}
