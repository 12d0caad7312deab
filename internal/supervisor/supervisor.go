// Package supervisor owns the lifetime of the agent's background workers.
//
// Start, Stop and Toggle move a worker slot through its lifecycle. They
// mark the transition under the state lock, then spawn or tear down with
// the lock released, then record the outcome under the lock again. A
// caller that finds a slot mid-transition waits for it to settle and
// re-reads it.
//
// Run is the dispatcher: the single consumer that applies bus messages to
// the state and converges the workers accordingly.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blockmesh/meshagent/internal/channels"
	"github.com/blockmesh/meshagent/internal/config"
	"github.com/blockmesh/meshagent/internal/state"
	"github.com/blockmesh/meshagent/internal/worker"
)

// maxRestarts is the per-session restart budget of a crashed worker.
// Past it the worker stays failed until the next login or user request.
const maxRestarts = 1

// Supervisor starts and stops workers and dispatches bus messages
type Supervisor struct {
	store    *state.Store
	bus      *channels.Bus
	rx       *channels.Receiver
	spawners map[worker.Kind]worker.Spawner
	logger   *slog.Logger

	stopGrace        time.Duration
	livenessInterval time.Duration

	// Lifecycle management
	running bool
	runMu   sync.Mutex
}

// New creates a Supervisor. It subscribes to the bus immediately so no
// message published after New returns is missed by the dispatcher.
func New(
	store *state.Store,
	bus *channels.Bus,
	spawners map[worker.Kind]worker.Spawner,
	cfg config.SupervisorConfig,
	logger *slog.Logger,
) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:            store,
		bus:              bus,
		rx:               bus.Subscribe(),
		spawners:         spawners,
		logger:           logger.With("component", "supervisor"),
		stopGrace:        cfg.StopGrace(),
		livenessInterval: cfg.LivenessInterval(),
	}
}

// Start spawns the worker. It is valid from stopped and failed. A spawn
// failure leaves the slot failed without a handle, publishes WorkerFailed
// and returns a *worker.SpawnError.
func (s *Supervisor) Start(ctx context.Context, kind worker.Kind) error {
	spawner, ok := s.spawners[kind]
	if !ok {
		return fmt.Errorf("%w: %s", worker.ErrUnknownWorker, kind)
	}

	var env worker.Env
	for {
		var wait <-chan struct{}
		err := s.store.WithState(func(app *state.AppState) error {
			slot, err := app.Worker(kind)
			if err != nil {
				return err
			}
			switch status := slot.Status(); {
			case status.Transitional():
				wait = slot.Settled()
				return nil
			case status == worker.StatusRunning:
				return fmt.Errorf("%w: %s", worker.ErrAlreadyRunning, kind)
			}
			env = app.Config.Env()
			return slot.Begin(worker.StatusStarting)
		})
		if err != nil {
			return err
		}
		if wait == nil {
			break
		}
		if err := s.waitSettled(ctx, wait); err != nil {
			return err
		}
	}

	return s.spawn(ctx, kind, spawner, env)
}

// spawn runs with the slot in starting and the lock released
func (s *Supervisor) spawn(ctx context.Context, kind worker.Kind, spawner worker.Spawner, env worker.Env) error {
	// The worker outlives the request that started it; only the handle
	// cancels it.
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	proc, err := spawner.Spawn(workerCtx, env)
	if err != nil {
		cancel()
		spawnErr := &worker.SpawnError{Worker: kind, Err: err}

		var attempt int
		serr := s.store.WithState(func(app *state.AppState) error {
			slot, err := app.Worker(kind)
			if err != nil {
				return err
			}
			slot.LastError = spawnErr.Error()
			attempt = slot.Restarts
			return slot.Settle(worker.StatusFailed, nil)
		})

		s.logger.Error("failed to spawn worker", "worker", kind, "error", err)
		s.publish(channels.WorkerFailed{
			Worker:  kind.String(),
			Reason:  spawnErr.Error(),
			Attempt: attempt,
			At:      time.Now(),
		})
		if serr != nil {
			return errors.Join(spawnErr, serr)
		}
		return spawnErr
	}

	h := worker.NewHandle(kind, proc, cancel)
	err = s.store.WithState(func(app *state.AppState) error {
		slot, err := app.Worker(kind)
		if err != nil {
			return err
		}
		return slot.Settle(worker.StatusRunning, h)
	})
	if err != nil {
		// Nobody owns the process; tear it down before reporting
		if stopErr := h.Stop(s.stopGrace); stopErr != nil {
			s.logger.Warn("failed to tear down orphaned worker", "worker", kind, "error", stopErr)
		}
		return err
	}

	s.logger.Info("worker started", "worker", kind, "id", h.ID())
	return nil
}

// Stop tears the worker down. It is valid from running; on stopped or
// failed it does nothing and publishes nothing. A worker that ignores the
// termination request is killed and worker.ErrTeardownTimeout is returned;
// the slot is stopped either way.
func (s *Supervisor) Stop(ctx context.Context, kind worker.Kind) error {
	var h *worker.Handle
	for {
		var wait <-chan struct{}
		noop := false
		err := s.store.WithState(func(app *state.AppState) error {
			slot, err := app.Worker(kind)
			if err != nil {
				return err
			}
			switch slot.Status() {
			case worker.StatusStarting, worker.StatusStopping:
				wait = slot.Settled()
				return nil
			case worker.StatusStopped, worker.StatusFailed:
				noop = true
				return nil
			}
			h = slot.Handle()
			return slot.Begin(worker.StatusStopping)
		})
		if err != nil {
			return err
		}
		if noop {
			return nil
		}
		if wait == nil {
			break
		}
		if err := s.waitSettled(ctx, wait); err != nil {
			return err
		}
	}

	stopErr := h.Stop(s.stopGrace)
	if stopErr != nil {
		s.logger.Warn("worker did not stop cleanly", "worker", kind, "id", h.ID(), "error", stopErr)
	}

	err := s.store.WithState(func(app *state.AppState) error {
		slot, err := app.Worker(kind)
		if err != nil {
			return err
		}
		return slot.Settle(worker.StatusStopped, nil)
	})
	if err != nil {
		return errors.Join(stopErr, err)
	}

	s.logger.Info("worker stopped", "worker", kind, "id", h.ID())
	return stopErr
}

// Toggle stops a running worker or starts a stopped one and returns the
// resulting status
func (s *Supervisor) Toggle(ctx context.Context, kind worker.Kind) (worker.Status, error) {
	status, err := s.settledStatus(ctx, kind)
	if err != nil {
		return status, err
	}

	if status == worker.StatusRunning {
		if err := s.Stop(ctx, kind); err != nil && !errors.Is(err, worker.ErrTeardownTimeout) {
			return status, err
		}
		return worker.StatusStopped, nil
	}

	if err := s.Start(ctx, kind); err != nil {
		return worker.StatusFailed, err
	}
	return worker.StatusRunning, nil
}

// Status returns the worker's current status
func (s *Supervisor) Status(kind worker.Kind) (worker.Status, error) {
	var status worker.Status
	err := s.store.WithState(func(app *state.AppState) error {
		slot, err := app.Worker(kind)
		if err != nil {
			return err
		}
		status = slot.Status()
		return nil
	})
	return status, err
}

// settledStatus waits out any transition in flight and returns the status
func (s *Supervisor) settledStatus(ctx context.Context, kind worker.Kind) (worker.Status, error) {
	for {
		var status worker.Status
		var wait <-chan struct{}
		err := s.store.WithState(func(app *state.AppState) error {
			slot, err := app.Worker(kind)
			if err != nil {
				return err
			}
			status = slot.Status()
			if status.Transitional() {
				wait = slot.Settled()
			}
			return nil
		})
		if err != nil || wait == nil {
			return status, err
		}
		if err := s.waitSettled(ctx, wait); err != nil {
			return status, err
		}
	}
}

func (s *Supervisor) waitSettled(ctx context.Context, settled <-chan struct{}) error {
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every worker in logout order. Teardown timeouts are
// logged and do not interrupt the sequence.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping all workers")

	var errs []error
	for _, kind := range worker.ShutdownOrder {
		if err := s.Stop(ctx, kind); err != nil && !errors.Is(err, worker.ErrTeardownTimeout) {
			errs = append(errs, fmt.Errorf("failed to stop %s: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) publish(msg channels.Message) {
	if _, err := s.bus.Publish(msg); err != nil {
		s.logger.Warn("failed to publish message", "kind", msg.Kind(), "error", err)
	}
}
