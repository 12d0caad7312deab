package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blockmesh/meshagent/internal/channels"
	"github.com/blockmesh/meshagent/internal/state"
	"github.com/blockmesh/meshagent/internal/worker"
)

// Run is the dispatcher loop. It drains the bus, applying each message,
// and checks worker liveness on every tick. It blocks until ctx is
// cancelled or a fatal error occurs: the bus closing or the state
// becoming unavailable.
func (s *Supervisor) Run(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	s.running = true
	s.runMu.Unlock()

	defer func() {
		s.runMu.Lock()
		s.running = false
		s.runMu.Unlock()
	}()

	s.logger.Info("starting dispatcher",
		"liveness_interval", s.livenessInterval,
		"stop_grace", s.stopGrace,
		"max_restarts", maxRestarts,
	)

	ticker := time.NewTicker(s.livenessInterval)
	defer ticker.Stop()

	for {
		if err := s.drain(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			s.logger.Info("dispatcher stopped")
			return nil
		case <-s.rx.Ready():
		case <-ticker.C:
			if err := s.checkLiveness(); err != nil {
				return fmt.Errorf("liveness check failed: %w", err)
			}
		}
	}
}

// drain applies every buffered message
func (s *Supervisor) drain(ctx context.Context) error {
	for ctx.Err() == nil {
		msg, err := s.rx.TryRecv()

		var lagged *channels.LaggedError
		switch {
		case errors.Is(err, channels.ErrEmpty):
			return nil
		case errors.As(err, &lagged):
			s.logger.Warn("dispatcher lagged, reconciling", "missed", lagged.Missed)
			err = s.reconcile(ctx)
		case errors.Is(err, channels.ErrClosed):
			return fmt.Errorf("dispatcher bus: %w", err)
		case err != nil:
			return err
		default:
			err = s.dispatch(ctx, msg)
		}

		if errors.Is(err, state.ErrStateUnavailable) {
			return err
		}
		if err != nil {
			s.logger.Error("failed to handle message", "error", err)
		}
	}
	return nil
}

func (s *Supervisor) dispatch(ctx context.Context, msg channels.Message) error {
	s.logger.Debug("dispatching", "kind", msg.Kind(), "message", msg)

	switch m := msg.(type) {
	case channels.AuthChanged:
		if m.LoggedIn {
			return s.handleLogin(ctx)
		}
		return s.handleLogout(ctx, m)
	case channels.MinerToggled:
		return s.convergeMiner(ctx, m.On)
	case channels.ReportTick:
		return s.handleReport(m)
	case channels.WorkerFailed:
		return s.handleWorkerFailed(ctx, m)
	default:
		s.logger.Warn("unknown message kind", "kind", msg.Kind())
		return nil
	}
}

// handleLogout stops the miner, the uptime reporter and the task puller in
// that order, then clears the session token. A logout older than the
// current session is stale and ignored.
func (s *Supervisor) handleLogout(ctx context.Context, m channels.AuthChanged) error {
	stale := false
	err := s.store.WithState(func(app *state.AppState) error {
		stale = m.At.Before(app.Config.SessionStartedAt)
		return nil
	})
	if err != nil {
		return err
	}
	if stale {
		s.logger.Info("ignoring logout older than the current session", "logout_at", m.At)
		return nil
	}

	for _, kind := range worker.ShutdownOrder {
		if err := s.Stop(ctx, kind); err != nil && !errors.Is(err, worker.ErrTeardownTimeout) {
			return fmt.Errorf("failed to stop %s on logout: %w", kind, err)
		}
	}

	err = s.store.WithState(func(app *state.AppState) error {
		if m.At.Before(app.Config.SessionStartedAt) {
			return nil
		}
		app.Config.ClearSession()
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("session ended, workers stopped")
	return nil
}

// handleLogin starts the session workers with fresh restart budgets
func (s *Supervisor) handleLogin(ctx context.Context) error {
	var kinds []worker.Kind
	err := s.store.WithState(func(app *state.AppState) error {
		if !app.Config.LoggedIn() {
			return nil
		}
		for _, slot := range app.Slots() {
			slot.Reset()
		}
		kinds = append(kinds, worker.KindUptime, worker.KindTaskPuller)
		if app.Config.MinerEnabled {
			kinds = append(kinds, worker.KindMiner)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(kinds) == 0 {
		s.logger.Warn("ignoring login event without a session token")
		return nil
	}

	s.logger.Info("session started", "workers", kinds)
	return s.startAll(ctx, kinds)
}

// convergeMiner brings the miner to the requested state. A start is only
// attempted while a session exists.
func (s *Supervisor) convergeMiner(ctx context.Context, on bool) error {
	if !on {
		return s.ignoreTeardownTimeout(s.Stop(ctx, worker.KindMiner))
	}

	loggedIn := false
	err := s.store.WithState(func(app *state.AppState) error {
		loggedIn = app.Config.LoggedIn()
		// A user request gets a fresh restart budget
		if app.Miner.Status() == worker.StatusFailed {
			app.Miner.Reset()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !loggedIn {
		s.logger.Warn("ignoring miner start without a session")
		return nil
	}

	return s.startAll(ctx, []worker.Kind{worker.KindMiner})
}

// handleReport caches the latest report results in AppConfig
func (s *Supervisor) handleReport(m channels.ReportTick) error {
	return s.store.WithState(func(app *state.AppState) error {
		switch m.Source {
		case channels.SourceUptime:
			app.Config.LastUptime = m.Uptime
			app.Config.PrevUptimeAt = app.Config.LastUptimeAt
			app.Config.LastUptimeAt = m.At
		case channels.SourceTasks:
			app.Config.TaskStatus = m.TaskStatus
			app.Config.TasksCompleted = m.TasksCompleted
			app.Config.LastTaskAt = m.At
		}
		return nil
	})
}

// handleWorkerFailed spends the worker's restart budget. A failure that
// was already handled, for example by a reconcile, is ignored.
func (s *Supervisor) handleWorkerFailed(ctx context.Context, m channels.WorkerFailed) error {
	kind := worker.Kind(m.Worker)
	restart := false
	err := s.store.WithState(func(app *state.AppState) error {
		slot, err := app.Worker(kind)
		if err != nil {
			return err
		}
		restart = s.consumeFailure(app, slot)
		return nil
	})
	if err != nil {
		return err
	}
	if !restart {
		return nil
	}

	s.logger.Info("restarting worker", "worker", kind, "reason", m.Reason)
	return s.startAll(ctx, []worker.Kind{kind})
}

// consumeFailure clears a pending failure and reports whether the worker
// should be restarted. Called under the state lock.
func (s *Supervisor) consumeFailure(app *state.AppState, slot *worker.Slot) bool {
	if !slot.PendingFailure || slot.Status() != worker.StatusFailed {
		return false
	}
	slot.PendingFailure = false

	if !s.wanted(app, slot.Kind) {
		return false
	}
	if slot.Restarts >= maxRestarts {
		slot.Terminal = true
		s.logger.Error("worker failed permanently",
			"worker", slot.Kind,
			"restarts", slot.Restarts,
			"last_error", slot.LastError,
		)
		return false
	}
	slot.Restarts++
	return true
}

// wanted reports whether the worker should be running in the current
// session. Called under the state lock.
func (s *Supervisor) wanted(app *state.AppState, kind worker.Kind) bool {
	if !app.Config.LoggedIn() {
		return false
	}
	if kind == worker.KindMiner {
		return app.Config.MinerEnabled
	}
	return true
}

// checkLiveness moves running workers that exited on their own to failed
// and publishes WorkerFailed for each
func (s *Supervisor) checkLiveness() error {
	var failures []channels.WorkerFailed
	err := s.store.WithState(func(app *state.AppState) error {
		for _, slot := range app.Slots() {
			h := slot.Handle()
			if slot.Status() != worker.StatusRunning || h == nil || h.Alive() {
				continue
			}

			reason := "exited unexpectedly"
			if exitErr := h.Err(); exitErr != nil {
				reason = exitErr.Error()
			}
			detached, err := slot.Fail(reason)
			if err != nil {
				return err
			}
			detached.Release()

			s.logger.Warn("worker exited unexpectedly",
				"worker", slot.Kind,
				"id", detached.ID(),
				"reason", reason,
			)
			failures = append(failures, channels.WorkerFailed{
				Worker:  slot.Kind.String(),
				Reason:  reason,
				Attempt: slot.Restarts,
				At:      time.Now(),
			})
		}
		return nil
	})

	for _, f := range failures {
		s.publish(f)
	}
	return err
}

// reconcile rebuilds the worker set from the state after messages were
// lost: pending failures are handled, workers without a session are
// stopped and wanted workers that are stopped are started. A pending
// logout clears the token once its workers are down.
func (s *Supervisor) reconcile(ctx context.Context) error {
	var start, stop []worker.Kind
	err := s.store.WithState(func(app *state.AppState) error {
		for _, slot := range app.Slots() {
			restart := s.consumeFailure(app, slot)
			wanted := s.wanted(app, slot.Kind)

			switch status := slot.Status(); {
			case restart:
				start = append(start, slot.Kind)
			case wanted && status == worker.StatusStopped:
				start = append(start, slot.Kind)
			case !wanted && status == worker.StatusRunning:
				stop = append(stop, slot.Kind)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("reconciling workers", "start", start, "stop", stop)

	for _, kind := range stop {
		if err := s.ignoreTeardownTimeout(s.Stop(ctx, kind)); err != nil {
			return err
		}
	}
	if err := s.finishLogout(); err != nil {
		return err
	}
	return s.startAll(ctx, start)
}

// finishLogout clears the session of a pending logout when no worker is
// left running
func (s *Supervisor) finishLogout() error {
	return s.store.WithState(func(app *state.AppState) error {
		if !app.Config.LogoutPending() {
			return nil
		}
		for _, slot := range app.Slots() {
			switch slot.Status() {
			case worker.StatusStarting, worker.StatusRunning, worker.StatusStopping:
				return nil
			}
		}
		app.Config.ClearSession()
		s.logger.Info("pending logout finished, session cleared")
		return nil
	})
}

// startAll starts each worker in turn. Workers already running are
// skipped; spawn failures were already reported through WorkerFailed.
func (s *Supervisor) startAll(ctx context.Context, kinds []worker.Kind) error {
	var spawnErr *worker.SpawnError
	for _, kind := range kinds {
		err := s.Start(ctx, kind)
		switch {
		case err == nil, errors.Is(err, worker.ErrAlreadyRunning):
		case errors.As(err, &spawnErr) && !errors.Is(err, state.ErrStateUnavailable):
		default:
			return err
		}
	}
	return nil
}

func (s *Supervisor) ignoreTeardownTimeout(err error) error {
	if errors.Is(err, worker.ErrTeardownTimeout) {
		return nil
	}
	return err
}
