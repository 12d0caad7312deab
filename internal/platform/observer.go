package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/blockmesh/meshagent/internal/channels"
	"github.com/blockmesh/meshagent/internal/state"
	"github.com/blockmesh/meshagent/internal/worker"
)

// View renders agent state. Implementations must not block for long; the
// observer calls them from its own goroutine.
type View interface {
	Render(snap state.Snapshot)
}

// ViewFunc adapts a function to View
type ViewFunc func(snap state.Snapshot)

// Render calls f(snap)
func (f ViewFunc) Render(snap state.Snapshot) {
	f(snap)
}

// Observer follows the bus on its own subscription and re-renders its
// views from a fresh snapshot after every message. A lag is handled the
// same way: the snapshot already reflects whatever was missed.
type Observer struct {
	store  *state.Store
	rx     *channels.Receiver
	views  []View
	logger *slog.Logger
}

// NewObserver subscribes immediately
func NewObserver(store *state.Store, bus *channels.Bus, logger *slog.Logger, views ...View) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		store:  store,
		rx:     bus.Subscribe(),
		views:  views,
		logger: logger.With("component", "observer"),
	}
}

// Run renders once and then after every message until ctx is done or the
// bus closes
func (o *Observer) Run(ctx context.Context) error {
	defer o.rx.Close()

	if err := o.render(); err != nil {
		return err
	}

	for {
		msg, err := o.rx.Recv(ctx)

		var lagged *channels.LaggedError
		switch {
		case errors.As(err, &lagged):
			o.logger.Debug("observer lagged", "missed", lagged.Missed)
		case errors.Is(err, channels.ErrClosed):
			o.logger.Info("bus closed, observer exiting")
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return fmt.Errorf("observer receive: %w", err)
		default:
			o.logger.Debug("observed", "kind", msg.Kind(), "message", msg)
		}

		if err := o.render(); err != nil {
			return err
		}
	}
}

func (o *Observer) render() error {
	snap, err := o.store.Snapshot()
	if err != nil {
		return fmt.Errorf("observer snapshot: %w", err)
	}
	for _, v := range o.views {
		v.Render(snap)
	}
	return nil
}

// TrayStatus is the one-line summary a tray tooltip shows
func TrayStatus(snap state.Snapshot) string {
	if !snap.LoggedIn {
		return "Logged out"
	}

	link := "offline"
	if snap.Connected {
		link = "connected"
	}
	miner := snap.Worker(worker.KindMiner)
	status := string(miner.Status)
	if miner.Terminal {
		status = "failed permanently"
	}
	return fmt.Sprintf("%s | miner %s | %d tasks | %s",
		snap.Config.Email,
		status,
		snap.Config.TasksCompleted,
		link,
	)
}

// LogView logs the tray summary whenever it changes. It stands in for the
// tray icon on headless hosts.
type LogView struct {
	logger *slog.Logger
	last   string
}

// NewLogView creates a LogView
func NewLogView(logger *slog.Logger) *LogView {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogView{logger: logger.With("component", "tray")}
}

// Render logs the summary if it differs from the previous one
func (v *LogView) Render(snap state.Snapshot) {
	line := TrayStatus(snap)
	if line == v.last {
		return
	}
	v.last = line
	v.logger.Info("status", "summary", line)
}
