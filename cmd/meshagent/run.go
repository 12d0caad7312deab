package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/blockmesh/meshagent/internal/auth"
	"github.com/blockmesh/meshagent/internal/channels"
	"github.com/blockmesh/meshagent/internal/commands"
	"github.com/blockmesh/meshagent/internal/config"
	"github.com/blockmesh/meshagent/internal/miner"
	"github.com/blockmesh/meshagent/internal/platform"
	"github.com/blockmesh/meshagent/internal/poller"
	"github.com/blockmesh/meshagent/internal/remote"
	"github.com/blockmesh/meshagent/internal/state"
	"github.com/blockmesh/meshagent/internal/storage"
	"github.com/blockmesh/meshagent/internal/supervisor"
	"github.com/blockmesh/meshagent/internal/worker"
)

// shutdownTimeout bounds the final worker teardown
const shutdownTimeout = 30 * time.Second

func runAction(c *cli.Context) error {
	cfg, logger, closeLog, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer closeLog()

	plat := platform.Detect()
	logger.Info("starting meshagent",
		"version", version,
		"platform", plat.Kind,
		"data_dir", cfg.Agent.DataDir,
	)

	db, err := storage.Open(cfg.Storage, cfg.Auth.SealPassphrase, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	app, err := db.Load()
	if err != nil {
		return err
	}
	if app.URL == "" {
		app.URL = cfg.Server.URL
	}
	app.Minimized = app.Minimized || cfg.Agent.Minimized || c.Bool("minimized")
	app.Autostart = plat.Autostart && (app.Autostart || cfg.Agent.Autostart)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newAgent(cfg, plat, app, db, logger)
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.sup.Run(gctx)
	})
	g.Go(func() error {
		return a.observer.Run(gctx)
	})
	g.Go(func() error {
		return handleSignals(gctx, a.cmds, logger)
	})
	g.Go(func() error {
		return a.bootstrap(gctx, c.String("email"), c.String("password"), c.Bool("mine"))
	})

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("agent stopped with error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.sup.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop workers", "error", err)
		runErr = errors.Join(runErr, err)
	}

	logger.Info("meshagent stopped")
	return runErr
}

// agent holds the wired components for one run
type agent struct {
	bus      *channels.Bus
	store    *state.Store
	sup      *supervisor.Supervisor
	cmds     *commands.Commands
	observer *platform.Observer
	logger   *slog.Logger
}

func newAgent(cfg *config.Config, plat platform.Platform, app state.AppConfig, persist state.Persister, logger *slog.Logger) *agent {
	bus := channels.NewBus(cfg.Channel.Capacity, logger)
	store := state.NewStore(state.NewAppState(app, bus), persist, logger)
	client := remote.New(app.URL, cfg.Server.RequestTimeout(), logger)

	uptime := poller.NewUptimeReporter(client, bus, cfg.Reporter, logger)
	tasks := poller.NewTaskPuller(client, bus, cfg.TaskPuller, cfg.Server.RequestTimeout(), logger)

	spawners := map[worker.Kind]worker.Spawner{
		worker.KindMiner:      plat.MinerSpawner(miner.NewSpawner(cfg.Miner, cfg.Agent.DataDir, logger)),
		worker.KindUptime:     uptime.Loop(),
		worker.KindTaskPuller: tasks.Loop(),
	}

	return &agent{
		bus:      bus,
		store:    store,
		sup:      supervisor.New(store, bus, spawners, cfg.Supervisor, logger),
		cmds:     commands.New(store, bus, client, cfg, logger),
		observer: platform.NewObserver(store, bus, logger, platform.NewLogView(logger)),
		logger:   logger,
	}
}

// bootstrap establishes the session: an explicit login when credentials
// were given, otherwise the stored token is checked and resumed
func (a *agent) bootstrap(ctx context.Context, email, password string, mine bool) error {
	if email != "" {
		if err := a.cmds.Login(ctx, auth.LoginForm{Email: email, Password: password}); err != nil {
			return fmt.Errorf("startup login: %w", err)
		}
	} else {
		valid, err := a.cmds.CheckToken(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			// Offline at boot: the workers retry on their own
			a.logger.Warn("could not verify stored token, resuming session", "error", err)
			if _, err := a.cmds.ResumeSession(ctx); err != nil {
				return err
			}
		case err != nil:
			return nil
		case !valid:
			a.logger.Info("no valid session, waiting for login")
			return nil
		}
	}

	if !mine {
		return nil
	}
	snap, err := a.store.Snapshot()
	if err != nil {
		return err
	}
	if snap.Config.MinerEnabled {
		return nil
	}
	if _, err := a.cmds.ToggleMiner(ctx); err != nil && !errors.Is(err, commands.ErrNotLoggedIn) {
		return err
	}
	return nil
}

func (a *agent) close() {
	a.store.Close()
	a.bus.Close()
}

// handleSignals maps the platform's control signals onto commands until
// ctx is done
func handleSignals(ctx context.Context, cmds *commands.Commands, logger *slog.Logger) error {
	sigs := make(chan os.Signal, 1)
	if len(controlSignals) == 0 {
		<-ctx.Done()
		return nil
	}
	signal.Notify(sigs, controlSignals...)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigs:
			switch controlFor(sig) {
			case controlToggleMiner:
				status, err := cmds.ToggleMiner(ctx)
				if err != nil {
					logger.Warn("miner toggle rejected", "error", err)
					continue
				}
				logger.Info("miner toggle requested", "status", status)
			case controlLogout:
				if err := cmds.Logout(ctx); err != nil {
					logger.Warn("logout failed", "error", err)
				}
			}
		}
	}
}

type control int

const (
	controlNone control = iota
	controlToggleMiner
	controlLogout
)
