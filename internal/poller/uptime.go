package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/blockmesh/meshagent/internal/channels"
	"github.com/blockmesh/meshagent/internal/config"
	"github.com/blockmesh/meshagent/internal/remote"
	"github.com/blockmesh/meshagent/internal/worker"
)

// UptimeReporter sends heartbeats carrying the seconds since it started
type UptimeReporter struct {
	client   *remote.Client
	bus      *channels.Bus
	interval time.Duration
	logger   *slog.Logger
}

// NewUptimeReporter creates the reporter
func NewUptimeReporter(client *remote.Client, bus *channels.Bus, cfg config.ReporterConfig, logger *slog.Logger) *UptimeReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &UptimeReporter{
		client:   client,
		bus:      bus,
		interval: cfg.Interval(),
		logger:   logger.With("component", "uptime_reporter"),
	}
}

// Loop returns the spawner the supervisor runs
func (u *UptimeReporter) Loop() *worker.Loop {
	return &worker.Loop{Name: worker.KindUptime.String(), Run: u.Run}
}

// Run reports immediately and then on every interval until ctx is done.
// A rejected token ends the loop with an error; other failures are logged
// and retried on the next tick.
func (u *UptimeReporter) Run(ctx context.Context, env worker.Env) error {
	client := clientFor(u.client, env)
	start := time.Now()

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.logger.Info("uptime reporter started", "interval", u.interval)

	for {
		if err := u.report(ctx, client, env, time.Since(start)); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (u *UptimeReporter) report(ctx context.Context, client *remote.Client, env worker.Env, uptime time.Duration) error {
	err := client.ReportUptime(ctx, remote.UptimeReport{
		Credentials: credentialsFor(env),
		DeviceID:    env.DeviceID,
		Uptime:      uptime.Seconds(),
	})
	switch {
	case errors.Is(err, remote.ErrUnauthorized):
		return fmt.Errorf("uptime report rejected: %w", err)
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		u.logger.Warn("failed to report uptime", "error", err)
		return nil
	}

	u.logger.Debug("uptime reported", "uptime_seconds", uptime.Seconds())
	if _, err := u.bus.Publish(channels.ReportTick{
		Source: channels.SourceUptime,
		Uptime: uptime.Seconds(),
		At:     time.Now(),
	}); err != nil {
		u.logger.Warn("failed to publish report tick", "error", err)
	}
	return nil
}
