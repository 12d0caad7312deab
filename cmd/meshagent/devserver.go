package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli"

	"github.com/blockmesh/meshagent/internal/devserver"
	"github.com/blockmesh/meshagent/internal/remote"
)

func devserverAction(c *cli.Context) error {
	_, logger, closeLog, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer closeLog()

	secret := c.String("secret")
	if secret == "" {
		secret = uuid.NewString() + uuid.NewString()
		logger.Warn("no --secret given, tokens will not survive a restart")
	}

	srv, err := devserver.New(devserver.Options{TokenSecret: secret}, logger)
	if err != nil {
		return err
	}

	if email := c.String("seed-email"); email != "" {
		if err := srv.Store().CreateAccount(email, c.String("seed-password")); err != nil {
			return err
		}
		logger.Info("seeded account", "email", email)
	}
	for _, url := range c.StringSlice("task") {
		id := srv.Store().EnqueueTask(remote.Task{URL: url})
		logger.Info("queued task", "id", id, "url", url)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.ListenAndServe(ctx, c.String("addr"))
}
