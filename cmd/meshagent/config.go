package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli"

	"github.com/blockmesh/meshagent/internal/config"
)

func configAction(c *cli.Context) error {
	var w io.Writer = os.Stdout
	if path := c.String("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		defer f.Close()
		w = f
	}
	return config.DumpExampleConfig(w)
}

// loadConfig loads the file named by the global --config flag and builds
// the logger
func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.LoadOrDefault(c.GlobalString("config"))
	if err != nil {
		return nil, nil, nil, err
	}
	if c.GlobalBool("debug") {
		cfg.Logging.Level = "debug"
	}

	logger, closeLog, err := config.InitLogger(cfg.Logging)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closeLog, nil
}
