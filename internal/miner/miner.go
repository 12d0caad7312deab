// Package miner spawns the external mining binary as a supervised worker
package miner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/blockmesh/meshagent/internal/config"
	"github.com/blockmesh/meshagent/internal/worker"
)

// binDir is where binaries shipped alongside the agent live, relative to
// the data directory
const binDir = "bin"

// Spawner starts the miner subprocess
type Spawner struct {
	cfg     config.MinerConfig
	dataDir string
	logger  *slog.Logger
}

// NewSpawner creates a spawner for the configured miner
func NewSpawner(cfg config.MinerConfig, dataDir string, logger *slog.Logger) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{
		cfg:     cfg,
		dataDir: dataDir,
		logger:  logger.With("component", "miner"),
	}
}

// Spawn resolves the binary and starts it with the session environment
func (s *Spawner) Spawn(ctx context.Context, env worker.Env) (worker.Process, error) {
	cmd := s.Command()

	s.logger.Info("starting miner",
		"binary", cmd.Path,
		"args", strings.Join(cmd.Args, " "),
		"device_id", env.DeviceID,
	)

	proc, err := cmd.Spawn(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("miner: %w", err)
	}
	return proc, nil
}

// Command builds the process description from the configuration
func (s *Spawner) Command() *worker.Command {
	return &worker.Command{
		Path:   s.resolveBinary(),
		Args:   s.Args(),
		Dir:    config.ExpandHome(s.cfg.WorkDir),
		Logger: s.logger,
	}
}

// Args returns the miner's command line
func (s *Spawner) Args() []string {
	args := []string{"mine"}
	if s.cfg.RPCURL != "" {
		args = append(args, "--rpc", s.cfg.RPCURL)
	}
	if s.cfg.KeypairPath != "" {
		args = append(args, "--keypair", config.ExpandHome(s.cfg.KeypairPath))
	}
	if s.cfg.PriorityFee > 0 {
		args = append(args, "--priority-fee", strconv.Itoa(s.cfg.PriorityFee))
	}
	if s.cfg.Cores > 0 {
		args = append(args, "--cores", strconv.Itoa(s.cfg.Cores))
	}
	return append(args, s.cfg.ExtraArgs...)
}

// resolveBinary prefers a bare binary name shipped in <data_dir>/bin and
// falls back to PATH lookup
func (s *Spawner) resolveBinary() string {
	binary := config.ExpandHome(s.cfg.Binary)
	if filepath.IsAbs(binary) || strings.ContainsRune(binary, filepath.Separator) || s.dataDir == "" {
		return binary
	}

	candidate := filepath.Join(config.ExpandHome(s.dataDir), binDir, binary)
	info, err := os.Stat(candidate)
	if err != nil || info.IsDir() || info.Mode()&0111 == 0 {
		return binary
	}
	return candidate
}
