package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// pipeWaitDelay bounds how long Wait keeps copying output after the
// process exits (grandchildren may hold the pipes open).
const pipeWaitDelay = time.Second

// Command spawns an external process. Its stdout and stderr are forwarded
// line by line to the logger.
type Command struct {
	Path   string
	Args   []string
	Dir    string
	Env    []string
	Logger *slog.Logger
}

// Spawn starts the process. ctx is not bound to the process: shutdown goes
// through Terminate and Kill so the grace period is honoured.
func (c *Command) Spawn(ctx context.Context, env Env) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := exec.LookPath(c.Path)
	if err != nil {
		return nil, fmt.Errorf("binary not found: %w", err)
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	if env.DeviceID != uuid.Nil {
		cmd.Env = append(cmd.Env, "MESH_DEVICE_ID="+env.DeviceID.String())
	}
	cmd.WaitDelay = pipeWaitDelay

	p := &cmdProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}

	outLogger := logger.With("binary", c.Path)
	cmd.Stdout = &lineLogger{logger: outLogger, level: slog.LevelDebug, stream: "stdout"}
	cmd.Stderr = &lineLogger{logger: outLogger, level: slog.LevelWarn, stream: "stderr"}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}
	p.id = strconv.Itoa(cmd.Process.Pid)

	logger.Debug("process started",
		"binary", c.Path,
		"pid", p.id,
		"args", strings.Join(c.Args, " "),
	)

	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

type cmdProcess struct {
	cmd  *exec.Cmd
	id   string
	done chan struct{}
	err  error // written before done is closed
}

func (p *cmdProcess) ID() string {
	return p.id
}

func (p *cmdProcess) Done() <-chan struct{} {
	return p.done
}

func (p *cmdProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *cmdProcess) Terminate() error {
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	// Platforms without SIGTERM delivery only support Kill
	return p.Kill()
}

func (p *cmdProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// lineLogger forwards written output to a slog logger, one record per line
type lineLogger struct {
	logger *slog.Logger
	level  slog.Level
	stream string
}

func (w *lineLogger) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		w.logger.Log(context.Background(), w.level, line, "stream", w.stream)
	}
	return len(p), nil
}
