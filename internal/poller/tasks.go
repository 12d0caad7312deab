package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/blockmesh/meshagent/internal/channels"
	"github.com/blockmesh/meshagent/internal/config"
	"github.com/blockmesh/meshagent/internal/remote"
	"github.com/blockmesh/meshagent/internal/worker"
)

// Task status values reported in ReportTick
const (
	TaskStatusIdle      = "idle"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusOffline   = "offline"
)

// maxTaskResponse bounds the response body kept for a task result
const maxTaskResponse = 64 << 10

// TaskPuller fetches tasks from the server, performs them and submits the
// results
type TaskPuller struct {
	client       *remote.Client
	bus          *channels.Bus
	fetcher      *http.Client
	interval     time.Duration
	idleInterval time.Duration
	logger       *slog.Logger
}

// NewTaskPuller creates the puller. Task requests use timeout.
func NewTaskPuller(client *remote.Client, bus *channels.Bus, cfg config.TaskPullerConfig, timeout time.Duration, logger *slog.Logger) *TaskPuller {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskPuller{
		client:       client,
		bus:          bus,
		fetcher:      &http.Client{Timeout: timeout},
		interval:     cfg.Interval(),
		idleInterval: cfg.IdleInterval(),
		logger:       logger.With("component", "task_puller"),
	}
}

// Loop returns the spawner the supervisor runs
func (p *TaskPuller) Loop() *worker.Loop {
	return &worker.Loop{Name: worker.KindTaskPuller.String(), Run: p.Run}
}

// Run polls for tasks until ctx is done. An empty queue waits the idle
// interval; a rejected token ends the loop with an error.
func (p *TaskPuller) Run(ctx context.Context, env worker.Env) error {
	client := clientFor(p.client, env)
	creds := credentialsFor(env)

	completed := 0
	lastStatus := ""

	p.logger.Info("task puller started", "interval", p.interval, "idle_interval", p.idleInterval)

	for {
		status, wait, err := p.cycle(ctx, client, creds)
		if err != nil {
			return err
		}
		if status == TaskStatusCompleted {
			completed++
		}

		if status != lastStatus || status == TaskStatusCompleted || status == TaskStatusFailed {
			p.publish(status, completed)
			lastStatus = status
		}

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// cycle runs one poll and returns the resulting status and the wait
// before the next one
func (p *TaskPuller) cycle(ctx context.Context, client *remote.Client, creds remote.Credentials) (string, time.Duration, error) {
	task, err := client.GetTask(ctx, creds)
	switch {
	case errors.Is(err, remote.ErrUnauthorized):
		return "", 0, fmt.Errorf("task poll rejected: %w", err)
	case ctx.Err() != nil:
		return "", 0, ctx.Err()
	case err != nil:
		p.logger.Warn("failed to fetch task", "error", err)
		return TaskStatusOffline, p.idleInterval, nil
	case task == nil:
		return TaskStatusIdle, p.idleInterval, nil
	}

	result := p.perform(ctx, task)
	result.Credentials = creds

	if err := client.SubmitTask(ctx, result); err != nil {
		if errors.Is(err, remote.ErrUnauthorized) {
			return "", 0, fmt.Errorf("task submit rejected: %w", err)
		}
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		p.logger.Warn("failed to submit task result", "task_id", task.ID, "error", err)
		return TaskStatusFailed, p.interval, nil
	}

	p.logger.Debug("task submitted",
		"task_id", task.ID,
		"status", result.Status,
		"response_code", result.ResponseCode,
		"duration_ms", result.DurationMS,
	)
	if result.Status != TaskStatusCompleted {
		return TaskStatusFailed, p.interval, nil
	}
	return TaskStatusCompleted, p.interval, nil
}

// perform executes the task's HTTP request
func (p *TaskPuller) perform(ctx context.Context, task *remote.Task) remote.TaskResult {
	result := remote.TaskResult{TaskID: task.ID, Status: TaskStatusFailed}
	start := time.Now()

	method := strings.ToUpper(task.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if task.Body != "" {
		body = strings.NewReader(task.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, task.URL, body)
	if err != nil {
		result.ResponseRaw = err.Error()
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}
	for k, v := range task.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.fetcher.Do(req)
	if err != nil {
		result.ResponseRaw = err.Error()
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTaskResponse))
	result.ResponseCode = resp.StatusCode
	result.ResponseRaw = string(raw)
	if err == nil {
		result.Status = TaskStatusCompleted
	}
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

func (p *TaskPuller) publish(status string, completed int) {
	if _, err := p.bus.Publish(channels.ReportTick{
		Source:         channels.SourceTasks,
		TaskStatus:     status,
		TasksCompleted: completed,
		At:             time.Now(),
	}); err != nil {
		p.logger.Warn("failed to publish report tick", "error", err)
	}
}
