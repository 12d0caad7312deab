package main

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/blockmesh/meshagent/internal/auth"
	"github.com/blockmesh/meshagent/internal/config"
	"github.com/blockmesh/meshagent/internal/devserver"
	"github.com/blockmesh/meshagent/internal/platform"
	"github.com/blockmesh/meshagent/internal/state"
	"github.com/blockmesh/meshagent/internal/worker"
)

func waitForSnapshot(t *testing.T, a *agent, what string, cond func(state.Snapshot) bool) state.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := a.store.Snapshot()
		if err != nil {
			t.Fatal(err)
		}
		if cond(snap) {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
	return state.Snapshot{}
}

func TestAgent_SessionLifecycle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := devserver.New(devserver.Options{TokenSecret: "agent-test-secret-at-least-32-chars"}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Store().CreateAccount("agent@example.com", "password123"); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	cfg := config.Default()
	cfg.Server.URL = ts.URL
	cfg.Reporter.IntervalMS = 20
	cfg.TaskPuller.IntervalMS = 20
	cfg.TaskPuller.IdleIntervalMS = 20
	cfg.Supervisor.StopGraceMS = 200
	cfg.Supervisor.LivenessIntervalMS = 10
	cfg.Channel.Capacity = 8

	// Mobile has no miner subprocess, so the test needs no binary
	plat, err := platform.New(platform.Mobile)
	if err != nil {
		t.Fatal(err)
	}
	a := newAgent(cfg, plat, state.AppConfig{DeviceID: uuid.New(), URL: ts.URL}, nil, logger)
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- a.sup.Run(ctx) }()

	if err := a.cmds.Login(ctx, auth.LoginForm{Email: "agent@example.com", Password: "password123"}); err != nil {
		t.Fatalf("login: %v", err)
	}

	waitForSnapshot(t, a, "reporters running and connected", func(s state.Snapshot) bool {
		return s.Worker(worker.KindUptime).Status == worker.StatusRunning &&
			s.Worker(worker.KindTaskPuller).Status == worker.StatusRunning &&
			s.Connected
	})
	if _, ok := srv.Store().Uptime("agent@example.com"); !ok {
		t.Error("server received no uptime report")
	}

	if err := a.cmds.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	snap := waitForSnapshot(t, a, "workers stopped after logout", func(s state.Snapshot) bool {
		return !s.LoggedIn && s.Config.APIToken == "" &&
			s.Worker(worker.KindUptime).Status == worker.StatusStopped &&
			s.Worker(worker.KindTaskPuller).Status == worker.StatusStopped
	})
	if snap.Config.Email != "agent@example.com" {
		t.Errorf("email should survive logout, got %q", snap.Config.Email)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("dispatcher returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	if err := a.sup.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
