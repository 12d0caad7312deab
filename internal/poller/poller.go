// Package poller holds the bodies of the agent's two reporting loops. Each
// runs as a worker.Loop under the supervisor: the uptime reporter sends a
// heartbeat on a fixed interval, the task puller fetches tasks from the
// server, performs them and submits the results. Both publish a
// ReportTick on the bus after every meaningful cycle.
package poller

import (
	"context"
	"time"

	"github.com/blockmesh/meshagent/internal/remote"
	"github.com/blockmesh/meshagent/internal/worker"
)

// clientFor returns a client bound to the session's server
func clientFor(base *remote.Client, env worker.Env) *remote.Client {
	if env.ServerURL == "" || env.ServerURL == base.BaseURL() {
		return base
	}
	return base.WithBaseURL(env.ServerURL)
}

func credentialsFor(env worker.Env) remote.Credentials {
	return remote.Credentials{Email: env.Email, APIToken: env.APIToken}
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
