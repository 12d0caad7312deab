// Package platform describes what the host can do and hosts the observer
// that stands in for the tray and windows. The supervisor never imports
// it: observers only read the bus and state snapshots.
package platform

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/blockmesh/meshagent/internal/worker"
)

// Kind is the platform variant
type Kind string

const (
	Desktop Kind = "desktop"
	Mobile  Kind = "mobile"
)

// ErrUnsupported is returned for a capability the platform lacks
var ErrUnsupported = errors.New("not supported on this platform")

// Capabilities is the feature set of a platform variant
type Capabilities struct {
	Tray       bool
	Windows    bool
	Autostart  bool
	Subprocess bool
}

// Platform is a variant with its capabilities
type Platform struct {
	Kind Kind
	Capabilities
}

// New returns the platform for kind
func New(kind Kind) (Platform, error) {
	switch kind {
	case Desktop:
		return Platform{Kind: Desktop, Capabilities: Capabilities{
			Tray:       true,
			Windows:    true,
			Autostart:  true,
			Subprocess: true,
		}}, nil
	case Mobile:
		return Platform{Kind: Mobile}, nil
	default:
		return Platform{}, fmt.Errorf("unknown platform %q", kind)
	}
}

// Detect returns the platform for the running OS
func Detect() Platform {
	kind := Desktop
	switch runtime.GOOS {
	case "android", "ios":
		kind = Mobile
	}
	p, _ := New(kind)
	return p
}

// MinerSpawner returns s when the platform can run subprocesses and a
// spawner that always fails otherwise, so a miner start on such a
// platform surfaces as an ordinary spawn failure.
func (p Platform) MinerSpawner(s worker.Spawner) worker.Spawner {
	if p.Subprocess {
		return s
	}
	return worker.SpawnFunc(func(ctx context.Context, env worker.Env) (worker.Process, error) {
		return nil, fmt.Errorf("miner subprocess: %w (%s)", ErrUnsupported, p.Kind)
	})
}
