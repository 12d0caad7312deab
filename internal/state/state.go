// Package state holds the agent's shared application state. All access goes
// through Store: WithState for scoped exclusive access, Snapshot for copies.
package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blockmesh/meshagent/internal/channels"
	"github.com/blockmesh/meshagent/internal/worker"
)

// AppConfig is the persisted per-device configuration. Workers read it
// once at start (see Env) and never mutate it.
type AppConfig struct {
	DeviceID     uuid.UUID `json:"device_id"`
	Email        string    `json:"email,omitempty"`
	APIToken     string    `json:"api_token,omitempty"`
	URL          string    `json:"url"`
	Minimized    bool      `json:"minimized"`
	Autostart    bool      `json:"autostart"`
	MinerEnabled bool      `json:"miner_enabled"`

	// SessionStartedAt orders logout events against the latest login
	SessionStartedAt time.Time `json:"session_started_at,omitzero"`
	// LogoutRequestedAt records a logout the dispatcher has not finished
	LogoutRequestedAt time.Time `json:"logout_requested_at,omitzero"`

	// Cached report results
	LastUptime     float64   `json:"last_uptime"`
	LastUptimeAt   time.Time `json:"last_uptime_at,omitzero"`
	PrevUptimeAt   time.Time `json:"prev_uptime_at,omitzero"`
	TaskStatus     string    `json:"task_status,omitempty"`
	TasksCompleted int       `json:"tasks_completed"`
	LastTaskAt     time.Time `json:"last_task_at,omitzero"`
}

// LoggedIn reports whether a session token is present and no logout is
// pending for it
func (c AppConfig) LoggedIn() bool {
	return c.Email != "" && c.APIToken != "" && !c.LogoutPending()
}

// LogoutPending reports whether a logout was requested for the current
// session and its token is still present
func (c AppConfig) LogoutPending() bool {
	if c.LogoutRequestedAt.IsZero() || c.APIToken == "" {
		return false
	}
	return !c.LogoutRequestedAt.Before(c.SessionStartedAt)
}

// Env returns the session snapshot handed to workers at start
func (c AppConfig) Env() worker.Env {
	return worker.Env{
		DeviceID:  c.DeviceID,
		Email:     c.Email,
		APIToken:  c.APIToken,
		ServerURL: c.URL,
	}
}

// ClearSession drops the credentials and cached session results
func (c *AppConfig) ClearSession() {
	c.APIToken = ""
	c.TaskStatus = ""
	c.LogoutRequestedAt = time.Time{}
}

// AppState is the exclusive-access aggregate behind Store
type AppState struct {
	Config AppConfig

	// Tx publishes onto the bus
	Tx *channels.Bus
	// Rx is a retained subscription, kept for Resubscribe
	Rx *channels.Receiver

	Miner      *worker.Slot
	Uptime     *worker.Slot
	TaskPuller *worker.Slot
}

// NewAppState builds the state with all workers stopped
func NewAppState(cfg AppConfig, bus *channels.Bus) *AppState {
	return &AppState{
		Config:     cfg,
		Tx:         bus,
		Rx:         bus.Subscribe(),
		Miner:      worker.NewSlot(worker.KindMiner),
		Uptime:     worker.NewSlot(worker.KindUptime),
		TaskPuller: worker.NewSlot(worker.KindTaskPuller),
	}
}

// Worker returns the slot for kind
func (s *AppState) Worker(kind worker.Kind) (*worker.Slot, error) {
	switch kind {
	case worker.KindMiner:
		return s.Miner, nil
	case worker.KindUptime:
		return s.Uptime, nil
	case worker.KindTaskPuller:
		return s.TaskPuller, nil
	default:
		return nil, fmt.Errorf("%w: %s", worker.ErrUnknownWorker, kind)
	}
}

// Slots returns all slots in shutdown order
func (s *AppState) Slots() []*worker.Slot {
	return []*worker.Slot{s.Miner, s.Uptime, s.TaskPuller}
}
