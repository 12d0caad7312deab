// Package commands is the entry surface used by the UI layer. Commands
// validate input, mutate AppState through the store and publish events;
// the supervisor's dispatcher does the rest. No command waits on a worker.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/blockmesh/meshagent/internal/auth"
	"github.com/blockmesh/meshagent/internal/channels"
	"github.com/blockmesh/meshagent/internal/config"
	"github.com/blockmesh/meshagent/internal/remote"
	"github.com/blockmesh/meshagent/internal/state"
	"github.com/blockmesh/meshagent/internal/worker"
)

// ErrNotLoggedIn is returned by commands that need a session
var ErrNotLoggedIn = errors.New("not logged in")

// Commands implements the command surface
type Commands struct {
	store  *state.Store
	bus    *channels.Bus
	client *remote.Client
	server config.ServerConfig
	leeway time.Duration
	logger *slog.Logger

	now func() time.Time
}

// New creates the command surface
func New(
	store *state.Store,
	bus *channels.Bus,
	client *remote.Client,
	cfg *config.Config,
	logger *slog.Logger,
) *Commands {
	if logger == nil {
		logger = slog.Default()
	}
	return &Commands{
		store:  store,
		bus:    bus,
		client: client,
		server: cfg.Server,
		leeway: cfg.Auth.TokenLeeway(),
		logger: logger.With("component", "commands"),
		now:    time.Now,
	}
}

// Login exchanges the credentials for a token, stores the session and
// publishes AuthChanged{LoggedIn: true}
func (c *Commands) Login(ctx context.Context, form auth.LoginForm) error {
	form.Normalize()
	if err := auth.ValidateForm(&form); err != nil {
		return err
	}

	client, err := c.clientForState()
	if err != nil {
		return err
	}

	token, err := client.GetToken(ctx, form.Email, form.Password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	now := c.now()
	var prev state.AppConfig
	err = c.store.WithState(func(app *state.AppState) error {
		prev = app.Config
		app.Config.Email = form.Email
		app.Config.APIToken = token
		app.Config.SessionStartedAt = now
		app.Config.LogoutRequestedAt = time.Time{}
		return nil
	})
	if err != nil {
		c.restoreSession(prev)
		return fmt.Errorf("failed to store session: %w", err)
	}

	c.logger.Info("logged in", "email", form.Email)
	return c.publish(channels.AuthChanged{LoggedIn: true, At: now})
}

// Register creates an account and logs into it
func (c *Commands) Register(ctx context.Context, form auth.RegisterForm) error {
	form.Normalize()
	if err := auth.ValidateForm(&form); err != nil {
		return err
	}

	client, err := c.clientForState()
	if err != nil {
		return err
	}

	err = client.Register(ctx, remote.RegisterRequest{
		Email:           form.Email,
		Password:        form.Password,
		PasswordConfirm: form.PasswordConfirm,
		InviteCode:      form.InviteCode,
	})
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	c.logger.Info("account registered", "email", form.Email)
	return c.Login(ctx, auth.LoginForm{Email: form.Email, Password: form.Password})
}

// restoreSession puts back the session fields Login replaced. The memory
// copy is restored even when saving fails again.
func (c *Commands) restoreSession(prev state.AppConfig) {
	err := c.store.WithState(func(app *state.AppState) error {
		app.Config.Email = prev.Email
		app.Config.APIToken = prev.APIToken
		app.Config.SessionStartedAt = prev.SessionStartedAt
		app.Config.LogoutRequestedAt = prev.LogoutRequestedAt
		return nil
	})
	if err != nil {
		c.logger.Warn("failed to persist restored session", "error", err)
	}
}

// Logout records the request in AppConfig and publishes
// AuthChanged{LoggedIn: false}. The dispatcher stops the workers and
// clears the token; a reconcile finishes the logout if the event is lost.
func (c *Commands) Logout(ctx context.Context) error {
	at := c.now()
	err := c.store.WithState(func(app *state.AppState) error {
		if app.Config.APIToken == "" {
			return nil
		}
		app.Config.LogoutRequestedAt = at
		return nil
	})
	if err != nil {
		return err
	}

	c.logger.Info("logging out")
	return c.publish(channels.AuthChanged{LoggedIn: false, At: at})
}

// CheckToken validates the stored token, locally for expiry and then
// with the server. A valid token publishes AuthChanged{LoggedIn: true} so
// the session workers start; an invalid one publishes a logout. Network
// failures are returned without publishing.
func (c *Commands) CheckToken(ctx context.Context) (bool, error) {
	snap, err := c.store.Snapshot()
	if err != nil {
		return false, err
	}
	if !snap.LoggedIn {
		return false, nil
	}

	creds := remote.Credentials{Email: snap.Config.Email, APIToken: snap.Config.APIToken}
	if auth.TokenExpired(creds.APIToken, c.now(), c.leeway) {
		c.logger.Info("stored token expired")
		return false, c.Logout(ctx)
	}

	valid, err := c.clientFor(snap.Config).CheckToken(ctx, creds)
	if err != nil {
		return false, fmt.Errorf("token check failed: %w", err)
	}
	if !valid {
		c.logger.Info("stored token rejected by server")
		return false, c.Logout(ctx)
	}

	return true, c.publish(channels.AuthChanged{LoggedIn: true, At: c.now()})
}

// ResumeSession publishes AuthChanged{LoggedIn: true} for a stored
// session without contacting the server. It reports whether a session
// exists.
func (c *Commands) ResumeSession(ctx context.Context) (bool, error) {
	snap, err := c.store.Snapshot()
	if err != nil {
		return false, err
	}
	if !snap.LoggedIn {
		return false, nil
	}
	c.logger.Info("resuming stored session", "email", snap.Config.Email)
	return true, c.publish(channels.AuthChanged{LoggedIn: true, At: c.now()})
}

// ToggleMiner flips the miner's wanted state and publishes MinerToggled.
// It decides from the recorded intent, so back to back toggles alternate
// before the dispatcher has acted on either. A miner that failed for good
// counts as off. It returns the requested status; the dispatcher
// converges to it.
func (c *Commands) ToggleMiner(ctx context.Context) (worker.Status, error) {
	var on bool
	err := c.store.WithState(func(app *state.AppState) error {
		if !app.Config.LoggedIn() {
			return ErrNotLoggedIn
		}
		enabled := app.Config.MinerEnabled
		if app.Miner.Terminal {
			enabled = false
		}
		on = !enabled
		app.Config.MinerEnabled = on
		return nil
	})
	if err != nil {
		return worker.StatusStopped, err
	}

	if err := c.publish(channels.MinerToggled{On: on, At: c.now()}); err != nil {
		return worker.StatusStopped, err
	}

	c.logger.Info("miner toggled", "on", on)
	if on {
		return worker.StatusRunning, nil
	}
	return worker.StatusStopped, nil
}

// TaskStatus is the task puller's view for the UI
type TaskStatus struct {
	Status         string              `json:"status"`
	TasksCompleted int                 `json:"tasks_completed"`
	LastTaskAt     time.Time           `json:"last_task_at,omitzero"`
	Uptime         float64             `json:"uptime"`
	Connected      bool                `json:"connected"`
	Puller         worker.SlotSnapshot `json:"puller"`
	Reporter       worker.SlotSnapshot `json:"reporter"`
}

// GetTaskStatus reads the task and uptime status from a snapshot
func (c *Commands) GetTaskStatus() (TaskStatus, error) {
	snap, err := c.store.Snapshot()
	if err != nil {
		return TaskStatus{}, err
	}
	return TaskStatus{
		Status:         snap.Config.TaskStatus,
		TasksCompleted: snap.Config.TasksCompleted,
		LastTaskAt:     snap.Config.LastTaskAt,
		Uptime:         snap.Config.LastUptime,
		Connected:      snap.Connected,
		Puller:         snap.Worker(worker.KindTaskPuller),
		Reporter:       snap.Worker(worker.KindUptime),
	}, nil
}

// OreStatus is the miner's view for the UI
type OreStatus struct {
	Enabled bool                `json:"enabled"`
	Miner   worker.SlotSnapshot `json:"miner"`
}

// GetOreStatus reads the miner status from a snapshot
func (c *Commands) GetOreStatus() (OreStatus, error) {
	snap, err := c.store.Snapshot()
	if err != nil {
		return OreStatus{}, err
	}
	return OreStatus{
		Enabled: snap.Config.MinerEnabled,
		Miner:   snap.Worker(worker.KindMiner),
	}, nil
}

// AppConfigView is the user-visible part of AppConfig. The token is never
// exposed.
type AppConfigView struct {
	DeviceID     string `json:"device_id"`
	Email        string `json:"email"`
	LoggedIn     bool   `json:"logged_in"`
	URL          string `json:"url"`
	Minimized    bool   `json:"minimized"`
	Autostart    bool   `json:"autostart"`
	MinerEnabled bool   `json:"miner_enabled"`
}

// GetAppConfig returns the user-visible configuration
func (c *Commands) GetAppConfig() (AppConfigView, error) {
	snap, err := c.store.Snapshot()
	if err != nil {
		return AppConfigView{}, err
	}
	return AppConfigView{
		DeviceID:     snap.Config.DeviceID.String(),
		Email:        snap.Config.Email,
		LoggedIn:     snap.LoggedIn,
		URL:          c.serverURL(snap.Config),
		Minimized:    snap.Config.Minimized,
		Autostart:    snap.Config.Autostart,
		MinerEnabled: snap.Config.MinerEnabled,
	}, nil
}

// AppConfigUpdate changes the user-editable flags. Nil fields are left
// unchanged.
type AppConfigUpdate struct {
	URL       *string `json:"url,omitempty" validate:"omitempty,url"`
	Minimized *bool   `json:"minimized,omitempty"`
	Autostart *bool   `json:"autostart,omitempty"`
}

// SetAppConfig applies the update. A server URL change takes effect for
// workers at their next start.
func (c *Commands) SetAppConfig(update AppConfigUpdate) error {
	if update.URL != nil {
		trimmed := strings.TrimRight(strings.TrimSpace(*update.URL), "/")
		update.URL = &trimmed
	}
	if err := auth.ValidateForm(&update); err != nil {
		return err
	}

	return c.store.WithState(func(app *state.AppState) error {
		if update.URL != nil {
			app.Config.URL = *update.URL
		}
		if update.Minimized != nil {
			app.Config.Minimized = *update.Minimized
		}
		if update.Autostart != nil {
			app.Config.Autostart = *update.Autostart
		}
		return nil
	})
}

// GetHomeURL returns the dashboard URL for the current server
func (c *Commands) GetHomeURL() (string, error) {
	snap, err := c.store.Snapshot()
	if err != nil {
		return "", err
	}
	return c.serverURL(snap.Config) + c.server.HomePath, nil
}

func (c *Commands) serverURL(app state.AppConfig) string {
	if app.URL != "" {
		return strings.TrimRight(app.URL, "/")
	}
	return strings.TrimRight(c.server.URL, "/")
}

func (c *Commands) clientFor(app state.AppConfig) *remote.Client {
	url := c.serverURL(app)
	if url == c.client.BaseURL() {
		return c.client
	}
	return c.client.WithBaseURL(url)
}

func (c *Commands) clientForState() (*remote.Client, error) {
	snap, err := c.store.Snapshot()
	if err != nil {
		return nil, err
	}
	return c.clientFor(snap.Config), nil
}

func (c *Commands) publish(msg channels.Message) error {
	if _, err := c.bus.Publish(msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Kind(), err)
	}
	return nil
}
