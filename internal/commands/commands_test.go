package commands

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/blockmesh/meshagent/internal/auth"
	"github.com/blockmesh/meshagent/internal/channels"
	"github.com/blockmesh/meshagent/internal/config"
	"github.com/blockmesh/meshagent/internal/devserver"
	"github.com/blockmesh/meshagent/internal/remote"
	"github.com/blockmesh/meshagent/internal/state"
	"github.com/blockmesh/meshagent/internal/worker"
)

const testSecret = "test-secret-that-is-at-least-32-chars"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	cmds  *Commands
	store *state.Store
	srv   *devserver.Server
	rx    *channels.Receiver
	url   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

func newHarnessWith(t *testing.T, persist state.Persister) *harness {
	t.Helper()

	srv, err := devserver.New(devserver.Options{TokenSecret: testSecret}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	cfg := config.Default()
	cfg.Server.URL = ts.URL

	bus := channels.NewBus(8, quietLogger())
	t.Cleanup(bus.Close)

	store := state.NewStore(state.NewAppState(state.AppConfig{DeviceID: uuid.New()}, bus), persist, quietLogger())
	client := remote.New(ts.URL, 2*time.Second, quietLogger())

	return &harness{
		cmds:  New(store, bus, client, cfg, quietLogger()),
		store: store,
		srv:   srv,
		rx:    bus.Subscribe(),
		url:   ts.URL,
	}
}

func (h *harness) account(t *testing.T, email, password string) {
	t.Helper()
	if err := h.srv.Store().CreateAccount(email, password); err != nil {
		t.Fatal(err)
	}
}

// published drains every buffered message
func (h *harness) published() []channels.Message {
	var msgs []channels.Message
	for {
		msg, err := h.rx.TryRecv()
		if err != nil {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

func (h *harness) snapshot(t *testing.T) state.Snapshot {
	t.Helper()
	snap, err := h.store.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func TestLogin_StoresSessionAndPublishes(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user@example.com", "password123")

	err := h.cmds.Login(context.Background(), auth.LoginForm{Email: "  User@Example.com ", Password: "password123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	snap := h.snapshot(t)
	if !snap.LoggedIn || snap.Config.Email != "user@example.com" {
		t.Errorf("session not stored: %+v", snap.Config)
	}
	if snap.Config.SessionStartedAt.IsZero() {
		t.Error("session start not recorded")
	}

	msgs := h.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	ac, ok := msgs[0].(channels.AuthChanged)
	if !ok || !ac.LoggedIn {
		t.Errorf("published %v, want AuthChanged{LoggedIn: true}", msgs[0])
	}
	if ac.At.Before(snap.Config.SessionStartedAt) {
		t.Error("login event predates its session")
	}
}

func TestLogin_Failures(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user@example.com", "password123")

	tests := []struct {
		name  string
		form  auth.LoginForm
		check func(error) bool
	}{
		{
			name: "invalid email",
			form: auth.LoginForm{Email: "nope", Password: "x"},
			check: func(err error) bool {
				var verrs *auth.ValidationErrors
				return errors.As(err, &verrs)
			},
		},
		{
			name:  "wrong password",
			form:  auth.LoginForm{Email: "user@example.com", Password: "wrong"},
			check: func(err error) bool { return errors.Is(err, remote.ErrUnauthorized) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.cmds.Login(context.Background(), tt.form)
			if err == nil || !tt.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
			if h.snapshot(t).LoggedIn {
				t.Error("failed login stored a session")
			}
			if msgs := h.published(); len(msgs) != 0 {
				t.Errorf("failed login published %v", msgs)
			}
		})
	}
}

func TestRegister_LogsIn(t *testing.T) {
	h := newHarness(t)

	err := h.cmds.Register(context.Background(), auth.RegisterForm{
		Email:           "new@example.com",
		Password:        "password123",
		PasswordConfirm: "password123",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !h.srv.Store().HasAccount("new@example.com") {
		t.Error("account not created")
	}
	if !h.snapshot(t).LoggedIn {
		t.Error("not logged in after registration")
	}
}

func TestRegister_MismatchedPasswords(t *testing.T) {
	h := newHarness(t)
	err := h.cmds.Register(context.Background(), auth.RegisterForm{
		Email:           "new@example.com",
		Password:        "password123",
		PasswordConfirm: "password124",
	})
	var verrs *auth.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected validation errors, got %v", err)
	}
	if h.srv.Store().HasAccount("new@example.com") {
		t.Error("account created despite invalid form")
	}
}

func TestLogout_RecordsRequestAndPublishes(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user@example.com", "password123")
	if err := h.cmds.Login(context.Background(), auth.LoginForm{Email: "user@example.com", Password: "password123"}); err != nil {
		t.Fatal(err)
	}
	h.published()

	if err := h.cmds.Logout(context.Background()); err != nil {
		t.Fatal(err)
	}

	msgs := h.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	ac, ok := msgs[0].(channels.AuthChanged)
	if !ok || ac.LoggedIn {
		t.Fatalf("published %v, want AuthChanged{LoggedIn: false}", msgs[0])
	}

	snap := h.snapshot(t)
	if !snap.Config.LogoutPending() || !snap.Config.LogoutRequestedAt.Equal(ac.At) {
		t.Errorf("logout request not recorded: %+v", snap.Config)
	}
	if snap.LoggedIn {
		t.Error("session still reported as logged in")
	}
	// The dispatcher clears the token after stopping the workers
	if snap.Config.APIToken == "" {
		t.Error("logout command cleared the token directly")
	}

	if _, err := h.cmds.ToggleMiner(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("toggle during pending logout: expected ErrNotLoggedIn, got %v", err)
	}

	// A new login supersedes the pending logout
	if err := h.cmds.Login(context.Background(), auth.LoginForm{Email: "user@example.com", Password: "password123"}); err != nil {
		t.Fatal(err)
	}
	if snap := h.snapshot(t); !snap.LoggedIn || snap.Config.LogoutPending() {
		t.Errorf("login did not replace pending logout: %+v", snap.Config)
	}
}

func TestCheckToken(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user@example.com", "password123")
	ctx := context.Background()

	valid, err := h.cmds.CheckToken(ctx)
	if err != nil || valid {
		t.Fatalf("no session: valid=%v err=%v", valid, err)
	}
	if msgs := h.published(); len(msgs) != 0 {
		t.Fatalf("check without session published %v", msgs)
	}

	if err := h.cmds.Login(ctx, auth.LoginForm{Email: "user@example.com", Password: "password123"}); err != nil {
		t.Fatal(err)
	}
	h.published()

	valid, err = h.cmds.CheckToken(ctx)
	if err != nil || !valid {
		t.Fatalf("fresh token: valid=%v err=%v", valid, err)
	}
	msgs := h.published()
	if len(msgs) != 1 || !msgs[0].(channels.AuthChanged).LoggedIn {
		t.Fatalf("valid token published %v", msgs)
	}

	// Rejected by the server
	err = h.store.WithState(func(app *state.AppState) error {
		app.Config.APIToken = "forged"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	valid, err = h.cmds.CheckToken(ctx)
	if err != nil || valid {
		t.Fatalf("forged token: valid=%v err=%v", valid, err)
	}
	msgs = h.published()
	if len(msgs) != 1 || msgs[0].(channels.AuthChanged).LoggedIn {
		t.Fatalf("rejected token published %v", msgs)
	}
}

func TestCheckToken_ExpiredLocally(t *testing.T) {
	h := newHarness(t)
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	token, err := expired.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	err = h.store.WithState(func(app *state.AppState) error {
		app.Config.Email = "user@example.com"
		app.Config.APIToken = token
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Point at a dead server: an expired token must not reach the network
	h.cmds.client = h.cmds.client.WithBaseURL("http://127.0.0.1:1")
	h.cmds.server.URL = "http://127.0.0.1:1"

	valid, err := h.cmds.CheckToken(context.Background())
	if err != nil || valid {
		t.Fatalf("expired token: valid=%v err=%v", valid, err)
	}
	msgs := h.published()
	if len(msgs) != 1 || msgs[0].(channels.AuthChanged).LoggedIn {
		t.Fatalf("expired token published %v", msgs)
	}
}

type idleProcess struct{ done chan struct{} }

func (p *idleProcess) ID() string            { return "idle" }
func (p *idleProcess) Done() <-chan struct{} { return p.done }
func (p *idleProcess) Err() error            { return nil }
func (p *idleProcess) Terminate() error      { return nil }
func (p *idleProcess) Kill() error           { return nil }

func TestToggleMiner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.cmds.ToggleMiner(ctx); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}
	if msgs := h.published(); len(msgs) != 0 {
		t.Fatalf("toggle without session published %v", msgs)
	}

	h.account(t, "user@example.com", "password123")
	if err := h.cmds.Login(ctx, auth.LoginForm{Email: "user@example.com", Password: "password123"}); err != nil {
		t.Fatal(err)
	}
	h.published()

	status, err := h.cmds.ToggleMiner(ctx)
	if err != nil || status != worker.StatusRunning {
		t.Fatalf("toggle on: status=%s err=%v", status, err)
	}
	if !h.snapshot(t).Config.MinerEnabled {
		t.Error("miner not recorded as enabled")
	}
	msgs := h.published()
	if len(msgs) != 1 || !msgs[0].(channels.MinerToggled).On {
		t.Fatalf("toggle on published %v", msgs)
	}

	// Pretend the dispatcher started it
	err = h.store.WithState(func(app *state.AppState) error {
		if err := app.Miner.Begin(worker.StatusStarting); err != nil {
			return err
		}
		return app.Miner.Settle(worker.StatusRunning, worker.NewHandle(worker.KindMiner, &idleProcess{done: make(chan struct{})}, nil))
	})
	if err != nil {
		t.Fatal(err)
	}

	status, err = h.cmds.ToggleMiner(ctx)
	if err != nil || status != worker.StatusStopped {
		t.Fatalf("toggle off: status=%s err=%v", status, err)
	}
	msgs = h.published()
	if len(msgs) != 1 || msgs[0].(channels.MinerToggled).On {
		t.Fatalf("toggle off published %v", msgs)
	}
}

func TestToggleMiner_BackToBackAlternates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "user@example.com", "password123")
	if err := h.cmds.Login(ctx, auth.LoginForm{Email: "user@example.com", Password: "password123"}); err != nil {
		t.Fatal(err)
	}
	h.published()

	// No dispatcher runs, so the miner slot never leaves stopped
	first, err := h.cmds.ToggleMiner(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.cmds.ToggleMiner(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if first != worker.StatusRunning || second != worker.StatusStopped {
		t.Errorf("toggles returned %s then %s, want running then stopped", first, second)
	}
	if h.snapshot(t).Config.MinerEnabled {
		t.Error("miner still enabled after two toggles")
	}

	msgs := h.published()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	if !msgs[0].(channels.MinerToggled).On || msgs[1].(channels.MinerToggled).On {
		t.Errorf("published %v, want on then off", msgs)
	}
}

func TestToggleMiner_TerminalMinerCountsAsOff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.account(t, "user@example.com", "password123")
	if err := h.cmds.Login(ctx, auth.LoginForm{Email: "user@example.com", Password: "password123"}); err != nil {
		t.Fatal(err)
	}
	err := h.store.WithState(func(app *state.AppState) error {
		app.Config.MinerEnabled = true
		app.Miner.Terminal = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	h.published()

	status, err := h.cmds.ToggleMiner(ctx)
	if err != nil || status != worker.StatusRunning {
		t.Fatalf("toggle after terminal failure: status=%s err=%v", status, err)
	}
	msgs := h.published()
	if len(msgs) != 1 || !msgs[0].(channels.MinerToggled).On {
		t.Errorf("published %v, want a start request", msgs)
	}
}

type failingPersister struct{}

func (failingPersister) SaveAppConfig(state.AppConfig) error {
	return errors.New("disk full")
}

func TestLogin_PersistFailureRollsBack(t *testing.T) {
	h := newHarnessWith(t, failingPersister{})
	h.account(t, "user@example.com", "password123")

	err := h.cmds.Login(context.Background(), auth.LoginForm{Email: "user@example.com", Password: "password123"})
	if err == nil {
		t.Fatal("expected persist failure")
	}

	snap := h.snapshot(t)
	if snap.LoggedIn || snap.Config.APIToken != "" || snap.Config.Email != "" {
		t.Errorf("half-established session left behind: %+v", snap.Config)
	}
	if !snap.Config.SessionStartedAt.IsZero() {
		t.Error("session start not rolled back")
	}
	if msgs := h.published(); len(msgs) != 0 {
		t.Errorf("failed login published %v", msgs)
	}
}

func TestStatusReads(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	err := h.store.WithState(func(app *state.AppState) error {
		app.Config.TaskStatus = "completed"
		app.Config.TasksCompleted = 3
		app.Config.LastUptime = 120
		app.Config.LastUptimeAt = now
		app.Config.PrevUptimeAt = now.Add(-30 * time.Second)
		app.Config.MinerEnabled = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	tasks, err := h.cmds.GetTaskStatus()
	if err != nil {
		t.Fatal(err)
	}
	if tasks.Status != "completed" || tasks.TasksCompleted != 3 || !tasks.Connected {
		t.Errorf("unexpected task status: %+v", tasks)
	}
	if tasks.Puller.Status != worker.StatusStopped {
		t.Errorf("puller status = %s", tasks.Puller.Status)
	}

	ore, err := h.cmds.GetOreStatus()
	if err != nil {
		t.Fatal(err)
	}
	if !ore.Enabled || ore.Miner.Status != worker.StatusStopped {
		t.Errorf("unexpected ore status: %+v", ore)
	}
}

func TestAppConfig_GetSet(t *testing.T) {
	h := newHarness(t)

	view, err := h.cmds.GetAppConfig()
	if err != nil {
		t.Fatal(err)
	}
	if view.URL != h.url || view.LoggedIn {
		t.Errorf("unexpected view: %+v", view)
	}

	url := "https://other.example/"
	yes := true
	if err := h.cmds.SetAppConfig(AppConfigUpdate{URL: &url, Minimized: &yes}); err != nil {
		t.Fatalf("set: %v", err)
	}

	view, err = h.cmds.GetAppConfig()
	if err != nil {
		t.Fatal(err)
	}
	if view.URL != "https://other.example" || !view.Minimized || view.Autostart {
		t.Errorf("update not applied: %+v", view)
	}

	home, err := h.cmds.GetHomeURL()
	if err != nil {
		t.Fatal(err)
	}
	if home != "https://other.example/ui/dashboard" {
		t.Errorf("home url = %q", home)
	}

	bad := "not a url"
	var verrs *auth.ValidationErrors
	if err := h.cmds.SetAppConfig(AppConfigUpdate{URL: &bad}); !errors.As(err, &verrs) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if msg := verrs.Errors[0].Message; msg != "url must be a valid URL" {
		t.Errorf("validation message = %q", msg)
	}
}

func TestResumeSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resumed, err := h.cmds.ResumeSession(ctx)
	if err != nil || resumed {
		t.Fatalf("no session: resumed=%v err=%v", resumed, err)
	}

	err = h.store.WithState(func(app *state.AppState) error {
		app.Config.Email = "user@example.com"
		app.Config.APIToken = "stored"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	resumed, err = h.cmds.ResumeSession(ctx)
	if err != nil || !resumed {
		t.Fatalf("stored session: resumed=%v err=%v", resumed, err)
	}
	msgs := h.published()
	if len(msgs) != 1 || !msgs[0].(channels.AuthChanged).LoggedIn {
		t.Fatalf("resume published %v", msgs)
	}
}
