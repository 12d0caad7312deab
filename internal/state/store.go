package state

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blockmesh/meshagent/internal/worker"
)

// ErrStateUnavailable is returned once the store is closed. Under normal
// operation it never happens; callers treat it as fatal.
var ErrStateUnavailable = errors.New("application state unavailable")

// ConnectedWindow is the maximum spacing of the two latest uptime reports
// for the device to count as connected.
const ConnectedWindow = 60 * time.Second

// Persister saves AppConfig ("load on boot, save on change")
type Persister interface {
	SaveAppConfig(cfg AppConfig) error
}

// Store serializes access to AppState
type Store struct {
	mu      sync.Mutex
	app     *AppState
	persist Persister
	closed  bool
	logger  *slog.Logger
}

// NewStore wraps app. persist may be nil.
func NewStore(app *AppState, persist Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		app:     app,
		persist: persist,
		logger:  logger.With("component", "state"),
	}
}

// WithState runs fn with exclusive access to the state. The lock is
// released on every exit path, panics included. If fn changed AppConfig it
// is persisted before the lock is released, so saves keep mutation order.
//
// fn must not wait on a worker handle or a bus receive.
func (s *Store) WithState(fn func(app *AppState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateUnavailable
	}

	before := s.app.Config
	err := fn(s.app)

	if s.persist != nil && s.app.Config != before {
		if perr := s.persist.SaveAppConfig(s.app.Config); perr != nil {
			s.logger.Error("failed to persist app config", "error", perr)
			err = errors.Join(err, fmt.Errorf("failed to persist app config: %w", perr))
		}
	}

	return err
}

// Snapshot is a point-in-time copy of the state for read-only callers
type Snapshot struct {
	Config    AppConfig                           `json:"config"`
	Workers   map[worker.Kind]worker.SlotSnapshot `json:"workers"`
	LoggedIn  bool                                `json:"logged_in"`
	Connected bool                                `json:"connected"`
}

// Worker returns the snapshot of one worker
func (s Snapshot) Worker(kind worker.Kind) worker.SlotSnapshot {
	if ws, ok := s.Workers[kind]; ok {
		return ws
	}
	return worker.SlotSnapshot{Kind: kind, Status: worker.StatusStopped}
}

// Snapshot copies the state under a brief lock
func (s *Store) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := s.WithState(func(app *AppState) error {
		snap.Config = app.Config
		snap.Workers = make(map[worker.Kind]worker.SlotSnapshot, 3)
		for _, slot := range app.Slots() {
			snap.Workers[slot.Kind] = slot.Snapshot()
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	snap.LoggedIn = snap.Config.LoggedIn()
	snap.Connected = Connected(snap.Config.LastUptimeAt, snap.Config.PrevUptimeAt)
	return snap, nil
}

// Close makes every later WithState fail with ErrStateUnavailable
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Connected applies the liveness heuristic: two uptime reports less than
// ConnectedWindow apart.
func Connected(latest, previous time.Time) bool {
	if latest.IsZero() || previous.IsZero() {
		return false
	}
	return latest.Sub(previous) < ConnectedWindow
}
