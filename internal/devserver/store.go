package devserver

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/blockmesh/meshagent/internal/remote"
)

var (
	errAccountExists      = errors.New("account already exists")
	errInvalidCredentials = errors.New("invalid email or password")
)

type account struct {
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// UptimeRecord is the last heartbeat received for an account
type UptimeRecord struct {
	DeviceID uuid.UUID
	Uptime   float64
	At       time.Time
}

// Store holds all server data in memory
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*account
	uptimes  map[string]UptimeRecord
	tasks    []remote.Task
	assigned map[uuid.UUID]string
	results  []remote.TaskResult
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		accounts: make(map[string]*account),
		uptimes:  make(map[string]UptimeRecord),
		assigned: make(map[uuid.UUID]string),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateAccount registers email with password
func (s *Store) CreateAccount(email, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	email = normalizeEmail(email)
	if _, exists := s.accounts[email]; exists {
		return errAccountExists
	}
	s.accounts[email] = &account{Email: email, PasswordHash: hash, CreatedAt: time.Now()}
	return nil
}

// Authenticate checks a password
func (s *Store) Authenticate(email, password string) error {
	s.mu.RLock()
	acc, ok := s.accounts[normalizeEmail(email)]
	s.mu.RUnlock()

	if !ok {
		return errInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acc.PasswordHash, []byte(password)); err != nil {
		return errInvalidCredentials
	}
	return nil
}

// HasAccount reports whether email is registered
func (s *Store) HasAccount(email string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.accounts[normalizeEmail(email)]
	return ok
}

// RecordUptime stores a heartbeat
func (s *Store) RecordUptime(email string, deviceID uuid.UUID, uptime float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uptimes[normalizeEmail(email)] = UptimeRecord{DeviceID: deviceID, Uptime: uptime, At: time.Now()}
}

// Uptime returns the last heartbeat for email
func (s *Store) Uptime(email string) (UptimeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.uptimes[normalizeEmail(email)]
	return rec, ok
}

// EnqueueTask adds a task for any agent to pick up. A task without an id
// gets one.
func (s *Store) EnqueueTask(task remote.Task) uuid.UUID {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Method == "" {
		task.Method = "GET"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return task.ID
}

// NextTask hands the oldest queued task to email
func (s *Store) NextTask(email string) (remote.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tasks) == 0 {
		return remote.Task{}, false
	}
	task := s.tasks[0]
	s.tasks = s.tasks[1:]
	s.assigned[task.ID] = normalizeEmail(email)
	return task, true
}

// SaveResult records a result for a task assigned to email
func (s *Store) SaveResult(email string, result remote.TaskResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.assigned[result.TaskID]
	if !ok || owner != normalizeEmail(email) {
		return false
	}
	delete(s.assigned, result.TaskID)

	result.APIToken = ""
	s.results = append(s.results, result)
	return true
}

// Results returns a copy of all submitted results
func (s *Store) Results() []remote.TaskResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]remote.TaskResult(nil), s.results...)
}
