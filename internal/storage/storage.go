// Package storage persists AppConfig in a bbolt file. The API token is
// sealed before it is written. The file lock doubles as the
// single-instance check: a second agent on the same data directory fails
// to open it.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/blockmesh/meshagent/internal/auth"
	"github.com/blockmesh/meshagent/internal/config"
	"github.com/blockmesh/meshagent/internal/state"
)

var (
	bucketApp = []byte("app")
	keyConfig = []byte("config")
)

// ErrAlreadyRunning is returned when another agent holds the database lock
var ErrAlreadyRunning = errors.New("another agent instance is already running")

// record is the stored form of AppConfig
type record struct {
	state.AppConfig
	SealedToken string `json:"sealed_token,omitempty"`
}

// DB is the agent's local database
type DB struct {
	db         *bolt.DB
	passphrase string
	logger     *slog.Logger

	// sealer is derived from the device id, which never changes after
	// first run
	sealerMu sync.Mutex
	sealer   *auth.Sealer
	sealerID uuid.UUID
}

// Open opens or creates the database at cfg.Path
func Open(cfg config.StorageConfig, passphrase string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage")

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: cfg.OpenTimeout()})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s is locked", ErrAlreadyRunning, cfg.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketApp)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	logger.Info("database opened", "path", cfg.Path)
	return &DB{db: db, passphrase: passphrase, logger: logger}, nil
}

// Close releases the database and its lock
func (d *DB) Close() error {
	return d.db.Close()
}

// Load returns the stored AppConfig. On first run it creates one with a
// fresh device id and saves it. A token that cannot be unsealed is
// dropped, which forces a new login.
func (d *DB) Load() (state.AppConfig, error) {
	var (
		rec   record
		found bool
	)
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketApp).Get(keyConfig)
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return state.AppConfig{}, fmt.Errorf("failed to read app config: %w", err)
	}

	if !found || rec.DeviceID == uuid.Nil {
		cfg := rec.AppConfig
		cfg.DeviceID = uuid.New()
		if err := d.SaveAppConfig(cfg); err != nil {
			return state.AppConfig{}, err
		}
		d.logger.Info("created device identity", "device_id", cfg.DeviceID)
		return cfg, nil
	}

	cfg := rec.AppConfig
	cfg.APIToken = ""
	if rec.SealedToken != "" {
		sealer, err := d.sealerFor(cfg.DeviceID)
		if err != nil {
			return state.AppConfig{}, err
		}
		token, err := sealer.Open(rec.SealedToken)
		if err != nil {
			d.logger.Warn("discarding stored token that cannot be unsealed", "error", err)
		} else {
			cfg.APIToken = token
		}
	}
	if cfg.LogoutPending() {
		d.logger.Info("finishing logout interrupted by shutdown")
		cfg.ClearSession()
	}
	return cfg, nil
}

// SaveAppConfig writes cfg, sealing the token
func (d *DB) SaveAppConfig(cfg state.AppConfig) error {
	rec := record{AppConfig: cfg}
	rec.APIToken = ""

	if cfg.APIToken != "" {
		sealer, err := d.sealerFor(cfg.DeviceID)
		if err != nil {
			return err
		}
		sealed, err := sealer.Seal(cfg.APIToken)
		if err != nil {
			return fmt.Errorf("failed to seal token: %w", err)
		}
		rec.SealedToken = sealed
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode app config: %w", err)
	}

	err = d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApp).Put(keyConfig, raw)
	})
	if err != nil {
		return fmt.Errorf("failed to write app config: %w", err)
	}
	return nil
}

func (d *DB) sealerFor(deviceID uuid.UUID) (*auth.Sealer, error) {
	d.sealerMu.Lock()
	defer d.sealerMu.Unlock()

	if d.sealer != nil && d.sealerID == deviceID {
		return d.sealer, nil
	}
	sealer, err := auth.NewSealer(d.passphrase, deviceID[:])
	if err != nil {
		return nil, fmt.Errorf("failed to derive sealing key: %w", err)
	}
	d.sealer, d.sealerID = sealer, deviceID
	return sealer, nil
}
