// Package config loads the agent's bootstrap configuration
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "MESH_"

type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Miner      MinerConfig      `yaml:"miner"`
	Reporter   ReporterConfig   `yaml:"reporter"`
	TaskPuller TaskPullerConfig `yaml:"task_puller"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Channel    ChannelConfig    `yaml:"channel"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AgentConfig struct {
	DataDir   string `yaml:"data_dir" validate:"required"`
	Minimized bool   `yaml:"minimized"`
	Autostart bool   `yaml:"autostart"`
}

type ServerConfig struct {
	URL              string `yaml:"url" validate:"required,url"`
	HomePath         string `yaml:"home_path"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms" validate:"gte=100"`
}

type AuthConfig struct {
	// SealPassphrase derives the key that encrypts the API token at rest
	SealPassphrase string `yaml:"seal_passphrase" validate:"required,min=16"`
	// TokenLeewaySeconds treats tokens expiring within the leeway as expired
	TokenLeewaySeconds int `yaml:"token_leeway_seconds" validate:"gte=0"`
}

type MinerConfig struct {
	Binary      string   `yaml:"binary" validate:"required"`
	RPCURL      string   `yaml:"rpc_url" validate:"omitempty,url"`
	KeypairPath string   `yaml:"keypair_path"`
	PriorityFee int      `yaml:"priority_fee" validate:"gte=0"`
	Cores       int      `yaml:"cores" validate:"gte=0"`
	WorkDir     string   `yaml:"work_dir"`
	ExtraArgs   []string `yaml:"extra_args"`
}

type ReporterConfig struct {
	IntervalMS int `yaml:"interval_ms" validate:"gte=1000"`
}

type TaskPullerConfig struct {
	IntervalMS     int `yaml:"interval_ms" validate:"gte=1000"`
	IdleIntervalMS int `yaml:"idle_interval_ms" validate:"gte=1000"`
}

type SupervisorConfig struct {
	StopGraceMS        int `yaml:"stop_grace_ms" validate:"gte=1"`
	LivenessIntervalMS int `yaml:"liveness_interval_ms" validate:"gte=1"`
}

type ChannelConfig struct {
	Capacity int `yaml:"capacity" validate:"gte=1"`
}

type StorageConfig struct {
	Path          string `yaml:"path"`
	OpenTimeoutMS int    `yaml:"open_timeout_ms" validate:"gte=1"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format   string `yaml:"format" validate:"omitempty,oneof=text json"`
	Output   string `yaml:"output" validate:"omitempty,oneof=stdout stderr file"`
	FilePath string `yaml:"file_path" validate:"required_if=Output file"`
}

// Load reads configuration from file, applies environment variable
// overrides and defaults, then validates it
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Overrides go first so derived defaults (storage path) follow them
	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to defaults when the file
// does not exist
func LoadOrDefault(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = &Config{}
	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every zero field with its default
func (c *Config) ApplyDefaults() {
	if c.Agent.DataDir == "" {
		c.Agent.DataDir = defaultDataDir()
	}
	c.Agent.DataDir = ExpandHome(c.Agent.DataDir)
	if c.Server.URL == "" {
		c.Server.URL = "https://app.blockmesh.xyz"
	}
	if c.Server.HomePath == "" {
		c.Server.HomePath = "/ui/dashboard"
	}
	if c.Server.RequestTimeoutMS == 0 {
		c.Server.RequestTimeoutMS = 10000
	}
	if c.Auth.SealPassphrase == "" {
		c.Auth.SealPassphrase = "meshagent-local-token-seal"
	}
	if c.Auth.TokenLeewaySeconds == 0 {
		c.Auth.TokenLeewaySeconds = 30
	}
	if c.Miner.Binary == "" {
		c.Miner.Binary = "ore"
	}
	if c.Reporter.IntervalMS == 0 {
		c.Reporter.IntervalMS = 30000
	}
	if c.TaskPuller.IntervalMS == 0 {
		c.TaskPuller.IntervalMS = 5000
	}
	if c.TaskPuller.IdleIntervalMS == 0 {
		c.TaskPuller.IdleIntervalMS = 30000
	}
	if c.Supervisor.StopGraceMS == 0 {
		c.Supervisor.StopGraceMS = 5000
	}
	if c.Supervisor.LivenessIntervalMS == 0 {
		c.Supervisor.LivenessIntervalMS = 2000
	}
	if c.Channel.Capacity == 0 {
		c.Channel.Capacity = 2
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.Agent.DataDir, "meshagent.db")
	}
	c.Storage.Path = ExpandHome(c.Storage.Path)
	if c.Storage.OpenTimeoutMS == 0 {
		c.Storage.OpenTimeoutMS = 1000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
}

// ExpandHome replaces a leading "~" with the user's home directory
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "meshagent")
	}
	return ".meshagent"
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate ensures all required configuration values are set and in range
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// applyEnvOverrides checks for environment variables with MESH_ prefix
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "AGENT_DATA_DIR"); v != "" {
		cfg.Agent.DataDir = v
	}

	// Server overrides
	if v := os.Getenv(EnvPrefix + "SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv(EnvPrefix + "SERVER_REQUEST_TIMEOUT_MS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Server.RequestTimeoutMS)
	}

	// Auth overrides
	if v := os.Getenv(EnvPrefix + "AUTH_SEAL_PASSPHRASE"); v != "" {
		cfg.Auth.SealPassphrase = v
	}

	// Miner overrides
	if v := os.Getenv(EnvPrefix + "MINER_BINARY"); v != "" {
		cfg.Miner.Binary = v
	}
	if v := os.Getenv(EnvPrefix + "MINER_RPC_URL"); v != "" {
		cfg.Miner.RPCURL = v
	}
	if v := os.Getenv(EnvPrefix + "MINER_KEYPAIR_PATH"); v != "" {
		cfg.Miner.KeypairPath = v
	}
	if v := os.Getenv(EnvPrefix + "MINER_CORES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Miner.Cores)
	}

	if v := os.Getenv(EnvPrefix + "SUPERVISOR_STOP_GRACE_MS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Supervisor.StopGraceMS)
	}
	if v := os.Getenv(EnvPrefix + "CHANNEL_CAPACITY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Channel.Capacity)
	}
	if v := os.Getenv(EnvPrefix + "STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}

	// Logging overrides
	if v := os.Getenv(EnvPrefix + "LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvPrefix + "LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
}

// RequestTimeout returns the remote request timeout as a duration
func (s *ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMS) * time.Millisecond
}

// HomeURL returns the dashboard URL shown to the user
func (s *ServerConfig) HomeURL() string {
	return strings.TrimRight(s.URL, "/") + s.HomePath
}

// TokenLeeway returns the token expiry leeway as a duration
func (a *AuthConfig) TokenLeeway() time.Duration {
	return time.Duration(a.TokenLeewaySeconds) * time.Second
}

// Interval returns the uptime report interval as a duration
func (r *ReporterConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMS) * time.Millisecond
}

// Interval returns the task poll interval as a duration
func (t *TaskPullerConfig) Interval() time.Duration {
	return time.Duration(t.IntervalMS) * time.Millisecond
}

// IdleInterval returns the wait after an empty poll as a duration
func (t *TaskPullerConfig) IdleInterval() time.Duration {
	return time.Duration(t.IdleIntervalMS) * time.Millisecond
}

// StopGrace returns the worker stop grace period as a duration
func (s *SupervisorConfig) StopGrace() time.Duration {
	return time.Duration(s.StopGraceMS) * time.Millisecond
}

// LivenessInterval returns the liveness check interval as a duration
func (s *SupervisorConfig) LivenessInterval() time.Duration {
	return time.Duration(s.LivenessIntervalMS) * time.Millisecond
}

// OpenTimeout returns the storage lock timeout as a duration
func (s *StorageConfig) OpenTimeout() time.Duration {
	return time.Duration(s.OpenTimeoutMS) * time.Millisecond
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}

// DumpExampleConfig writes an example configuration to the provided writer
func DumpExampleConfig(w io.Writer) error {
	example := &Config{
		Agent: AgentConfig{
			DataDir:   "~/.config/meshagent",
			Minimized: false,
			Autostart: true,
		},
		Server: ServerConfig{
			URL:              "https://app.blockmesh.xyz",
			HomePath:         "/ui/dashboard",
			RequestTimeoutMS: 10000,
		},
		Auth: AuthConfig{
			SealPassphrase:     "change-me-to-a-long-random-passphrase",
			TokenLeewaySeconds: 30,
		},
		Miner: MinerConfig{
			Binary:      "ore",
			RPCURL:      "https://api.mainnet-beta.solana.com",
			KeypairPath: "~/.config/solana/id.json",
			PriorityFee: 0,
			Cores:       2,
		},
		Reporter: ReporterConfig{
			IntervalMS: 30000,
		},
		TaskPuller: TaskPullerConfig{
			IntervalMS:     5000,
			IdleIntervalMS: 30000,
		},
		Supervisor: SupervisorConfig{
			StopGraceMS:        5000,
			LivenessIntervalMS: 2000,
		},
		Channel: ChannelConfig{
			Capacity: 2,
		},
		Storage: StorageConfig{
			Path:          "~/.config/meshagent/meshagent.db",
			OpenTimeoutMS: 1000,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "stderr",
			FilePath: "~/.config/meshagent/meshagent.log",
		},
	}

	// Create a YAML node for custom formatting with comments
	var node yaml.Node
	if err := node.Encode(example); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	header := `# =============================================================================
# meshagent Example Configuration
# =============================================================================
# Copy this file to config.yaml and modify it according to your needs.
#
# Environment variable overrides follow the pattern: MESH_<SECTION>_<KEY>
# Example: MESH_SERVER_URL, MESH_AUTH_SEAL_PASSPHRASE
# =============================================================================

`
	if _, err := fmt.Fprint(w, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(&node); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %w", err)
	}

	footer := `
# =============================================================================
# Notes:
# =============================================================================
#
# 1. The API token is stored encrypted in the storage file. Changing
#    seal_passphrase invalidates the stored token and requires a new login.
#
# 2. Only one agent may use a storage file at a time. A second instance
#    exits after open_timeout_ms.
#
# 3. Paths starting with ~ are not expanded; use absolute paths.
# =============================================================================
`
	if _, err := fmt.Fprint(w, footer); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}

	return nil
}

// InitLogger initializes the global logger based on configuration.
// The returned close function releases the log file, if any.
func InitLogger(cfg LoggingConfig) (*slog.Logger, func() error, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var out io.Writer = os.Stderr
	closeFn := func() error { return nil }
	switch cfg.Output {
	case "stdout":
		out = os.Stdout
	case "file":
		path := ExpandHome(cfg.FilePath)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closeFn = f.Close
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger, closeFn, nil
}
