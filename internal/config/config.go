// Package config handles application configuration
package config

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

//go:embed config.sample.yaml
var sampleConfig string

// GetSampleConfig returns the embedded sample configuration content
func GetSampleConfig() string {
	return sampleConfig
}

// Config represents the application configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Remote   RemoteConfig   `yaml:"remote"`
	Sync     SyncConfig     `yaml:"sync"`
	Logging  LoggingConfig  `yaml:"logging"`
	NoPrompt bool           `yaml:"no_prompt"`
}

// DatabaseConfig holds local store settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig holds API client settings
type RemoteConfig struct {
	BaseURL    string `yaml:"base_url"`
	Timeout    string `yaml:"timeout"`     // e.g. "30s"
	MaxRetries *int   `yaml:"max_retries"` // rate-limit retries per call; 0 disables
}

// SyncConfig holds synchronization settings
type SyncConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Pull             *bool  `yaml:"pull"`              // merge remote changes after a clean drain (default: true)
	Interval         string `yaml:"interval"`          // daemon schedule, a duration ("5m") or cron spec ("@hourly")
	MaxAttempts      int    `yaml:"max_attempts"`      // transient failures before an operation is marked failed
	BackoffBase      string `yaml:"backoff_base"`      // first retry delay
	BackoffMax       string `yaml:"backoff_max"`       // retry delay cap
	CircuitThreshold int    `yaml:"circuit_threshold"` // halted daemon cycles before wake-ups pause
	CircuitCooldown  string `yaml:"circuit_cooldown"`  // how long wake-ups pause
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Verbose bool   `yaml:"verbose"`
	File    string `yaml:"file"` // daemon log file, rotated; empty uses a temp file
}

// Defaults for unset values
const (
	DefaultRemoteTimeout    = 30 * time.Second
	DefaultMaxRetries       = 3
	DefaultSyncInterval     = 5 * time.Minute
	DefaultMaxAttempts      = 8
	DefaultBackoffBase      = 30 * time.Second
	DefaultBackoffMax       = time.Hour
	DefaultCircuitThreshold = 3
	DefaultCircuitCooldown  = 30 * time.Minute
)

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: filepath.Join(GetDataDir(), "habitkeep.db"),
		},
		Remote: RemoteConfig{
			Timeout: "30s",
		},
		Sync: SyncConfig{
			Enabled:  true,
			Interval: "5m",
		},
	}
}

// Load loads configuration from the specified path, or the default XDG path if empty.
// If the config file doesn't exist, it is created from the embedded sample.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = filepath.Join(GetConfigDir(), "config.yaml")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := writeSample(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return Parse([]byte(sampleConfig))
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and fills unset fields with defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in config file: %w", err)
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = DefaultConfig().Database.Path
	}
	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Logging.File = ExpandPath(cfg.Logging.File)
	return cfg, nil
}

// writeSample writes the embedded sample config to path
func writeSample(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}

	if c.Remote.BaseURL != "" {
		u, err := url.Parse(c.Remote.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid remote.base_url: %q (must be an http or https URL)", c.Remote.BaseURL)
		}
	}
	if c.Remote.MaxRetries != nil && *c.Remote.MaxRetries < 0 {
		return fmt.Errorf("remote.max_retries must not be negative, got %d", *c.Remote.MaxRetries)
	}

	durations := []struct {
		key, value string
		min        time.Duration
	}{
		{"remote.timeout", c.Remote.Timeout, time.Second},
		{"sync.backoff_base", c.Sync.BackoffBase, time.Second},
		{"sync.backoff_max", c.Sync.BackoffMax, time.Second},
		{"sync.circuit_cooldown", c.Sync.CircuitCooldown, time.Second},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %q", d.key, d.value)
		}
		if parsed < d.min {
			return fmt.Errorf("%s must be at least %v, got %q", d.key, d.min, d.value)
		}
	}
	if c.GetBackoffMax() < c.GetBackoffBase() {
		return fmt.Errorf("sync.backoff_max (%v) must not be below sync.backoff_base (%v)", c.GetBackoffMax(), c.GetBackoffBase())
	}

	if _, err := cron.ParseStandard(c.GetSyncSchedule()); err != nil {
		return fmt.Errorf("invalid sync.interval: %q", c.Sync.Interval)
	}
	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("sync.max_attempts must not be negative, got %d", c.Sync.MaxAttempts)
	}
	if c.Sync.CircuitThreshold < 0 {
		return fmt.Errorf("sync.circuit_threshold must not be negative, got %d", c.Sync.CircuitThreshold)
	}
	return nil
}

// ApplyFlags applies CLI flag overrides to the configuration
func (c *Config) ApplyFlags(noPrompt, verbose bool, dbPath string) {
	if noPrompt {
		c.NoPrompt = true
	}
	if verbose {
		c.Logging.Verbose = true
	}
	if dbPath != "" {
		c.Database.Path = ExpandPath(dbPath)
	}
}

// GetDatabasePath returns the path to the SQLite database
func (c *Config) GetDatabasePath() string {
	return c.Database.Path
}

// IsSyncEnabled returns true if synchronization is enabled and a server is configured
func (c *Config) IsSyncEnabled() bool {
	return c.Sync.Enabled && c.Remote.BaseURL != ""
}

// IsPullEnabled reports whether remote changes are merged. Defaults to true.
func (c *Config) IsPullEnabled() bool {
	if c.Sync.Pull == nil {
		return true
	}
	return *c.Sync.Pull
}

// GetRemoteTimeout returns the per-request timeout.
// Returns 30 seconds if not configured or unparsable.
func (c *Config) GetRemoteTimeout() time.Duration {
	return durationOr(c.Remote.Timeout, DefaultRemoteTimeout)
}

// GetMaxRetries returns the rate-limit retry count per call.
func (c *Config) GetMaxRetries() int {
	if c.Remote.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.Remote.MaxRetries
}

// GetSyncSchedule returns the daemon schedule as a cron spec. A plain
// duration such as "10m" becomes "@every 10m".
func (c *Config) GetSyncSchedule() string {
	interval := strings.TrimSpace(c.Sync.Interval)
	if interval == "" {
		return fmt.Sprintf("@every %s", DefaultSyncInterval)
	}
	if d, err := time.ParseDuration(interval); err == nil {
		return fmt.Sprintf("@every %s", d)
	}
	return interval
}

// GetMaxAttempts returns how many transient failures an operation survives.
func (c *Config) GetMaxAttempts() int {
	if c.Sync.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return c.Sync.MaxAttempts
}

// GetBackoffBase returns the first retry delay.
func (c *Config) GetBackoffBase() time.Duration {
	return durationOr(c.Sync.BackoffBase, DefaultBackoffBase)
}

// GetBackoffMax returns the retry delay cap.
func (c *Config) GetBackoffMax() time.Duration {
	return durationOr(c.Sync.BackoffMax, DefaultBackoffMax)
}

// GetCircuitThreshold returns how many halted cycles open the daemon circuit.
func (c *Config) GetCircuitThreshold() int {
	if c.Sync.CircuitThreshold <= 0 {
		return DefaultCircuitThreshold
	}
	return c.Sync.CircuitThreshold
}

// GetCircuitCooldown returns how long an open circuit pauses wake-ups.
func (c *Config) GetCircuitCooldown() time.Duration {
	return durationOr(c.Sync.CircuitCooldown, DefaultCircuitCooldown)
}

func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// getXDGDir returns a directory path following XDG spec.
// envVar is the XDG environment variable (e.g., "XDG_CONFIG_HOME").
// fallbackPath is the relative path from home (e.g., ".config").
func getXDGDir(envVar, fallbackPath string) string {
	if xdgDir := os.Getenv(envVar); xdgDir != "" {
		return filepath.Join(xdgDir, "habitkeep")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", fallbackPath, "habitkeep")
	}
	return filepath.Join(home, fallbackPath, "habitkeep")
}

// GetConfigDir returns the configuration directory following XDG spec
func GetConfigDir() string {
	return getXDGDir("XDG_CONFIG_HOME", ".config")
}

// GetDataDir returns the data directory following XDG spec
func GetDataDir() string {
	return getXDGDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	return os.ExpandEnv(path)
}
