// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates Warden's configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	wardenerrors "github.com/tombee/warden/pkg/errors"
)

// Config is the root configuration for the warden daemon and CLI.
type Config struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Security  SecurityConfig  `yaml:"security"`
	Audit     AuditConfig     `yaml:"audit"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Log       LogConfig       `yaml:"log"`
}

// RateLimitConfig controls per-user admission limits.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`

	// MaxRequests is the capacity of the long sliding window.
	MaxRequests int `yaml:"max_requests,omitempty"`

	// WindowSeconds is the span of the long sliding window.
	WindowSeconds int `yaml:"window_seconds,omitempty"`

	// BurstLimit is the capacity of the short burst window.
	BurstLimit int `yaml:"burst_limit,omitempty"`

	// BurstWindowSeconds is the span of the burst window.
	BurstWindowSeconds int `yaml:"burst_window_seconds,omitempty"`
}

// SecurityConfig controls the sanitizer and the integrity monitor.
type SecurityConfig struct {
	// StrictMode escalates general sanitizer warnings to blocking outcomes.
	StrictMode bool `yaml:"strict_mode"`

	// AbortOnViolation makes integrity violations fatal at boot.
	AbortOnViolation bool `yaml:"abort_on_violation,omitempty"`

	// Watch re-verifies monitored files when they change on disk.
	Watch bool `yaml:"watch,omitempty"`

	// IntegrityFiles lists the monitored files. Entries may be literal
	// paths or doublestar glob patterns, expanded when the baseline is
	// initialized.
	IntegrityFiles []string `yaml:"integrity_files,omitempty"`
}

// AuditConfig controls the audit logger.
type AuditConfig struct {
	// Dir is the audit log directory. Default: <state_dir>/audit
	Dir string `yaml:"dir,omitempty"`
}

// DaemonConfig controls the supervisor process.
type DaemonConfig struct {
	// StateDir holds the pid marker, status record, operational log,
	// audit logs and integrity baseline. Default: ~/.local/state/warden
	StateDir string `yaml:"state_dir,omitempty"`

	// HeartbeatInterval is how often the status record is rewritten.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`

	// DrainTimeout bounds the graceful-shutdown wait for in-flight work.
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`

	// HealthAddr is the listen address for the local health/metrics
	// endpoint. Empty disables the listener.
	HealthAddr string `yaml:"health_addr,omitempty"`

	// LogMaxSize is the operational log size that triggers rotation.
	LogMaxSize int64 `yaml:"log_max_size,omitempty"`

	// LogMaxRotations caps how many rotated operational logs are kept.
	LogMaxRotations int `yaml:"log_max_rotations,omitempty"`

	// EnvPassthrough names the environment variables forwarded to the
	// spawned daemon process. Secrets reach the daemon only through
	// this allow-list.
	EnvPassthrough []string `yaml:"env_passthrough,omitempty"`
}

// LogConfig controls the daemon's operational logging.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Defaults for the rate limiter windows.
const (
	DefaultMaxRequests        = 30
	DefaultWindowSeconds      = 60
	DefaultBurstLimit         = 5
	DefaultBurstWindowSeconds = 5
)

// Defaults for the daemon supervisor.
const (
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultDrainTimeout      = 30 * time.Second
	DefaultHealthAddr        = "127.0.0.1:7710"
	DefaultLogMaxSize        = 10 * 1024 * 1024
	DefaultLogMaxRotations   = 3
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RateLimit: RateLimitConfig{
			Enabled:            true,
			MaxRequests:        DefaultMaxRequests,
			WindowSeconds:      DefaultWindowSeconds,
			BurstLimit:         DefaultBurstLimit,
			BurstWindowSeconds: DefaultBurstWindowSeconds,
		},
		Security: SecurityConfig{
			StrictMode:       false,
			AbortOnViolation: false,
		},
		Daemon: DaemonConfig{
			HeartbeatInterval: DefaultHeartbeatInterval,
			DrainTimeout:      DefaultDrainTimeout,
			HealthAddr:        DefaultHealthAddr,
			LogMaxSize:        DefaultLogMaxSize,
			LogMaxRotations:   DefaultLogMaxRotations,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration from the given path, falling back to the
// default XDG location when path is empty. A missing file at the default
// location is not an error; a missing file at an explicit path is.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	explicit := configPath != ""
	if !explicit {
		defaultPath, err := ConfigPath()
		if err == nil {
			configPath = defaultPath
		}
	}

	if configPath != "" {
		err := cfg.loadFromFile(configPath)
		switch {
		case err == nil:
		case os.IsNotExist(err) && !explicit:
			// No config file yet - run on defaults
		default:
			return nil, &wardenerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	// Override with environment variables
	cfg.loadFromEnv()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, &wardenerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// loadFromFile reads and parses a YAML config file.
func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// applyDefaults fills in zero values with sensible defaults.
// This allows minimal configs to work without specifying every field.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = defaults.RateLimit.MaxRequests
	}
	if c.RateLimit.WindowSeconds == 0 {
		c.RateLimit.WindowSeconds = defaults.RateLimit.WindowSeconds
	}
	if c.RateLimit.BurstLimit == 0 {
		c.RateLimit.BurstLimit = defaults.RateLimit.BurstLimit
	}
	if c.RateLimit.BurstWindowSeconds == 0 {
		c.RateLimit.BurstWindowSeconds = defaults.RateLimit.BurstWindowSeconds
	}

	if c.Daemon.HeartbeatInterval == 0 {
		c.Daemon.HeartbeatInterval = defaults.Daemon.HeartbeatInterval
	}
	if c.Daemon.DrainTimeout == 0 {
		c.Daemon.DrainTimeout = defaults.Daemon.DrainTimeout
	}
	if c.Daemon.LogMaxSize == 0 {
		c.Daemon.LogMaxSize = defaults.Daemon.LogMaxSize
	}
	if c.Daemon.LogMaxRotations == 0 {
		c.Daemon.LogMaxRotations = defaults.Daemon.LogMaxRotations
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
}

// loadFromEnv loads configuration overrides from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("WARDEN_STATE_DIR"); val != "" {
		c.Daemon.StateDir = val
	}

	if val := os.Getenv("WARDEN_DRAIN_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Daemon.DrainTimeout = duration
		}
	}

	if val := os.Getenv("WARDEN_HEARTBEAT_INTERVAL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Daemon.HeartbeatInterval = duration
		}
	}

	if val := os.Getenv("WARDEN_HEALTH_ADDR"); val != "" {
		c.Daemon.HealthAddr = val
	}

	if val := os.Getenv("WARDEN_STRICT_MODE"); val != "" {
		if strict, err := strconv.ParseBool(val); err == nil {
			c.Security.StrictMode = strict
		}
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.RateLimit.MaxRequests < 0 {
		return fmt.Errorf("rate_limit.max_requests must not be negative")
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.window_seconds must be positive")
	}
	if c.RateLimit.BurstWindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.burst_window_seconds must be positive")
	}
	if c.RateLimit.BurstWindowSeconds > c.RateLimit.WindowSeconds {
		return fmt.Errorf("rate_limit.burst_window_seconds must not exceed window_seconds")
	}
	if c.Daemon.HeartbeatInterval <= 0 {
		return fmt.Errorf("daemon.heartbeat_interval must be positive")
	}
	if c.Daemon.DrainTimeout <= 0 {
		return fmt.Errorf("daemon.drain_timeout must be positive")
	}
	if c.Daemon.LogMaxSize <= 0 {
		return fmt.Errorf("daemon.log_max_size must be positive")
	}
	if c.Daemon.LogMaxRotations < 1 {
		return fmt.Errorf("daemon.log_max_rotations must be at least 1")
	}
	return nil
}

// ResolveStateDir returns the configured state directory, creating the
// default XDG location when none is configured.
func (c *Config) ResolveStateDir() (string, error) {
	if c.Daemon.StateDir != "" {
		dir := c.Daemon.StateDir
		if strings.HasPrefix(dir, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			dir = filepath.Join(home, dir[2:])
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", err
		}
		return dir, nil
	}
	return StateDir()
}

// PIDPath returns the pid marker path under the state directory.
func PIDPath(stateDir string) string {
	return filepath.Join(stateDir, "warden.pid")
}

// StatusPath returns the status record path under the state directory.
func StatusPath(stateDir string) string {
	return filepath.Join(stateDir, "status.json")
}

// OperationalLogPath returns the daemon log path under the state directory.
func OperationalLogPath(stateDir string) string {
	return filepath.Join(stateDir, "warden.log")
}

// AuditDir returns the audit log directory for the given state directory,
// honoring an explicit audit.dir override.
func (c *Config) AuditDir(stateDir string) string {
	if c.Audit.Dir != "" {
		return c.Audit.Dir
	}
	return filepath.Join(stateDir, "audit")
}

// BaselinePath returns the integrity baseline path under the state directory.
func BaselinePath(stateDir string) string {
	return filepath.Join(stateDir, "integrity.json")
}
