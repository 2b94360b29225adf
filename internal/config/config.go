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

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	flowengineerrors "github.com/flowcraft/engine/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete flowengine daemon/ctl configuration.
type Config struct {
	// Version indicates the config format version.
	Version int `yaml:"version,omitempty"`

	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Worker  WorkerConfig  `yaml:"worker"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: LOG_LEVEL
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	AddSource bool `yaml:"add_source"`
}

// StoreConfig selects and configures the store.Store backend a daemon
// or ctl process connects to.
type StoreConfig struct {
	// Backend is one of "memory", "sqlite", "postgres".
	// Environment: FLOWENGINE_STORE_BACKEND
	Backend string `yaml:"backend"`

	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig configures the store/sqlite backend.
type SQLiteConfig struct {
	// Path is the database file path. "file::memory:?cache=shared"
	// runs an ephemeral in-process database.
	// Environment: FLOWENGINE_SQLITE_PATH
	Path string `yaml:"path,omitempty"`

	// WAL enables Write-Ahead Logging.
	WAL bool `yaml:"wal"`
}

// PostgresConfig configures the store/postgres backend.
type PostgresConfig struct {
	// ConnectionString is the PostgreSQL connection URL.
	// Environment: FLOWENGINE_POSTGRES_DSN
	ConnectionString string `yaml:"connection_string,omitempty"`

	MaxOpenConns           int `yaml:"max_open_conns,omitempty"`
	MaxIdleConns           int `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetimeSeconds int `yaml:"conn_max_lifetime_seconds,omitempty"`
}

// WorkerConfig configures a worker.Worker's timing and concurrency,
// mirroring worker.Options so a daemon can build one straight from a
// loaded Config.
type WorkerConfig struct {
	// ID is loaded from the config file and environment but is not read
	// by flowengined: worker.New always generates a random worker id at
	// startup.
	// Environment: FLOWENGINE_WORKER_ID
	ID string `yaml:"id,omitempty"`

	// Names is loaded from the config file but is not read by
	// flowengined: a worker pulls every workflow name in its registry.
	Names []string `yaml:"names,omitempty"`

	PingIntervalSeconds int `yaml:"ping_interval_seconds,omitempty"`
	GCIntervalSeconds   int `yaml:"gc_interval_seconds,omitempty"`
	TickIntervalMillis  int `yaml:"tick_interval_millis,omitempty"`
	LeaseExpirySeconds  int `yaml:"lease_expiry_seconds,omitempty"`

	// MaxPulled bounds how many eligible workflows a single pull claims.
	MaxPulled int `yaml:"max_pulled,omitempty"`

	// MaxConcurrent bounds the cooperative pool's goroutine count.
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`
}

// TracingConfig configures tracing.Config the way a loaded Config
// hands it to tracing.NewProvider.
type TracingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name,omitempty"`
	ServiceVersion string `yaml:"service_version,omitempty"`

	Sampling SamplingConfig `yaml:"sampling,omitempty"`

	// BatchSize is the maximum number of spans per export batch.
	BatchSize int `yaml:"batch_size,omitempty"`

	// BatchIntervalSeconds is how often to flush spans.
	BatchIntervalSeconds int `yaml:"batch_interval_seconds,omitempty"`

	Exporters []ExporterConfig `yaml:"exporters,omitempty"`
}

// SamplingConfig controls which traces are recorded.
type SamplingConfig struct {
	Enabled            bool    `yaml:"enabled"`
	Type               string  `yaml:"type,omitempty"`
	Rate               float64 `yaml:"rate,omitempty"`
	AlwaysSampleErrors bool    `yaml:"always_sample_errors"`
}

// ExporterConfig defines an OTLP export destination.
type ExporterConfig struct {
	// Type is the exporter type: "otlp", "otlp-http", or "console".
	Type string `yaml:"type"`

	// Endpoint is the OTLP receiver URL.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Headers are additional headers for authenticated collectors.
	Headers map[string]string `yaml:"headers,omitempty"`

	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// Default returns a Config with sensible defaults: a single-process
// in-memory store and a worker tuned for local development.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			AddSource: false,
		},
		Store: StoreConfig{
			Backend: "memory",
			SQLite: SQLiteConfig{
				Path: "file:" + filepath.Join(defaultDataDir(), "flowengine.db") + "?cache=shared",
				WAL:  true,
			},
			Postgres: PostgresConfig{
				MaxOpenConns:           10,
				MaxIdleConns:           5,
				ConnMaxLifetimeSeconds: 3600,
			},
		},
		Worker: WorkerConfig{
			PingIntervalSeconds: 10,
			GCIntervalSeconds:   15,
			TickIntervalMillis:  100,
			LeaseExpirySeconds:  30,
			MaxPulled:           50,
			MaxConcurrent:       20,
		},
		Tracing: TracingConfig{
			Enabled:        false, // opt-in
			ServiceName:    "flowengine",
			ServiceVersion: "unknown",
			Sampling: SamplingConfig{
				Enabled:            false,
				Type:               "head",
				Rate:               1.0,
				AlwaysSampleErrors: true,
			},
			BatchSize:            512,
			BatchIntervalSeconds: 5,
		},
	}
}

// Load loads configuration from environment variables and optionally
// from a YAML file. Environment variables take precedence over
// file-based configuration. If configPath is empty, only environment
// variables (layered over defaults) are used, after checking for the
// default config file location.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		if defaultPath, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				configPath = defaultPath
			}
		}
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &flowengineerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &flowengineerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values with sensible defaults, so a
// minimal config file (e.g. just `store.backend: postgres`) still
// produces a fully usable Config.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = defaults.Store.SQLite.Path
	}
	if c.Store.Postgres.MaxOpenConns == 0 {
		c.Store.Postgres.MaxOpenConns = defaults.Store.Postgres.MaxOpenConns
	}
	if c.Store.Postgres.MaxIdleConns == 0 {
		c.Store.Postgres.MaxIdleConns = defaults.Store.Postgres.MaxIdleConns
	}
	if c.Store.Postgres.ConnMaxLifetimeSeconds == 0 {
		c.Store.Postgres.ConnMaxLifetimeSeconds = defaults.Store.Postgres.ConnMaxLifetimeSeconds
	}

	if c.Worker.PingIntervalSeconds == 0 {
		c.Worker.PingIntervalSeconds = defaults.Worker.PingIntervalSeconds
	}
	if c.Worker.GCIntervalSeconds == 0 {
		c.Worker.GCIntervalSeconds = defaults.Worker.GCIntervalSeconds
	}
	if c.Worker.TickIntervalMillis == 0 {
		c.Worker.TickIntervalMillis = defaults.Worker.TickIntervalMillis
	}
	if c.Worker.LeaseExpirySeconds == 0 {
		c.Worker.LeaseExpirySeconds = defaults.Worker.LeaseExpirySeconds
	}
	if c.Worker.MaxPulled == 0 {
		c.Worker.MaxPulled = defaults.Worker.MaxPulled
	}
	if c.Worker.MaxConcurrent == 0 {
		c.Worker.MaxConcurrent = defaults.Worker.MaxConcurrent
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
	if c.Tracing.ServiceVersion == "" {
		c.Tracing.ServiceVersion = defaults.Tracing.ServiceVersion
	}
	if c.Tracing.Sampling.Type == "" {
		c.Tracing.Sampling.Type = defaults.Tracing.Sampling.Type
	}
	if c.Tracing.Sampling.Rate == 0 {
		c.Tracing.Sampling.Rate = defaults.Tracing.Sampling.Rate
	}
	if c.Tracing.BatchSize == 0 {
		c.Tracing.BatchSize = defaults.Tracing.BatchSize
	}
	if c.Tracing.BatchIntervalSeconds == 0 {
		c.Tracing.BatchIntervalSeconds = defaults.Tracing.BatchIntervalSeconds
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables, which
// take precedence over both the YAML file and applyDefaults.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("FLOWENGINE_STORE_BACKEND"); val != "" {
		c.Store.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("FLOWENGINE_SQLITE_PATH"); val != "" {
		c.Store.SQLite.Path = val
	}
	if val := os.Getenv("FLOWENGINE_POSTGRES_DSN"); val != "" {
		c.Store.Postgres.ConnectionString = val
	}

	if val := os.Getenv("FLOWENGINE_WORKER_ID"); val != "" {
		c.Worker.ID = val
	}
	if val := os.Getenv("FLOWENGINE_WORKER_NAMES"); val != "" {
		c.Worker.Names = strings.Split(val, ",")
	}
	if val := os.Getenv("FLOWENGINE_MAX_CONCURRENT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Worker.MaxConcurrent = n
		}
	}
	if val := os.Getenv("FLOWENGINE_LEASE_EXPIRY_SECONDS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Worker.LeaseExpirySeconds = n
		}
	}

	if val := os.Getenv("FLOWENGINE_TRACING_ENABLED"); val != "" {
		c.Tracing.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	validBackends := map[string]bool{"memory": true, "sqlite": true, "postgres": true}
	if !validBackends[c.Store.Backend] {
		errs = append(errs, fmt.Sprintf("store.backend must be one of [memory, sqlite, postgres], got %q", c.Store.Backend))
	}
	if c.Store.Backend == "postgres" && c.Store.Postgres.ConnectionString == "" {
		errs = append(errs, "store.postgres.connection_string is required when store.backend is postgres")
	}
	if c.Store.Backend == "sqlite" && c.Store.SQLite.Path == "" {
		errs = append(errs, "store.sqlite.path is required when store.backend is sqlite")
	}

	if c.Worker.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Sprintf("worker.max_concurrent must be positive, got %d", c.Worker.MaxConcurrent))
	}
	if c.Worker.MaxPulled <= 0 {
		errs = append(errs, fmt.Sprintf("worker.max_pulled must be positive, got %d", c.Worker.MaxPulled))
	}
	if c.Worker.LeaseExpirySeconds <= 0 {
		errs = append(errs, fmt.Sprintf("worker.lease_expiry_seconds must be positive, got %d", c.Worker.LeaseExpirySeconds))
	}

	if c.Tracing.Enabled {
		if c.Tracing.Sampling.Enabled {
			rate := c.Tracing.Sampling.Rate
			if rate < 0.0 || rate > 1.0 {
				errs = append(errs, fmt.Sprintf("tracing.sampling.rate must be between 0.0 and 1.0, got %f", rate))
			}
		}
		for i, exp := range c.Tracing.Exporters {
			validTypes := map[string]bool{"otlp": true, "otlp-http": true, "console": true}
			if !validTypes[exp.Type] {
				errs = append(errs, fmt.Sprintf("tracing.exporters[%d].type must be one of [otlp, otlp-http, console], got %q", i, exp.Type))
			}
			if exp.Type != "console" && exp.Endpoint == "" {
				errs = append(errs, fmt.Sprintf("tracing.exporters[%d].endpoint is required for type %q", i, exp.Type))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// PingInterval, GCInterval, TickInterval, and LeaseExpiry convert the
// config's plain-integer durations into time.Duration, the form
// worker.Options expects.
func (c *WorkerConfig) PingInterval() time.Duration { return time.Duration(c.PingIntervalSeconds) * time.Second }
func (c *WorkerConfig) GCInterval() time.Duration   { return time.Duration(c.GCIntervalSeconds) * time.Second }
func (c *WorkerConfig) TickInterval() time.Duration { return time.Duration(c.TickIntervalMillis) * time.Millisecond }
func (c *WorkerConfig) LeaseExpiry() time.Duration  { return time.Duration(c.LeaseExpirySeconds) * time.Second }

// ConnMaxLifetime converts the config's plain-integer duration into a
// time.Duration, the form store/postgres.Config expects.
func (c *PostgresConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}

// defaultDataDir returns the default data directory for file-backed
// stores and local state.
func defaultDataDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "flowengine")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/flowengine-data"
	}

	return filepath.Join(homeDir, ".flowengine", "data")
}
