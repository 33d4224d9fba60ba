// Package config loads the sync worker configuration from a YAML file
// with environment variable overrides. Configuration is read once at
// startup; an invalid configuration is fatal.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the file or environment leaves a field unset.
const (
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxPollInterval = 30 * time.Second
	DefaultBatchSize       = 100
	DefaultMaxRetries      = 10
	DefaultEventDelay      = 10 * time.Millisecond
	DefaultApplyTimeout    = 10 * time.Second
	DefaultRetentionDays   = 7
	DefaultCleanupInterval = 24 * time.Hour
	DefaultListenAddr      = ":8080"
	DefaultMongoDatabase   = "studybuddy"
)

var (
	// ErrPostgresDSNRequired is returned when no primary store DSN is configured.
	ErrPostgresDSNRequired = errors.New("postgres DSN is required")
	// ErrMongoURIRequired is returned when no secondary store URI is configured.
	ErrMongoURIRequired = errors.New("mongo URI is required")
)

// Postgres configures the primary store connection.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Mongo configures the secondary store connection.
type Mongo struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// Sync configures the drain loop.
type Sync struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`
	BatchSize       int           `yaml:"batch_size"`
	MaxRetries      int           `yaml:"max_retries"`
	EventDelay      time.Duration `yaml:"event_delay"`
	ApplyTimeout    time.Duration `yaml:"apply_timeout"`
}

// Retention configures the processed-event sweeper.
type Retention struct {
	Days            int           `yaml:"days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Server configures the health and operations HTTP listener.
type Server struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the full sync worker configuration.
type Config struct {
	Postgres  Postgres  `yaml:"postgres"`
	Mongo     Mongo     `yaml:"mongo"`
	Sync      Sync      `yaml:"sync"`
	Retention Retention `yaml:"retention"`
	Server    Server    `yaml:"server"`
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. An empty path skips the file and
// builds the configuration from environment and defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// RetentionWindow returns the retention period as a duration.
func (cfg *Config) RetentionWindow() time.Duration {
	return time.Duration(cfg.Retention.Days) * 24 * time.Hour
}

// Validate checks that required fields are present. Defaults are assumed
// to have been applied already.
func (cfg *Config) Validate() error {
	if cfg.Postgres.DSN == "" {
		return ErrPostgresDSNRequired
	}

	if cfg.Mongo.URI == "" {
		return ErrMongoURIRequired
	}

	if cfg.Sync.MaxPollInterval < cfg.Sync.PollInterval {
		return fmt.Errorf("max_poll_interval %s is below poll_interval %s",
			cfg.Sync.MaxPollInterval, cfg.Sync.PollInterval)
	}

	return nil
}

// applyEnv overlays environment overrides. A malformed override is a
// configuration error and fails the load; it is never silently ignored.
func (cfg *Config) applyEnv() error {
	overrideString(&cfg.Postgres.DSN, "STUDYSYNC_POSTGRES_DSN")
	overrideString(&cfg.Mongo.URI, "STUDYSYNC_MONGO_URI")
	overrideString(&cfg.Mongo.Database, "STUDYSYNC_MONGO_DATABASE")
	overrideString(&cfg.Server.ListenAddr, "STUDYSYNC_LISTEN_ADDR")

	durations := map[string]*time.Duration{
		"STUDYSYNC_POLL_INTERVAL":     &cfg.Sync.PollInterval,
		"STUDYSYNC_MAX_POLL_INTERVAL": &cfg.Sync.MaxPollInterval,
		"STUDYSYNC_EVENT_DELAY":       &cfg.Sync.EventDelay,
		"STUDYSYNC_APPLY_TIMEOUT":     &cfg.Sync.ApplyTimeout,
		"STUDYSYNC_CLEANUP_INTERVAL":  &cfg.Retention.CleanupInterval,
	}

	for key, dst := range durations {
		if err := overrideDuration(dst, key); err != nil {
			return err
		}
	}

	ints := map[string]*int{
		"STUDYSYNC_BATCH_SIZE":     &cfg.Sync.BatchSize,
		"STUDYSYNC_MAX_RETRIES":    &cfg.Sync.MaxRetries,
		"STUDYSYNC_RETENTION_DAYS": &cfg.Retention.Days,
	}

	for key, dst := range ints {
		if err := overrideInt(dst, key); err != nil {
			return err
		}
	}

	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = DefaultMongoDatabase
	}

	if cfg.Sync.PollInterval <= 0 {
		cfg.Sync.PollInterval = DefaultPollInterval
	}

	if cfg.Sync.MaxPollInterval <= 0 {
		cfg.Sync.MaxPollInterval = DefaultMaxPollInterval
	}

	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = DefaultBatchSize
	}

	if cfg.Sync.MaxRetries <= 0 {
		cfg.Sync.MaxRetries = DefaultMaxRetries
	}

	if cfg.Sync.EventDelay <= 0 {
		cfg.Sync.EventDelay = DefaultEventDelay
	}

	if cfg.Sync.ApplyTimeout <= 0 {
		cfg.Sync.ApplyTimeout = DefaultApplyTimeout
	}

	if cfg.Retention.Days <= 0 {
		cfg.Retention.Days = DefaultRetentionDays
	}

	if cfg.Retention.CleanupInterval <= 0 {
		cfg.Retention.CleanupInterval = DefaultCleanupInterval
	}

	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
}

func overrideString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func overrideDuration(dst *time.Duration, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s=%q: %w", key, value, err)
	}

	*dst = parsed

	return nil
}

func overrideInt(dst *int, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s=%q: %w", key, value, err)
	}

	*dst = parsed

	return nil
}
