package syncer

import (
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultPollInterval       = 2 * time.Second
	defaultMaxPollInterval    = 30 * time.Second
	defaultBatchSize          = 100
	defaultMaxRetries         = 10
	defaultEventDelay         = 10 * time.Millisecond
	defaultApplyTimeout       = 10 * time.Second
	defaultEmptyPollThreshold = 5
	defaultBackoffFactor      = 1.5
	defaultStartupPingTries   = 3
)

// Config controls worker polling, batching, and retry behavior.
type Config struct {
	// PollInterval is the base delay between drain cycles.
	PollInterval time.Duration
	// MaxPollInterval caps the adaptive idle backoff.
	MaxPollInterval time.Duration
	// BatchSize is the max number of events fetched per cycle.
	BatchSize int
	// MaxRetries is the dead-letter ceiling: an event failing this many
	// times is excluded from future fetches but never auto-deleted.
	MaxRetries int
	// EventDelay paces sequential event application so the secondary
	// store is not saturated by a large backlog.
	EventDelay time.Duration
	// ApplyTimeout bounds each destination call so a hung upsert becomes
	// a normal failure instead of stalling the worker.
	ApplyTimeout time.Duration
	// EmptyPollThreshold is how many consecutive empty polls precede
	// interval growth.
	EmptyPollThreshold int
	// BackoffFactor is the multiplicative idle-backoff growth factor.
	BackoffFactor float64
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the baseline worker configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:       defaultPollInterval,
		MaxPollInterval:    defaultMaxPollInterval,
		BatchSize:          defaultBatchSize,
		MaxRetries:         defaultMaxRetries,
		EventDelay:         defaultEventDelay,
		ApplyTimeout:       defaultApplyTimeout,
		EmptyPollThreshold: defaultEmptyPollThreshold,
		BackoffFactor:      defaultBackoffFactor,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = defaults.MaxPollInterval
	}

	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = cfg.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	if cfg.EventDelay < 0 {
		cfg.EventDelay = defaults.EventDelay
	}

	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = defaults.ApplyTimeout
	}

	if cfg.EmptyPollThreshold <= 0 {
		cfg.EmptyPollThreshold = defaults.EmptyPollThreshold
	}

	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = defaults.BackoffFactor
	}
}

// Option mutates worker configuration at construction.
type Option func(*Worker)

// WithPollInterval sets the base polling interval.
func WithPollInterval(interval time.Duration) Option {
	return func(worker *Worker) {
		if interval > 0 {
			worker.cfg.PollInterval = interval
		}
	}
}

// WithMaxPollInterval caps the adaptive idle backoff.
func WithMaxPollInterval(interval time.Duration) Option {
	return func(worker *Worker) {
		if interval > 0 {
			worker.cfg.MaxPollInterval = interval
		}
	}
}

// WithBatchSize sets the maximum events fetched per cycle.
func WithBatchSize(size int) Option {
	return func(worker *Worker) {
		if size > 0 {
			worker.cfg.BatchSize = size
		}
	}
}

// WithMaxRetries sets the dead-letter ceiling.
func WithMaxRetries(maxRetries int) Option {
	return func(worker *Worker) {
		if maxRetries > 0 {
			worker.cfg.MaxRetries = maxRetries
		}
	}
}

// WithEventDelay sets the pacing delay between sequential events.
func WithEventDelay(delay time.Duration) Option {
	return func(worker *Worker) {
		if delay >= 0 {
			worker.cfg.EventDelay = delay
		}
	}
}

// WithApplyTimeout bounds each destination call.
func WithApplyTimeout(timeout time.Duration) Option {
	return func(worker *Worker) {
		if timeout > 0 {
			worker.cfg.ApplyTimeout = timeout
		}
	}
}

// WithMeterProvider injects a custom meter provider for worker metrics.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(worker *Worker) {
		worker.cfg.MeterProvider = provider
	}
}
