// Package retention periodically deletes drained outbox events once they
// age past the retention window. Unprocessed and dead-lettered events are
// never touched; they stay visible to operators until resolved.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/studybuddy/studysync/outbox"
)

const (
	defaultRetention    = 7 * 24 * time.Hour
	defaultInterval     = 24 * time.Hour
	defaultInitialDelay = time.Minute
)

// ErrRepositoryRequired is returned when the sweeper is built without a repository.
var ErrRepositoryRequired = errors.New("outbox repository is required")

// Option mutates sweeper configuration at construction.
type Option func(*Sweeper)

// WithRetention sets the age past which processed events are deleted.
func WithRetention(retention time.Duration) Option {
	return func(sweeper *Sweeper) {
		if retention > 0 {
			sweeper.retention = retention
		}
	}
}

// WithInterval sets the cadence of the sweep loop.
func WithInterval(interval time.Duration) Option {
	return func(sweeper *Sweeper) {
		if interval > 0 {
			sweeper.interval = interval
		}
	}
}

// WithInitialDelay sets how long after startup the first sweep runs.
func WithInitialDelay(delay time.Duration) Option {
	return func(sweeper *Sweeper) {
		if delay > 0 {
			sweeper.initialDelay = delay
		}
	}
}

// Sweeper deletes processed events older than the retention window on a
// fixed cadence, independent of the sync worker's poll loop.
type Sweeper struct {
	repo         outbox.Repository
	logger       *zap.Logger
	retention    time.Duration
	interval     time.Duration
	initialDelay time.Duration
	now          func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	sweepWg  sync.WaitGroup
}

// NewSweeper creates a retention sweeper with a 7-day window and a daily
// cadence by default.
func NewSweeper(repo outbox.Repository, logger *zap.Logger, opts ...Option) (*Sweeper, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	sweeper := &Sweeper{
		repo:         repo,
		logger:       logger,
		retention:    defaultRetention,
		interval:     defaultInterval,
		initialDelay: defaultInitialDelay,
		now:          func() time.Time { return time.Now().UTC() },
		stop:         make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sweeper)
		}
	}

	return sweeper, nil
}

// Run executes the sweep loop until Stop is called or ctx is cancelled.
// The first sweep runs a short delay after startup so processes that
// restart more often than the cadence still enforce retention, then the
// loop settles into the regular interval.
func (sweeper *Sweeper) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	sweeper.logger.Info("retention sweeper started",
		zap.Duration("retention", sweeper.retention),
		zap.Duration("interval", sweeper.interval),
	)
	defer sweeper.logger.Info("retention sweeper stopped")

	if !sweeper.wait(ctx, sweeper.initialDelay) {
		return nil
	}

	sweeper.runSweep(ctx)

	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sweeper.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sweeper.runSweep(ctx)
		}
	}
}

func (sweeper *Sweeper) runSweep(ctx context.Context) {
	sweeper.sweepWg.Add(1)
	defer sweeper.sweepWg.Done()

	if deleted, err := sweeper.Sweep(ctx); err != nil {
		sweeper.logger.Error("retention sweep failed", zap.Error(err))
	} else if deleted > 0 {
		sweeper.logger.Info("retention sweep completed", zap.Int64("deleted", deleted))
	}
}

// wait sleeps for d, returning false if the sweeper was stopped or the
// context cancelled first.
func (sweeper *Sweeper) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-sweeper.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// Sweep deletes processed events whose processed_at is strictly older
// than now minus the retention window and returns the deleted count. An
// event processed exactly at the cutoff survives until the next sweep.
func (sweeper *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := sweeper.now().Add(-sweeper.retention)

	deleted, err := sweeper.repo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping processed events: %w", err)
	}

	return deleted, nil
}

// Stop signals the sweep loop to stop. An in-flight sweep finishes.
func (sweeper *Sweeper) Stop() {
	sweeper.stopOnce.Do(func() {
		close(sweeper.stop)
	})
}

// Shutdown stops the sweeper and waits for an in-flight sweep to finish.
func (sweeper *Sweeper) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	sweeper.Stop()

	done := make(chan struct{})

	go func() {
		sweeper.sweepWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retention sweeper shutdown: %w", ctx.Err())
	}
}
