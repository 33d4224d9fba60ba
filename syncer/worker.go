package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/studybuddy/studysync/destination"
	"github.com/studybuddy/studysync/outbox"
)

var (
	// ErrRepositoryRequired is returned when the worker is built without a repository.
	ErrRepositoryRequired = errors.New("outbox repository is required")
	// ErrStoreRequired is returned when the worker is built without a destination store.
	ErrStoreRequired = errors.New("destination store is required")
	// ErrWorkerRunning is returned when Run is called on an already-running worker.
	ErrWorkerRunning = errors.New("sync worker is already running")
	// ErrStartupPing is returned when the destination is unreachable at startup.
	// The worker fails fast rather than entering a loop it cannot drain.
	ErrStartupPing = errors.New("destination unreachable at startup")
)

// Result captures one drain cycle outcome.
type Result struct {
	Fetched   int
	Processed int
	Failed    int
}

// Worker drains the outbox sequentially and applies events to the
// secondary store. All state lives on the struct so multiple workers can
// be tested in isolation within one process.
type Worker struct {
	repo    outbox.Repository
	store   destination.Store
	logger  *zap.Logger
	cfg     Config
	metrics workerMetrics
	limiter *rate.Limiter

	stop     chan struct{}
	stopOnce sync.Once
	runMu    sync.Mutex
	running  bool
	cancel   context.CancelFunc
	drainWg  sync.WaitGroup

	// Adaptive idle backoff state, owned by the run loop.
	emptyPolls      int
	currentInterval time.Duration
}

// NewWorker creates a sync worker. The collection mapping is validated
// here so an unmapped aggregate type fails at startup, not mid-drain.
func NewWorker(repo outbox.Repository, store destination.Store, logger *zap.Logger, opts ...Option) (*Worker, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if store == nil {
		return nil, ErrStoreRequired
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	if err := outbox.ValidateCollectionMapping(); err != nil {
		return nil, err
	}

	worker := &Worker{
		repo:   repo,
		store:  store,
		logger: logger,
		cfg:    DefaultConfig(),
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(worker)
		}
	}

	worker.cfg.normalize()
	worker.currentInterval = worker.cfg.PollInterval

	if worker.cfg.EventDelay > 0 {
		worker.limiter = rate.NewLimiter(rate.Every(worker.cfg.EventDelay), 1)
	} else {
		worker.limiter = rate.NewLimiter(rate.Inf, 1)
	}

	metrics, err := newWorkerMetrics(worker.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init sync metrics: %w", err)
	}

	worker.metrics = metrics

	return worker, nil
}

// Run executes the poll loop until Stop is called or ctx is cancelled.
// It verifies destination connectivity first and fails fast when the
// secondary store is unreachable.
func (worker *Worker) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithCancel(ctx)
	if !worker.registerRun(cancel) {
		cancel()

		return ErrWorkerRunning
	}

	defer worker.clearRun()

	if err := worker.verifyConnectivity(runCtx); err != nil {
		return err
	}

	worker.logger.Info("sync worker started",
		zap.Duration("poll_interval", worker.cfg.PollInterval),
		zap.Int("batch_size", worker.cfg.BatchSize),
		zap.Int("max_retries", worker.cfg.MaxRetries),
	)
	defer worker.logger.Info("sync worker stopped")

	for {
		select {
		case <-worker.stop:
			return nil
		case <-runCtx.Done():
			return nil
		default:
		}

		result := worker.runCycle(runCtx)
		interval := worker.nextPollInterval(result.Fetched)

		if !worker.wait(runCtx, interval) {
			return nil
		}
	}
}

// Stop signals the loop to stop. The in-flight batch finishes; no event
// is aborted mid-application.
func (worker *Worker) Stop() {
	worker.stopOnce.Do(func() {
		close(worker.stop)
	})
}

// Shutdown stops the worker and waits for the in-flight cycle to drain.
func (worker *Worker) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	worker.Stop()

	done := make(chan struct{})

	go func() {
		worker.drainWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sync worker shutdown: %w", ctx.Err())
	}
}

// ProcessOnce runs a single drain cycle: fetch, apply sequentially, mark.
// One failing event never blocks the rest of the batch.
func (worker *Worker) ProcessOnce(ctx context.Context) Result {
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()

	events, err := worker.repo.FetchUnprocessed(ctx, worker.cfg.BatchSize, worker.cfg.MaxRetries)
	if err != nil {
		worker.logger.Error("failed to fetch unprocessed events", zap.Error(err))

		return Result{}
	}

	result := Result{Fetched: len(events)}

	if worker.metrics.batchDepth != nil {
		worker.metrics.batchDepth.Record(ctx, int64(len(events)))
	}

	// Events are applied strictly in fetch order, one at a time. The
	// destination upsert is last-write-wins, so concurrent application
	// would corrupt rapidly-updated aggregates.
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}

		if event == nil {
			continue
		}

		if err := worker.limiter.Wait(ctx); err != nil {
			break
		}

		if err := worker.applyEvent(ctx, event); err != nil {
			worker.markFailed(ctx, event, err)

			result.Failed++

			continue
		}

		worker.markProcessed(ctx, event)

		result.Processed++
	}

	worker.addCounts(ctx, result)

	if worker.metrics.cycleLatency != nil {
		worker.metrics.cycleLatency.Record(ctx, time.Since(start).Seconds())
	}

	return result
}

// applyEvent resolves the destination and issues the idempotent upsert or
// delete for one event. Each call is bounded by ApplyTimeout so a hung
// destination becomes a failure instead of stalling the loop.
func (worker *Worker) applyEvent(ctx context.Context, event *outbox.Event) error {
	collection, err := event.AggregateType.Collection()
	if err != nil {
		// An unmapped aggregate type fails identically on every retry and
		// surfaces through the failed-event alert, never through guesswork.
		return err
	}

	applyCtx, cancel := context.WithTimeout(ctx, worker.cfg.ApplyTimeout)
	defer cancel()

	if event.EventType.IsDelete() {
		if err := worker.store.Delete(applyCtx, collection, event.AggregateID); err != nil {
			return fmt.Errorf("applying delete: %w", err)
		}

		return nil
	}

	document, err := event.Document()
	if err != nil {
		return err
	}

	if err := worker.store.Upsert(applyCtx, collection, event.AggregateID, document); err != nil {
		return fmt.Errorf("applying upsert: %w", err)
	}

	return nil
}

func (worker *Worker) markProcessed(ctx context.Context, event *outbox.Event) {
	if err := worker.repo.MarkProcessed(ctx, event.ID); err != nil {
		// The event was applied but not marked; it will be re-fetched and
		// re-applied, which the idempotent upsert absorbs.
		worker.logger.Error("event applied but failed to persist processed state",
			zap.String("event_id", event.ID.String()),
			zap.Error(err),
		)
	}
}

func (worker *Worker) markFailed(ctx context.Context, event *outbox.Event, applyErr error) {
	worker.logger.Warn("failed to apply outbox event",
		zap.String("event_id", event.ID.String()),
		zap.String("event_type", event.EventType.String()),
		zap.Int("retry_count", event.RetryCount),
		zap.Error(applyErr),
	)

	if err := worker.repo.MarkFailed(ctx, event.ID, outbox.SanitizeError(applyErr)); err != nil {
		worker.logger.Error("failed to persist failure state",
			zap.String("event_id", event.ID.String()),
			zap.Error(err),
		)
	}
}

func (worker *Worker) runCycle(ctx context.Context) Result {
	worker.drainWg.Add(1)
	defer worker.drainWg.Done()

	return worker.ProcessOnce(ctx)
}

// nextPollInterval implements the adaptive idle backoff: after
// EmptyPollThreshold consecutive empty polls the interval grows by
// BackoffFactor per empty poll, capped at MaxPollInterval. Any non-empty
// batch resets to the base interval immediately.
func (worker *Worker) nextPollInterval(fetched int) time.Duration {
	if fetched > 0 {
		worker.emptyPolls = 0
		worker.currentInterval = worker.cfg.PollInterval

		return worker.currentInterval
	}

	worker.emptyPolls++

	if worker.emptyPolls >= worker.cfg.EmptyPollThreshold {
		grown := time.Duration(float64(worker.currentInterval) * worker.cfg.BackoffFactor)
		if grown > worker.cfg.MaxPollInterval {
			grown = worker.cfg.MaxPollInterval
		}

		worker.currentInterval = grown
	}

	return worker.currentInterval
}

// verifyConnectivity pings the destination with a short bounded retry.
func (worker *Worker) verifyConnectivity(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()

	var lastErr error

	for attempt := 0; attempt < defaultStartupPingTries; attempt++ {
		lastErr = worker.store.Ping(ctx)
		if lastErr == nil {
			return nil
		}

		worker.logger.Warn("destination ping failed",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)

		if attempt == defaultStartupPingTries-1 {
			break
		}

		if !worker.wait(ctx, backoffCfg.NextBackOff()) {
			return fmt.Errorf("%w: %w", ErrStartupPing, lastErr)
		}
	}

	return fmt.Errorf("%w: %w", ErrStartupPing, lastErr)
}

// wait sleeps for d, returning false if the worker was stopped or the
// context cancelled first.
func (worker *Worker) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-worker.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (worker *Worker) addCounts(ctx context.Context, result Result) {
	if worker.metrics.eventsProcessed != nil && result.Processed > 0 {
		worker.metrics.eventsProcessed.Add(ctx, int64(result.Processed))
	}

	if worker.metrics.eventsFailed != nil && result.Failed > 0 {
		worker.metrics.eventsFailed.Add(ctx, int64(result.Failed))
	}
}

func (worker *Worker) registerRun(cancel context.CancelFunc) bool {
	worker.runMu.Lock()
	defer worker.runMu.Unlock()

	if worker.running {
		return false
	}

	worker.running = true
	worker.cancel = cancel

	return true
}

func (worker *Worker) clearRun() {
	worker.runMu.Lock()
	defer worker.runMu.Unlock()

	worker.running = false

	if worker.cancel != nil {
		worker.cancel()
		worker.cancel = nil
	}
}
