// Command syncworker runs the outbox sync pipeline: it drains the
// transactional outbox into the secondary read store, sweeps old
// processed events, and serves health and operator endpoints.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/studybuddy/studysync/config"
	"github.com/studybuddy/studysync/destination/mongodb"
	"github.com/studybuddy/studysync/health"
	"github.com/studybuddy/studysync/retention"
	"github.com/studybuddy/studysync/syncer"

	outboxpg "github.com/studybuddy/studysync/outbox/postgres"
)

const (
	shutdownTimeout     = 30 * time.Second
	serverReadTimeout   = 10 * time.Second
	mongoSelectTimeout  = 5 * time.Second
	startupOpenDeadline = 15 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	// The run context is deliberately not tied to the signal handler: a
	// signal must stop the loops via Stop() so the in-flight batch drains,
	// while cancelling runCtx aborts mid-event. runCtx is only cancelled
	// when a component fails or the shutdown deadline expires.
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	signalCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := openPrimary(runCtx, cfg)
	if err != nil {
		logger.Fatal("failed to open primary store", zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	if err := outboxpg.Migrate(db); err != nil {
		logger.Fatal("failed to run outbox migrations", zap.Error(err))
	}

	store, err := mongodb.NewStore(runCtx, mongodb.Config{
		URI:                    cfg.Mongo.URI,
		Database:               cfg.Mongo.Database,
		ServerSelectionTimeout: mongoSelectTimeout,
		Logger:                 logger,
	})
	if err != nil {
		logger.Fatal("failed to connect to secondary store", zap.Error(err))
	}
	defer func() { _ = store.Close(context.Background()) }()

	repo, err := outboxpg.NewRepository(db, outboxpg.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to build outbox repository", zap.Error(err))
	}

	worker, err := syncer.NewWorker(repo, store, logger,
		syncer.WithPollInterval(cfg.Sync.PollInterval),
		syncer.WithMaxPollInterval(cfg.Sync.MaxPollInterval),
		syncer.WithBatchSize(cfg.Sync.BatchSize),
		syncer.WithMaxRetries(cfg.Sync.MaxRetries),
		syncer.WithEventDelay(cfg.Sync.EventDelay),
		syncer.WithApplyTimeout(cfg.Sync.ApplyTimeout),
	)
	if err != nil {
		logger.Fatal("failed to build sync worker", zap.Error(err))
	}

	sweeper, err := retention.NewSweeper(repo, logger,
		retention.WithRetention(cfg.RetentionWindow()),
		retention.WithInterval(cfg.Retention.CleanupInterval),
	)
	if err != nil {
		logger.Fatal("failed to build retention sweeper", zap.Error(err))
	}

	reporter := health.NewReporter(repo, repo, store)
	app := newServer(reporter, repo)

	var lifecycle conc.WaitGroup

	lifecycle.Go(func() {
		if err := worker.Run(runCtx); err != nil {
			logger.Error("sync worker exited", zap.Error(err))
			runCancel()
		}
	})

	lifecycle.Go(func() {
		if err := sweeper.Run(runCtx); err != nil {
			logger.Error("retention sweeper exited", zap.Error(err))
		}
	})

	lifecycle.Go(func() {
		if err := app.Listen(cfg.Server.ListenAddr); err != nil {
			logger.Error("health server exited", zap.Error(err))
			runCancel()
		}
	})

	logger.Info("sync worker started; awaiting shutdown signal",
		zap.String("listen_addr", cfg.Server.ListenAddr),
	)

	select {
	case <-signalCtx.Done():
		logger.Info("shutdown signal received")
	case <-runCtx.Done():
		logger.Error("component failed, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Past the deadline the drain is abandoned and the run context is
	// cancelled, aborting whatever is still in flight.
	go func() {
		<-shutdownCtx.Done()
		runCancel()
	}()

	worker.Stop()
	sweeper.Stop()

	if err := worker.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sync worker drain incomplete", zap.Error(err))
	}

	if err := sweeper.Shutdown(shutdownCtx); err != nil {
		logger.Warn("retention sweeper drain incomplete", zap.Error(err))
	}

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("health server shutdown failed", zap.Error(err))
	}

	runCancel()
	lifecycle.Wait()
	logger.Info("shutdown complete")
}

func openPrimary(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.Postgres.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	}

	if cfg.Postgres.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	}

	if cfg.Postgres.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, startupOpenDeadline)
	defer pingCancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

func newServer(reporter *health.Reporter, repo *outboxpg.Repository) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "studysync",
		DisableStartupMessage: true,
		ReadTimeout:           serverReadTimeout,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	app.Get("/health", health.Handler(reporter))
	app.Post("/events/:id/retry", health.RetryHandler(repo))

	return app
}
