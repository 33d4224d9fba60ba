// Package mongodb implements the destination store on MongoDB. Every
// remote call runs through a circuit breaker so a down cluster fails fast
// instead of stalling the worker's drain loop.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/studybuddy/studysync/destination"
)

const (
	defaultServerSelectionTimeout = 5 * time.Second
	defaultBreakerTimeout         = 30 * time.Second
	defaultBreakerMaxFailures     = 5
)

var (
	// ErrEmptyURI is returned when the Mongo URI is empty.
	ErrEmptyURI = errors.New("mongo uri cannot be empty")
	// ErrEmptyDatabase is returned when the database name is empty.
	ErrEmptyDatabase = errors.New("mongo database name cannot be empty")
	// ErrConnect wraps connection establishment failures.
	ErrConnect = errors.New("mongo connect failed")
	// ErrPing wraps connectivity probe failures.
	ErrPing = errors.New("mongo ping failed")
)

// Config defines MongoDB connection behavior.
type Config struct {
	URI                    string
	Database               string
	ServerSelectionTimeout time.Duration
	MaxPoolSize            uint64
	Logger                 *zap.Logger
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.URI) == "" {
		return ErrEmptyURI
	}

	if strings.TrimSpace(cfg.Database) == "" {
		return ErrEmptyDatabase
	}

	return nil
}

// Store applies upserts and deletes to MongoDB collections keyed by
// aggregate id.
type Store struct {
	client   *mongo.Client
	database string
	logger   *zap.Logger
	breaker  *gobreaker.CircuitBreaker
}

var _ destination.Store = (*Store)(nil)

// NewStore validates config, connects, pings, and returns a ready store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	serverSelectionTimeout := cfg.ServerSelectionTimeout
	if serverSelectionTimeout <= 0 {
		serverSelectionTimeout = defaultServerSelectionTimeout
	}

	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetServerSelectionTimeout(serverSelectionTimeout)

	if cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		if disconnectErr := client.Disconnect(ctx); disconnectErr != nil {
			logger.Warn("failed to disconnect after ping failure", zap.Error(disconnectErr))
		}

		return nil, fmt.Errorf("%w: %w", ErrPing, err)
	}

	store := &Store{
		client:   client,
		database: cfg.Database,
		logger:   logger,
	}
	store.breaker = newBreaker(cfg.Database, logger)

	return store, nil
}

func newBreaker(name string, logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mongodb-" + name,
		Timeout: defaultBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultBreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("destination circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// Upsert replaces the document stored under key, inserting it when absent.
// Last write wins; re-applying the same event is a no-op in effect.
func (store *Store) Upsert(ctx context.Context, collection, key string, document map[string]any) error {
	if err := validateTarget(collection, key); err != nil {
		return err
	}

	if document == nil {
		return destination.ErrDocumentRequired
	}

	replacement := bson.M{}
	for field, value := range document {
		if field == "_id" {
			continue
		}

		replacement[field] = value
	}

	replacement["_id"] = key

	return store.execute(ctx, func(callCtx context.Context) error {
		_, err := store.client.Database(store.database).Collection(collection).ReplaceOne(
			callCtx,
			bson.M{"_id": key},
			replacement,
			options.Replace().SetUpsert(true),
		)
		if err != nil {
			return fmt.Errorf("upserting %s/%s: %w", collection, key, err)
		}

		return nil
	})
}

// Delete removes the document stored under key. An absent key is a no-op.
func (store *Store) Delete(ctx context.Context, collection, key string) error {
	if err := validateTarget(collection, key); err != nil {
		return err
	}

	return store.execute(ctx, func(callCtx context.Context) error {
		_, err := store.client.Database(store.database).Collection(collection).DeleteOne(
			callCtx,
			bson.M{"_id": key},
		)
		if err != nil {
			return fmt.Errorf("deleting %s/%s: %w", collection, key, err)
		}

		return nil
	})
}

// Ping checks MongoDB availability.
func (store *Store) Ping(ctx context.Context) error {
	return store.execute(ctx, func(callCtx context.Context) error {
		if err := store.client.Ping(callCtx, nil); err != nil {
			return fmt.Errorf("%w: %w", ErrPing, err)
		}

		return nil
	})
}

// Close releases the MongoDB connection.
func (store *Store) Close(ctx context.Context) error {
	if err := store.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnecting mongo: %w", err)
	}

	return nil
}

func (store *Store) execute(ctx context.Context, op func(context.Context) error) error {
	_, err := store.breaker.Execute(func() (any, error) {
		return nil, op(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %w", destination.ErrStoreUnavailable, err)
		}

		return err
	}

	return nil
}

func validateTarget(collection, key string) error {
	if strings.TrimSpace(collection) == "" {
		return destination.ErrCollectionRequired
	}

	if strings.TrimSpace(key) == "" {
		return destination.ErrKeyRequired
	}

	return nil
}
