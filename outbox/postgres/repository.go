package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/studybuddy/studysync/outbox"
)

var (
	ErrConnectionRequired = errors.New("postgres connection is required")
	ErrInvalidIdentifier  = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

const defaultTableName = "outbox_events"

const eventColumns = "id, event_type, aggregate_type, aggregate_id, payload, processed, processed_at, retry_count, last_error, created_at"

// querier is satisfied by both *sql.DB and *sql.Tx so Append can run inside
// the caller's transaction while every other operation uses the pool.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Option mutates repository configuration at construction.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger *zap.Logger) Option {
	return func(repo *Repository) {
		if logger != nil {
			repo.logger = logger
		}
	}
}

// WithTableName overrides the outbox table name.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

// Repository persists outbox events in PostgreSQL.
type Repository struct {
	db        *sql.DB
	logger    *zap.Logger
	tableName string
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL outbox repository.
func NewRepository(db *sql.DB, opts ...Option) (*Repository, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		db:        db,
		logger:    zap.NewNop(),
		tableName: defaultTableName,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = defaultTableName
	}

	if !identifierPattern.MatchString(repo.tableName) {
		return nil, fmt.Errorf("table name: %w: %q", ErrInvalidIdentifier, repo.tableName)
	}

	return repo, nil
}

// Append inserts the event using the caller's transaction so the record
// commits or aborts together with the primary mutation.
func (repo *Repository) Append(ctx context.Context, tx outbox.Tx, event *outbox.Event) (*outbox.Event, error) {
	if tx == nil {
		return nil, errors.New("transaction is required")
	}

	return repo.insert(ctx, tx, event)
}

// Create inserts the event outside any caller transaction.
func (repo *Repository) Create(ctx context.Context, event *outbox.Event) (*outbox.Event, error) {
	return repo.insert(ctx, repo.db, event)
}

func (repo *Repository) insert(ctx context.Context, q querier, event *outbox.Event) (*outbox.Event, error) {
	if event == nil {
		return nil, outbox.ErrEventRequired
	}

	if event.ID == uuid.Nil {
		return nil, outbox.ErrEventIDRequired
	}

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var payload any
	if len(event.Payload) > 0 {
		payload = event.Payload
	}

	query := "INSERT INTO " + repo.table() + " (" + eventColumns + ")" +
		" VALUES ($1, $2, $3, $4, $5, FALSE, NULL, 0, '', $6)"

	if _, err := q.ExecContext(ctx, query,
		event.ID,
		string(event.EventType),
		string(event.AggregateType),
		event.AggregateID,
		payload,
		createdAt,
	); err != nil {
		return nil, fmt.Errorf("appending outbox event: %w", err)
	}

	inserted := *event
	inserted.Processed = false
	inserted.ProcessedAt = nil
	inserted.RetryCount = 0
	inserted.LastError = ""
	inserted.CreatedAt = createdAt

	return &inserted, nil
}

// FetchUnprocessed returns unprocessed events below the retry ceiling,
// oldest first. Ties on created_at break on id so order stays stable.
func (repo *Repository) FetchUnprocessed(ctx context.Context, limit, maxRetries int) ([]*outbox.Event, error) {
	if limit <= 0 {
		return nil, outbox.ErrLimitMustBePositive
	}

	if maxRetries <= 0 {
		return nil, outbox.ErrMaxRetriesMustBePositive
	}

	query := "SELECT " + eventColumns + " FROM " + repo.table() +
		" WHERE processed = FALSE AND retry_count < $1" +
		" ORDER BY created_at ASC, id ASC LIMIT $2"

	rows, err := repo.db.QueryContext(ctx, query, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching unprocessed events: %w", err)
	}
	defer rows.Close()

	var events []*outbox.Event

	for rows.Next() {
		event, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning outbox event: %w", scanErr)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox events: %w", err)
	}

	return events, nil
}

// MarkProcessed stamps processed_at exactly once. A second call matches no
// row and is a no-op, which keeps the original timestamp intact.
func (repo *Repository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return outbox.ErrEventIDRequired
	}

	query := "UPDATE " + repo.table() +
		" SET processed = TRUE, processed_at = $2 WHERE id = $1 AND processed = FALSE"

	result, err := repo.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("marking event processed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking event processed: %w", err)
	}

	if affected == 0 {
		return repo.ensureExists(ctx, id)
	}

	return nil
}

// MarkFailed increments the retry counter and stores the sanitized
// failure message.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	if id == uuid.Nil {
		return outbox.ErrEventIDRequired
	}

	query := "UPDATE " + repo.table() +
		" SET retry_count = retry_count + 1, last_error = $2 WHERE id = $1"

	result, err := repo.db.ExecContext(ctx, query, id, outbox.SanitizeErrorMessage(errMsg))
	if err != nil {
		return fmt.Errorf("marking event failed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking event failed: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", outbox.ErrNotFound, id)
	}

	return nil
}

// ResetForRetry requeues a dead-lettered event. Processed events are
// rejected so operator replay cannot double-apply a drained event.
func (repo *Repository) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return outbox.ErrEventIDRequired
	}

	query := "UPDATE " + repo.table() +
		" SET retry_count = 0, last_error = '' WHERE id = $1 AND processed = FALSE"

	result, err := repo.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("resetting event for retry: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("resetting event for retry: %w", err)
	}

	if affected == 0 {
		if existsErr := repo.ensureExists(ctx, id); existsErr != nil {
			return existsErr
		}

		return fmt.Errorf("%w: %s", outbox.ErrAlreadyProcessed, id)
	}

	repo.logger.Info("outbox event requeued for retry", zap.String("event_id", id.String()))

	return nil
}

// Stats returns aggregate queue counters in a single scan.
func (repo *Repository) Stats(ctx context.Context) (*outbox.Stats, error) {
	query := "SELECT COUNT(*)," +
		" COUNT(*) FILTER (WHERE processed = FALSE)," +
		" COUNT(*) FILTER (WHERE processed = FALSE AND retry_count >= $1)," +
		" MIN(created_at) FILTER (WHERE processed = FALSE)" +
		" FROM " + repo.table()

	var (
		stats  outbox.Stats
		oldest sql.NullTime
	)

	row := repo.db.QueryRowContext(ctx, query, outbox.FailedRetryThreshold)
	if err := row.Scan(&stats.Total, &stats.Unprocessed, &stats.Failed, &oldest); err != nil {
		return nil, fmt.Errorf("reading outbox stats: %w", err)
	}

	if oldest.Valid {
		stats.OldestUnprocessedCreatedAt = oldest.Time.UTC()
	}

	return &stats, nil
}

// DeleteProcessedBefore bulk-deletes drained events strictly older than
// cutoff. A processed_at exactly at the cutoff survives.
func (repo *Repository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := "DELETE FROM " + repo.table() +
		" WHERE processed = TRUE AND processed_at < $1"

	result, err := repo.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting processed events: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting processed events: %w", err)
	}

	return deleted, nil
}

// Ping reports primary-store reachability.
func (repo *Repository) Ping(ctx context.Context) error {
	if err := repo.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging postgres: %w", err)
	}

	return nil
}

func (repo *Repository) ensureExists(ctx context.Context, id uuid.UUID) error {
	var exists bool

	query := "SELECT EXISTS (SELECT 1 FROM " + repo.table() + " WHERE id = $1)"
	if err := repo.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking event existence: %w", err)
	}

	if !exists {
		return fmt.Errorf("%w: %s", outbox.ErrNotFound, id)
	}

	return nil
}

func (repo *Repository) table() string {
	return `"` + repo.tableName + `"`
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(scanner rowScanner) (*outbox.Event, error) {
	var (
		event         outbox.Event
		eventType     string
		aggregateType string
		payload       []byte
		processedAt   sql.NullTime
	)

	if err := scanner.Scan(
		&event.ID,
		&eventType,
		&aggregateType,
		&event.AggregateID,
		&payload,
		&event.Processed,
		&processedAt,
		&event.RetryCount,
		&event.LastError,
		&event.CreatedAt,
	); err != nil {
		return nil, err
	}

	event.EventType = outbox.EventType(eventType)
	event.AggregateType = outbox.AggregateType(aggregateType)
	event.Payload = payload
	event.CreatedAt = event.CreatedAt.UTC()

	if processedAt.Valid {
		processedAtUTC := processedAt.Time.UTC()
		event.ProcessedAt = &processedAtUTC
	}

	return &event, nil
}
