package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// FailedRetryThreshold is the retry count at which an event is counted as
// failed in Stats. It matches the alerting contract of the health reporter,
// not the worker's dead-letter ceiling.
const FailedRetryThreshold = 5

// Tx is the transactional handle used by Append.
//
// It aliases *sql.Tx so application write paths can pass their own
// transaction without an adapter layer: the event insert must commit or
// abort together with the primary mutation it describes.
type Tx = *sql.Tx

// Repository defines persistence operations for outbox events.
type Repository interface {
	// Append inserts the event inside the caller's transaction. An error
	// propagates to the caller, whose responsibility it is to abort the
	// enclosing transaction; the outbox never retries appends.
	Append(ctx context.Context, tx Tx, event *Event) (*Event, error)

	// Create inserts the event outside any caller transaction. Intended
	// for tooling and tests; real write paths go through Append.
	Create(ctx context.Context, event *Event) (*Event, error)

	// FetchUnprocessed returns events with processed=false and
	// retry_count < maxRetries, oldest first, capped at limit. This is
	// the sole read contract the sync worker uses.
	FetchUnprocessed(ctx context.Context, limit, maxRetries int) ([]*Event, error)

	// MarkProcessed sets processed=true and stamps processed_at once.
	// Calling it again for the same id is harmless and leaves the
	// original processed_at untouched.
	MarkProcessed(ctx context.Context, id uuid.UUID) error

	// MarkFailed increments retry_count and stores the sanitized failure
	// message. Repeated calls keep incrementing; that is the intended
	// path toward the dead-letter ceiling.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error

	// ResetForRetry requeues a dead-lettered event for processing by
	// zeroing retry_count and last_error. Fails with ErrAlreadyProcessed
	// for processed events.
	ResetForRetry(ctx context.Context, id uuid.UUID) error

	// Stats returns the aggregate queue counters used by health reporting.
	Stats(ctx context.Context) (*Stats, error)

	// DeleteProcessedBefore removes processed events whose processed_at
	// is strictly older than cutoff and reports how many were deleted.
	// Unprocessed and dead-lettered events are never touched.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping reports primary-store reachability.
	Ping(ctx context.Context) error
}

// Stats is a read-only aggregate snapshot of the event log.
type Stats struct {
	Total       int64
	Unprocessed int64
	// Failed counts unprocessed events with retry_count >= FailedRetryThreshold.
	Failed int64
	// OldestUnprocessedCreatedAt is zero when the queue is empty.
	OldestUnprocessedCreatedAt time.Time
}

// OldestUnprocessedAge returns the sync lag relative to now: the elapsed
// time since the oldest unprocessed event was created, or zero for an
// empty queue.
func (stats *Stats) OldestUnprocessedAge(now time.Time) time.Duration {
	if stats == nil || stats.OldestUnprocessedCreatedAt.IsZero() {
		return 0
	}

	age := now.Sub(stats.OldestUnprocessedCreatedAt)
	if age < 0 {
		return 0
	}

	return age
}
