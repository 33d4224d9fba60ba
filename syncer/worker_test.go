//go:build unit

package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/studybuddy/studysync/outbox"
)

type fakeRepo struct {
	mu         sync.Mutex
	events     []*outbox.Event
	fetchErr   error
	markErr    map[uuid.UUID]error
	markErrHit map[uuid.UUID]int
}

func newFakeRepo(events ...*outbox.Event) *fakeRepo {
	return &fakeRepo{
		events:     events,
		markErr:    map[uuid.UUID]error{},
		markErrHit: map[uuid.UUID]int{},
	}
}

func (repo *fakeRepo) Append(_ context.Context, _ outbox.Tx, event *outbox.Event) (*outbox.Event, error) {
	return repo.Create(context.Background(), event)
}

func (repo *fakeRepo) Create(_ context.Context, event *outbox.Event) (*outbox.Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	repo.events = append(repo.events, event)

	return event, nil
}

func (repo *fakeRepo) FetchUnprocessed(_ context.Context, limit, maxRetries int) ([]*outbox.Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	if repo.fetchErr != nil {
		return nil, repo.fetchErr
	}

	var batch []*outbox.Event

	for _, event := range repo.events {
		if event.Processed || event.RetryCount >= maxRetries {
			continue
		}

		batch = append(batch, event)
		if len(batch) == limit {
			break
		}
	}

	return batch, nil
}

func (repo *fakeRepo) MarkProcessed(_ context.Context, id uuid.UUID) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	if err := repo.takeMarkErr(id); err != nil {
		return err
	}

	for _, event := range repo.events {
		if event.ID == id {
			if !event.Processed {
				event.Processed = true
				now := time.Now().UTC()
				event.ProcessedAt = &now
			}

			return nil
		}
	}

	return outbox.ErrNotFound
}

func (repo *fakeRepo) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	for _, event := range repo.events {
		if event.ID == id {
			event.RetryCount++
			event.LastError = errMsg

			return nil
		}
	}

	return outbox.ErrNotFound
}

func (repo *fakeRepo) ResetForRetry(_ context.Context, id uuid.UUID) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	for _, event := range repo.events {
		if event.ID == id {
			if event.Processed {
				return outbox.ErrAlreadyProcessed
			}

			event.RetryCount = 0
			event.LastError = ""

			return nil
		}
	}

	return outbox.ErrNotFound
}

func (repo *fakeRepo) Stats(context.Context) (*outbox.Stats, error) {
	return &outbox.Stats{}, nil
}

func (repo *fakeRepo) DeleteProcessedBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (repo *fakeRepo) Ping(context.Context) error { return nil }

func (repo *fakeRepo) failMarkProcessedOnce(id uuid.UUID, err error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	repo.markErr[id] = err
	repo.markErrHit[id] = 1
}

func (repo *fakeRepo) takeMarkErr(id uuid.UUID) error {
	if repo.markErrHit[id] > 0 {
		repo.markErrHit[id]--

		return repo.markErr[id]
	}

	return nil
}

func (repo *fakeRepo) eventByID(id uuid.UUID) *outbox.Event {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	for _, event := range repo.events {
		if event.ID == id {
			return event
		}
	}

	return nil
}

type storeOp struct {
	kind       string
	collection string
	key        string
	document   map[string]any
}

type fakeStore struct {
	mu        sync.Mutex
	ops       []storeOp
	documents map[string]map[string]any
	failKeys  map[string]error
	pingErr   error
	pingCalls int
	delay     time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		documents: map[string]map[string]any{},
		failKeys:  map[string]error{},
	}
}

func (store *fakeStore) Upsert(_ context.Context, collection, key string, document map[string]any) error {
	if store.delay > 0 {
		time.Sleep(store.delay)
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if err := store.failKeys[key]; err != nil {
		return err
	}

	store.ops = append(store.ops, storeOp{kind: "upsert", collection: collection, key: key, document: document})
	store.documents[collection+"/"+key] = document

	return nil
}

func (store *fakeStore) Delete(_ context.Context, collection, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := store.failKeys[key]; err != nil {
		return err
	}

	store.ops = append(store.ops, storeOp{kind: "delete", collection: collection, key: key})
	delete(store.documents, collection+"/"+key)

	return nil
}

func (store *fakeStore) Ping(context.Context) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.pingCalls++

	return store.pingErr
}

func (store *fakeStore) operations() []storeOp {
	store.mu.Lock()
	defer store.mu.Unlock()

	ops := make([]storeOp, len(store.ops))
	copy(ops, store.ops)

	return ops
}

func (store *fakeStore) document(collection, key string) map[string]any {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.documents[collection+"/"+key]
}

func mustEvent(t *testing.T, eventType, aggregateID string, payload []byte) *outbox.Event {
	t.Helper()

	event, err := outbox.NewEvent(outbox.EventType(eventType), aggregateID, payload)
	require.NoError(t, err)

	return event
}

func newTestWorker(t *testing.T, repo outbox.Repository, store *fakeStore, opts ...Option) *Worker {
	t.Helper()

	opts = append([]Option{WithEventDelay(0)}, opts...)

	worker, err := NewWorker(repo, store, zap.NewNop(), opts...)
	require.NoError(t, err)

	return worker
}

func TestNewWorker_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewWorker(nil, newFakeStore(), zap.NewNop())
	require.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewWorker(newFakeRepo(), nil, zap.NewNop())
	require.ErrorIs(t, err, ErrStoreRequired)
}

func TestProcessOnce_DrainsBatchInFetchOrder(t *testing.T) {
	t.Parallel()

	first := mustEvent(t, "todo.created", "todo-1", []byte(`{"title":"one"}`))
	second := mustEvent(t, "todo.updated", "todo-1", []byte(`{"title":"one revised"}`))
	third := mustEvent(t, "user.updated", "user-9", []byte(`{"name":"ada"}`))

	repo := newFakeRepo(first, second, third)
	store := newFakeStore()
	worker := newTestWorker(t, repo, store)

	result := worker.ProcessOnce(context.Background())
	require.Equal(t, Result{Fetched: 3, Processed: 3, Failed: 0}, result)

	ops := store.operations()
	require.Len(t, ops, 3)
	require.Equal(t, "todo-1", ops[0].key)
	require.Equal(t, "one", ops[0].document["title"])
	require.Equal(t, "one revised", ops[1].document["title"])
	require.Equal(t, "user-9", ops[2].key)

	for _, event := range []*outbox.Event{first, second, third} {
		stored := repo.eventByID(event.ID)
		require.True(t, stored.Processed)
		require.NotNil(t, stored.ProcessedAt)
	}

	require.Equal(t, "one revised", store.document("todos", "todo-1")["title"])
}

func TestProcessOnce_DeleteEventRemovesDocument(t *testing.T) {
	t.Parallel()

	created := mustEvent(t, "message.created", "msg-1", []byte(`{"text":"hi"}`))
	deleted := mustEvent(t, "message.deleted", "msg-1", nil)

	repo := newFakeRepo(created, deleted)
	store := newFakeStore()
	worker := newTestWorker(t, repo, store)

	result := worker.ProcessOnce(context.Background())
	require.Equal(t, 2, result.Processed)

	ops := store.operations()
	require.Equal(t, "upsert", ops[0].kind)
	require.Equal(t, "delete", ops[1].kind)
	require.Nil(t, store.document("messages", "msg-1"))
}

func TestProcessOnce_FailureDoesNotBlockBatch(t *testing.T) {
	t.Parallel()

	first := mustEvent(t, "todo.created", "todo-1", []byte(`{"title":"a"}`))
	second := mustEvent(t, "todo.created", "todo-2", []byte(`{"title":"b"}`))
	third := mustEvent(t, "todo.created", "todo-3", []byte(`{"title":"c"}`))

	repo := newFakeRepo(first, second, third)
	store := newFakeStore()
	store.failKeys["todo-2"] = errors.New("write concern timeout")

	worker := newTestWorker(t, repo, store)

	result := worker.ProcessOnce(context.Background())
	require.Equal(t, Result{Fetched: 3, Processed: 2, Failed: 1}, result)

	failed := repo.eventByID(second.ID)
	require.False(t, failed.Processed)
	require.Equal(t, 1, failed.RetryCount)
	require.Contains(t, failed.LastError, "write concern timeout")

	require.True(t, repo.eventByID(first.ID).Processed)
	require.True(t, repo.eventByID(third.ID).Processed)
}

func TestProcessOnce_FailedEventRetriedNextCycle(t *testing.T) {
	t.Parallel()

	event := mustEvent(t, "report.created", "rep-1", []byte(`{"week":35}`))

	repo := newFakeRepo(event)
	store := newFakeStore()
	store.failKeys["rep-1"] = errors.New("temporarily down")

	worker := newTestWorker(t, repo, store)

	result := worker.ProcessOnce(context.Background())
	require.Equal(t, Result{Fetched: 1, Processed: 0, Failed: 1}, result)
	require.Equal(t, 1, repo.eventByID(event.ID).RetryCount)

	store.mu.Lock()
	delete(store.failKeys, "rep-1")
	store.mu.Unlock()

	result = worker.ProcessOnce(context.Background())
	require.Equal(t, Result{Fetched: 1, Processed: 1, Failed: 0}, result)
	require.True(t, repo.eventByID(event.ID).Processed)
}

func TestProcessOnce_DeadLetteredEventsExcluded(t *testing.T) {
	t.Parallel()

	dead := mustEvent(t, "todo.created", "todo-dead", []byte(`{"title":"stuck"}`))
	dead.RetryCount = defaultMaxRetries

	live := mustEvent(t, "todo.created", "todo-live", []byte(`{"title":"fine"}`))

	repo := newFakeRepo(dead, live)
	store := newFakeStore()
	worker := newTestWorker(t, repo, store)

	result := worker.ProcessOnce(context.Background())
	require.Equal(t, Result{Fetched: 1, Processed: 1, Failed: 0}, result)

	require.False(t, repo.eventByID(dead.ID).Processed)
	require.Equal(t, defaultMaxRetries, repo.eventByID(dead.ID).RetryCount)
	require.Nil(t, store.document("todos", "todo-dead"))
}

func TestProcessOnce_ResetForRetryRequeuesDeadLetter(t *testing.T) {
	t.Parallel()

	dead := mustEvent(t, "todo.created", "todo-dead", []byte(`{"title":"stuck"}`))
	dead.RetryCount = defaultMaxRetries
	dead.LastError = "boom"

	repo := newFakeRepo(dead)
	store := newFakeStore()
	worker := newTestWorker(t, repo, store)

	require.NoError(t, repo.ResetForRetry(context.Background(), dead.ID))

	result := worker.ProcessOnce(context.Background())
	require.Equal(t, Result{Fetched: 1, Processed: 1, Failed: 0}, result)
	require.Equal(t, "stuck", store.document("todos", "todo-dead")["title"])
}

func TestProcessOnce_MarkProcessedFailureReappliesIdempotently(t *testing.T) {
	t.Parallel()

	event := mustEvent(t, "user.updated", "user-1", []byte(`{"name":"ada"}`))

	repo := newFakeRepo(event)
	repo.failMarkProcessedOnce(event.ID, errors.New("primary hiccup"))

	store := newFakeStore()
	worker := newTestWorker(t, repo, store)

	// First cycle applies the document but fails to persist the processed
	// flag; the event stays fetchable.
	result := worker.ProcessOnce(context.Background())
	require.Equal(t, 1, result.Processed)
	require.False(t, repo.eventByID(event.ID).Processed)

	// Second cycle re-applies the same snapshot and marks it processed.
	result = worker.ProcessOnce(context.Background())
	require.Equal(t, 1, result.Processed)
	require.True(t, repo.eventByID(event.ID).Processed)

	require.Len(t, store.operations(), 2)
	require.Equal(t, "ada", store.document("users", "user-1")["name"])
}

func TestProcessOnce_FetchErrorYieldsEmptyResult(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.fetchErr = errors.New("connection reset")

	worker := newTestWorker(t, repo, newFakeStore())

	result := worker.ProcessOnce(context.Background())
	require.Equal(t, Result{}, result)
}

func TestProcessOnce_RespectsBatchSize(t *testing.T) {
	t.Parallel()

	var events []*outbox.Event
	for i := 0; i < 5; i++ {
		events = append(events, mustEvent(t, "session.created", uuid.NewString(), []byte(`{"minutes":25}`)))
	}

	repo := newFakeRepo(events...)
	worker := newTestWorker(t, repo, newFakeStore(), WithBatchSize(2))

	result := worker.ProcessOnce(context.Background())
	require.Equal(t, Result{Fetched: 2, Processed: 2, Failed: 0}, result)
}

func TestNextPollInterval_GrowsAfterThresholdAndResets(t *testing.T) {
	t.Parallel()

	worker := newTestWorker(t, newFakeRepo(), newFakeStore(),
		WithPollInterval(2*time.Second),
		WithMaxPollInterval(30*time.Second),
	)

	// Below the threshold the base interval holds.
	for i := 0; i < defaultEmptyPollThreshold-1; i++ {
		require.Equal(t, 2*time.Second, worker.nextPollInterval(0))
	}

	// At the threshold the interval starts growing by the backoff factor.
	require.Equal(t, 3*time.Second, worker.nextPollInterval(0))
	require.Equal(t, 4500*time.Millisecond, worker.nextPollInterval(0))

	// A non-empty batch resets to the base interval immediately.
	require.Equal(t, 2*time.Second, worker.nextPollInterval(1))
	require.Zero(t, worker.emptyPolls)
}

func TestNextPollInterval_CapsAtMax(t *testing.T) {
	t.Parallel()

	worker := newTestWorker(t, newFakeRepo(), newFakeStore(),
		WithPollInterval(2*time.Second),
		WithMaxPollInterval(5*time.Second),
	)

	for i := 0; i < defaultEmptyPollThreshold+10; i++ {
		worker.nextPollInterval(0)
	}

	require.Equal(t, 5*time.Second, worker.nextPollInterval(0))
}

func TestRun_FailsFastWhenDestinationUnreachable(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.pingErr = errors.New("no reachable servers")

	worker := newTestWorker(t, newFakeRepo(), store)

	err := worker.Run(context.Background())
	require.ErrorIs(t, err, ErrStartupPing)
	require.Equal(t, defaultStartupPingTries, store.pingCalls)
}

func TestRun_StopDrainsAndReturns(t *testing.T) {
	t.Parallel()

	event := mustEvent(t, "friendship.created", "fr-1", []byte(`{"with":"user-2"}`))

	repo := newFakeRepo(event)
	store := newFakeStore()
	worker := newTestWorker(t, repo, store, WithPollInterval(5*time.Millisecond))

	done := make(chan error, 1)

	go func() { done <- worker.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		stored := repo.eventByID(event.ID)

		return stored != nil && stored.Processed
	}, 2*time.Second, 5*time.Millisecond)

	worker.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	require.NoError(t, worker.Shutdown(context.Background()))
}

func TestRun_StopMidBatchFinishesInFlightBatch(t *testing.T) {
	t.Parallel()

	first := mustEvent(t, "todo.created", "todo-1", []byte(`{"n":1}`))
	second := mustEvent(t, "todo.created", "todo-2", []byte(`{"n":2}`))
	third := mustEvent(t, "todo.created", "todo-3", []byte(`{"n":3}`))

	repo := newFakeRepo(first, second, third)
	store := newFakeStore()
	store.delay = 50 * time.Millisecond

	worker := newTestWorker(t, repo, store, WithPollInterval(time.Hour))

	done := make(chan error, 1)

	go func() { done <- worker.Run(context.Background()) }()

	// Stop once the batch is mid-drain. The signal must not abort the
	// batch: every fetched event is applied and marked.
	require.Eventually(t, func() bool {
		return len(store.operations()) >= 1
	}, 2*time.Second, time.Millisecond)

	worker.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	require.NoError(t, worker.Shutdown(context.Background()))

	require.Len(t, store.operations(), 3)

	for _, event := range []*outbox.Event{first, second, third} {
		require.True(t, repo.eventByID(event.ID).Processed)
	}
}

func TestRun_SecondRunRejected(t *testing.T) {
	t.Parallel()

	worker := newTestWorker(t, newFakeRepo(), newFakeStore(), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		worker.runMu.Lock()
		defer worker.runMu.Unlock()

		return worker.running
	}, 2*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, worker.Run(ctx), ErrWorkerRunning)

	cancel()
	require.NoError(t, <-done)
}

func TestRun_ContextCancelStops(t *testing.T) {
	t.Parallel()

	worker := newTestWorker(t, newFakeRepo(), newFakeStore(), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() { done <- worker.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
