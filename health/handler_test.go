//go:build unit

package health

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/studybuddy/studysync/outbox"
)

func newHealthApp(stats *outbox.Stats, statsErr error) *fiber.App {
	reporter := NewReporter(&fakeStats{stats: stats, err: statsErr}, &fakePinger{}, &fakePinger{})

	app := fiber.New()
	app.Get("/health", Handler(reporter))

	return app
}

func TestHandler_HealthyReturns200(t *testing.T) {
	t.Parallel()

	app := newHealthApp(&outbox.Stats{Unprocessed: 2}, nil)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/health", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var report Report

	require.NoError(t, json.Unmarshal(body, &report))
	require.Equal(t, StatusHealthy, report.Status)
	require.EqualValues(t, 2, report.QueueSize)
	require.NotNil(t, report.Alerts)
}

func TestHandler_UnhealthyReturns503(t *testing.T) {
	t.Parallel()

	app := newHealthApp(nil, context.DeadlineExceeded)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/health", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

type fakeRequeuer struct {
	err    error
	lastID uuid.UUID
}

func (requeuer *fakeRequeuer) ResetForRetry(_ context.Context, id uuid.UUID) error {
	requeuer.lastID = id

	return requeuer.err
}

func newRetryApp(requeuer *fakeRequeuer) *fiber.App {
	app := fiber.New()
	app.Post("/events/:id/retry", RetryHandler(requeuer))

	return app
}

func TestRetryHandler_Requeues(t *testing.T) {
	t.Parallel()

	requeuer := &fakeRequeuer{}
	app := newRetryApp(requeuer)

	id := uuid.New()

	resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/events/"+id.String()+"/retry", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	require.Equal(t, id, requeuer.lastID)
}

func TestRetryHandler_InvalidID(t *testing.T) {
	t.Parallel()

	app := newRetryApp(&fakeRequeuer{})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/events/not-a-uuid/retry", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestRetryHandler_NotFound(t *testing.T) {
	t.Parallel()

	app := newRetryApp(&fakeRequeuer{err: outbox.ErrNotFound})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/events/"+uuid.NewString()+"/retry", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestRetryHandler_AlreadyProcessed(t *testing.T) {
	t.Parallel()

	app := newRetryApp(&fakeRequeuer{err: outbox.ErrAlreadyProcessed})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/events/"+uuid.NewString()+"/retry", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)
}
