package health

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/studybuddy/studysync/outbox"
)

// Handler serves the health report. Unhealthy reports answer 503 so load
// balancers and probes can react without parsing the body.
func Handler(reporter *Reporter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		report := reporter.Report(c.UserContext())

		status := fiber.StatusOK
		if report.Status == StatusUnhealthy {
			status = fiber.StatusServiceUnavailable
		}

		return c.Status(status).JSON(report)
	}
}

// eventRequeuer is the slice of the repository the retry endpoint needs.
type eventRequeuer interface {
	ResetForRetry(ctx context.Context, id uuid.UUID) error
}

// RetryHandler requeues a dead-lettered event by id. This is the manual
// operator replay path; processed events are rejected.
func RetryHandler(repo eventRequeuer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid event id"})
		}

		if err := repo.ResetForRetry(c.UserContext(), id); err != nil {
			switch {
			case errors.Is(err, outbox.ErrNotFound):
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "event not found"})
			case errors.Is(err, outbox.ErrAlreadyProcessed):
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "event already processed"})
			default:
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": outbox.SanitizeError(err)})
			}
		}

		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "requeued"})
	}
}
