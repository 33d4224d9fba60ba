package outbox

import "errors"

var (
	ErrEventRequired            = errors.New("outbox event is required")
	ErrEventIDRequired          = errors.New("outbox event id is required")
	ErrAggregateIDRequired      = errors.New("aggregate id is required")
	ErrPayloadRequired          = errors.New("payload is required")
	ErrPayloadNotJSON           = errors.New("payload must be valid JSON")
	ErrPayloadTooLarge          = errors.New("payload exceeds maximum allowed size")
	ErrInvalidEventType         = errors.New("invalid event type")
	ErrUnknownAggregateType     = errors.New("unknown aggregate type")
	ErrUnknownAction            = errors.New("unknown event action")
	ErrNotFound                 = errors.New("outbox event not found")
	ErrAlreadyProcessed         = errors.New("outbox event already processed")
	ErrLimitMustBePositive      = errors.New("limit must be greater than zero")
	ErrMaxRetriesMustBePositive = errors.New("maxRetries must be greater than zero")
)
