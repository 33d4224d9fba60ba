package outbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// MaxPayloadBytes bounds the stored entity snapshot.
const MaxPayloadBytes = 1 << 20

// Event is the durable unit of work: a record of one committed
// primary-store mutation awaiting application to the secondary store.
type Event struct {
	ID            uuid.UUID
	EventType     EventType
	AggregateType AggregateType
	AggregateID   string
	Payload       []byte
	Processed     bool
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
}

// NewEvent creates a valid unprocessed event. The aggregate type is
// derived from the event type. Delete events may omit the payload; the
// aggregate id alone identifies the target. Non-delete payloads must be
// valid JSON so the worker can decode them into a destination document.
func NewEvent(eventType EventType, aggregateID string, payload []byte) (*Event, error) {
	return NewEventWithID(uuid.New(), eventType, aggregateID, payload)
}

// NewEventWithID creates a valid unprocessed event with a caller-provided id.
func NewEventWithID(id uuid.UUID, eventType EventType, aggregateID string, payload []byte) (*Event, error) {
	if id == uuid.Nil {
		return nil, ErrEventIDRequired
	}

	parsedType, err := ParseEventType(string(eventType))
	if err != nil {
		return nil, err
	}

	aggregate, err := parsedType.Aggregate()
	if err != nil {
		return nil, err
	}

	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return nil, ErrAggregateIDRequired
	}

	if !parsedType.IsDelete() {
		if len(payload) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrPayloadRequired, parsedType)
		}
	}

	if len(payload) > 0 {
		if len(payload) > MaxPayloadBytes {
			return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
		}

		if !json.Valid(payload) {
			return nil, ErrPayloadNotJSON
		}
	}

	return &Event{
		ID:            id,
		EventType:     parsedType,
		AggregateType: aggregate,
		AggregateID:   aggregateID,
		Payload:       payload,
		Processed:     false,
		RetryCount:    0,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Document decodes the payload snapshot into a destination document.
func (event *Event) Document() (map[string]any, error) {
	if event == nil {
		return nil, ErrEventRequired
	}

	if len(event.Payload) == 0 {
		return nil, fmt.Errorf("%w: event %s", ErrPayloadRequired, event.ID)
	}

	var document map[string]any
	if err := json.Unmarshal(event.Payload, &document); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadNotJSON, err)
	}

	return document, nil
}
