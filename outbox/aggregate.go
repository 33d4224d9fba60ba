package outbox

import (
	"fmt"
	"strings"
)

// AggregateType identifies the logical entity kind an event describes.
// The set is closed: an unmapped aggregate type is a configuration bug
// surfaced at parse time, never a silent runtime failure.
type AggregateType string

const (
	AggregateUser       AggregateType = "user"
	AggregateTodo       AggregateType = "todo"
	AggregateMessage    AggregateType = "message"
	AggregateReport     AggregateType = "report"
	AggregateSession    AggregateType = "session"
	AggregateFriendship AggregateType = "friendship"
	AggregateForm       AggregateType = "form"
	AggregateResponse   AggregateType = "response"
)

// AggregateTypes lists every valid aggregate type. Used by startup
// validation to assert the collection mapping is total.
func AggregateTypes() []AggregateType {
	return []AggregateType{
		AggregateUser,
		AggregateTodo,
		AggregateMessage,
		AggregateReport,
		AggregateSession,
		AggregateFriendship,
		AggregateForm,
		AggregateResponse,
	}
}

// ParseAggregateType validates and converts a raw aggregate type string.
func ParseAggregateType(raw string) (AggregateType, error) {
	aggregate := AggregateType(strings.TrimSpace(raw))

	if !aggregate.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAggregateType, raw)
	}

	return aggregate, nil
}

// IsValid reports whether the aggregate type is part of the closed set.
func (aggregate AggregateType) IsValid() bool {
	switch aggregate {
	case AggregateUser, AggregateTodo, AggregateMessage, AggregateReport,
		AggregateSession, AggregateFriendship, AggregateForm, AggregateResponse:
		return true
	default:
		return false
	}
}

// Collection resolves the destination collection for the aggregate type.
// The mapping is a closed switch so that adding an aggregate type without
// a destination fails validation at startup.
func (aggregate AggregateType) Collection() (string, error) {
	switch aggregate {
	case AggregateUser:
		return "users", nil
	case AggregateTodo:
		return "todos", nil
	case AggregateMessage:
		return "messages", nil
	case AggregateReport:
		return "reports", nil
	case AggregateSession:
		return "sessions", nil
	case AggregateFriendship:
		return "friendships", nil
	case AggregateForm:
		return "forms", nil
	case AggregateResponse:
		return "responses", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAggregateType, string(aggregate))
	}
}

func (aggregate AggregateType) String() string {
	return string(aggregate)
}

// ValidateCollectionMapping asserts every aggregate type resolves to a
// destination collection. Called once at worker startup.
func ValidateCollectionMapping() error {
	for _, aggregate := range AggregateTypes() {
		if _, err := aggregate.Collection(); err != nil {
			return fmt.Errorf("collection mapping: %w", err)
		}
	}

	return nil
}
