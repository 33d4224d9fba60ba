package outbox

import (
	"fmt"
	"strings"
)

// Action is the mutation kind an event carries downstream.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// ParseAction validates and converts a raw action string.
func ParseAction(raw string) (Action, error) {
	action := Action(strings.TrimSpace(raw))

	if !action.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}

	return action, nil
}

// IsValid reports whether the action is part of the closed set.
func (action Action) IsValid() bool {
	switch action {
	case ActionCreated, ActionUpdated, ActionDeleted:
		return true
	default:
		return false
	}
}

func (action Action) String() string {
	return string(action)
}

// EventType is an "<aggregate>.<action>" tag, e.g. "todo.created".
// It determines the operation applied against the secondary store.
type EventType string

// NewEventType builds an event type from its validated halves.
func NewEventType(aggregate AggregateType, action Action) (EventType, error) {
	if !aggregate.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAggregateType, string(aggregate))
	}

	if !action.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, string(action))
	}

	return EventType(string(aggregate) + "." + string(action)), nil
}

// ParseEventType validates a raw "<aggregate>.<action>" string.
func ParseEventType(raw string) (EventType, error) {
	raw = strings.TrimSpace(raw)

	aggregateRaw, actionRaw, found := strings.Cut(raw, ".")
	if !found {
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, raw)
	}

	aggregate, err := ParseAggregateType(aggregateRaw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidEventType, raw, err)
	}

	action, err := ParseAction(actionRaw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidEventType, raw, err)
	}

	return EventType(string(aggregate) + "." + string(action)), nil
}

// Aggregate returns the aggregate half of the event type.
func (eventType EventType) Aggregate() (AggregateType, error) {
	aggregateRaw, _, found := strings.Cut(string(eventType), ".")
	if !found {
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, string(eventType))
	}

	return ParseAggregateType(aggregateRaw)
}

// Action returns the action half of the event type.
func (eventType EventType) Action() (Action, error) {
	_, actionRaw, found := strings.Cut(string(eventType), ".")
	if !found {
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, string(eventType))
	}

	return ParseAction(actionRaw)
}

// IsDelete reports whether the event removes its aggregate downstream.
func (eventType EventType) IsDelete() bool {
	return strings.HasSuffix(string(eventType), "."+string(ActionDeleted))
}

func (eventType EventType) String() string {
	return string(eventType)
}
