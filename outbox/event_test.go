//go:build unit

package outbox

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewEvent_Valid(t *testing.T) {
	t.Parallel()

	event, err := NewEvent("todo.created", "todo-42", []byte(`{"title":"read chapter 3","done":false}`))
	require.NoError(t, err)

	require.NotEqual(t, uuid.Nil, event.ID)
	require.Equal(t, EventType("todo.created"), event.EventType)
	require.Equal(t, AggregateTodo, event.AggregateType)
	require.Equal(t, "todo-42", event.AggregateID)
	require.False(t, event.Processed)
	require.Nil(t, event.ProcessedAt)
	require.Zero(t, event.RetryCount)
	require.False(t, event.CreatedAt.IsZero())
}

func TestNewEvent_DeleteMayOmitPayload(t *testing.T) {
	t.Parallel()

	event, err := NewEvent("user.deleted", "user-1", nil)
	require.NoError(t, err)
	require.Empty(t, event.Payload)
}

func TestNewEvent_NonDeleteRequiresPayload(t *testing.T) {
	t.Parallel()

	_, err := NewEvent("user.created", "user-1", nil)
	require.ErrorIs(t, err, ErrPayloadRequired)
}

func TestNewEvent_RejectsInvalidJSON(t *testing.T) {
	t.Parallel()

	_, err := NewEvent("user.created", "user-1", []byte(`{"name":`))
	require.ErrorIs(t, err, ErrPayloadNotJSON)
}

func TestNewEvent_RejectsOversizedPayload(t *testing.T) {
	t.Parallel()

	oversized := append([]byte(`{"blob":"`), bytes.Repeat([]byte("a"), MaxPayloadBytes)...)
	oversized = append(oversized, []byte(`"}`)...)

	_, err := NewEvent("user.created", "user-1", oversized)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestNewEvent_RejectsBlankAggregateID(t *testing.T) {
	t.Parallel()

	_, err := NewEvent("user.created", "   ", []byte(`{}`))
	require.ErrorIs(t, err, ErrAggregateIDRequired)
}

func TestNewEvent_RejectsUnknownEventType(t *testing.T) {
	t.Parallel()

	_, err := NewEvent("quiz.created", "quiz-1", []byte(`{}`))
	require.ErrorIs(t, err, ErrInvalidEventType)
}

func TestNewEventWithID_RejectsNilID(t *testing.T) {
	t.Parallel()

	_, err := NewEventWithID(uuid.Nil, "user.created", "user-1", []byte(`{}`))
	require.ErrorIs(t, err, ErrEventIDRequired)
}

func TestDocument_DecodesPayload(t *testing.T) {
	t.Parallel()

	event, err := NewEvent("user.updated", "user-1", []byte(`{"name":"ada","streak":12}`))
	require.NoError(t, err)

	document, err := event.Document()
	require.NoError(t, err)
	require.Equal(t, "ada", document["name"])
	require.EqualValues(t, 12, document["streak"])
}

func TestDocument_EmptyPayloadFails(t *testing.T) {
	t.Parallel()

	event, err := NewEvent("user.deleted", "user-1", nil)
	require.NoError(t, err)

	_, err = event.Document()
	require.ErrorIs(t, err, ErrPayloadRequired)
}
