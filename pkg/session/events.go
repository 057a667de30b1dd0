package session

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/mentor/pkg/transcript"
)

// Bus topics the session publishes to.
const (
	TopicTurns  = "mentor.turns"
	TopicStatus = "mentor.status"
)

const (
	metadataConversationID = "conversation_id"
	metadataEventType      = "event_type"
)

var (
	// ErrBusy is returned when a command needs the session idle while an
	// assistant turn is still in progress.
	ErrBusy = errors.New("session: an answer is still in progress")
	// ErrEmptyText is returned by SendText for blank input.
	ErrEmptyText = errors.New("session: message is empty")
	// ErrTornDown is returned by commands issued after Teardown.
	ErrTornDown = errors.New("session: torn down")
)

// ServerError is an explicit error reported by the mentor server, or the loss of
// the connection while an answer was in progress.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "mentor server error: " + e.Message
}

// Status is the session-level indicator exposed to the presentation layer.
type Status struct {
	Processing bool `json:"processing"`
	Speaking   bool `json:"speaking"`
	Listening  bool `json:"listening"`
	Connected  bool `json:"connected"`
}

// TurnEvent carries the latest state of one transcript turn.
type TurnEvent struct {
	ConversationID string          `json:"conversation_id"`
	Index          int             `json:"index"`
	Version        uint64          `json:"version"`
	Turn           transcript.Turn `json:"turn"`
}

// StatusEvent carries the indicator after a change, plus the error that caused it, if any.
type StatusEvent struct {
	ConversationID string `json:"conversation_id"`
	Status         Status `json:"status"`
	Error          string `json:"error,omitempty"`
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	ContextID      string            `json:"context_id"`
	ConversationID string            `json:"conversation_id"`
	Turns          []transcript.Turn `json:"turns"`
	Status         Status            `json:"status"`
}

func newBusMessage(convID, eventType string, payload any) (*message.Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s event", eventType)
	}
	msg := message.NewMessage(uuid.NewString(), b)
	msg.Metadata.Set(metadataConversationID, convID)
	msg.Metadata.Set(metadataEventType, eventType)
	return msg, nil
}

// DecodeTurnEvent parses a message published on TopicTurns.
func DecodeTurnEvent(msg *message.Message) (TurnEvent, error) {
	var ev TurnEvent
	if msg == nil {
		return ev, errors.New("nil message")
	}
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, errors.Wrap(err, "decode turn event")
	}
	return ev, nil
}

// DecodeStatusEvent parses a message published on TopicStatus.
func DecodeStatusEvent(msg *message.Message) (StatusEvent, error) {
	var ev StatusEvent
	if msg == nil {
		return ev, errors.New("nil message")
	}
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, errors.Wrap(err, "decode status event")
	}
	return ev, nil
}
