package gateway

import (
	"encoding/json"
	"time"

	"github.com/buildroom-dev/buildroom/internal/model"
)

// EventType names a real-time event on the wire.
type EventType string

const (
	// Bidirectional
	EventProjectMessage EventType = "project-message"
	EventTyping         EventType = "typing"
	EventStopTyping     EventType = "stop typing"

	// Server -> room
	EventActiveUsers     EventType = "update-active-users"
	EventMessagesDeleted EventType = "messages-deleted"

	// Server -> sender only
	EventMessageError EventType = "message-error"

	// Client -> server
	EventDeleteMessages EventType = "delete-messages"
)

// Envelope frames every websocket message.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// encodeEvent marshals an event and payload into wire bytes.
func encodeEvent(event EventType, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = encoded
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// IncomingMessage is the client payload for project-message.
type IncomingMessage struct {
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

// OutgoingMessage is the persisted record broadcast to the room. Its id,
// order, and timestamp are exactly what the store assigned.
type OutgoingMessage struct {
	ID        string          `json:"_id"`
	User      model.UserRef   `json:"user"`
	Message   json.RawMessage `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

// TypingPayload carries the identity for typing / stop typing events.
type TypingPayload struct {
	Email string `json:"email"`
}

// DeleteRequest is the client payload for delete-messages.
type DeleteRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// MessagesDeleted names the pruned ids; clients drop them locally.
type MessagesDeleted struct {
	MessageIDs []string `json:"messageIds"`
}

// ErrorPayload is unicast to the sender on a pipeline failure.
type ErrorPayload struct {
	Error string `json:"error"`
}
