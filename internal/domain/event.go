package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventStateChanged      EventType = "conversation.state_changed"
	EventMessageUpserted   EventType = "conversation.message_upserted"
	EventSuggestionsSet    EventType = "conversation.suggestions_set"
	EventTitleSet          EventType = "conversation.title_set"
	EventCycleFailed       EventType = "conversation.cycle_failed"
	EventCycleCancelled    EventType = "conversation.cycle_cancelled"
	EventStreamDelta       EventType = "stream.delta"
	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type           EventType       `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// StateChangedPayload is the payload for EventStateChanged.
type StateChangedPayload struct {
	From GenerationState `json:"from"`
	To   GenerationState `json:"to"`
}

// MessagePayload is the payload for EventMessageUpserted.
type MessagePayload struct {
	MessageID string `json:"message_id"`
	Role      Role   `json:"role"`
	Done      bool   `json:"done"`
}

// StreamDeltaPayload is the payload for EventStreamDelta.
type StreamDeltaPayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content,omitempty"`
	Round     int    `json:"round"`
}

// ToolCallPayload is the payload for tool call events.
type ToolCallPayload struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Error  bool   `json:"error,omitempty"`
}

// ErrorPayload is the payload for EventCycleFailed.
type ErrorPayload struct {
	Error string    `json:"error"`
	Code  ErrorCode `json:"code"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for engine events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
