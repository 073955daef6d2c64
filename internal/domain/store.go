package domain

import (
	"context"
	"time"
)

// ConversationSummary is a lightweight listing entry.
type ConversationSummary struct {
	ID           string          `json:"id"`
	Title        string          `json:"title,omitempty"`
	Model        string          `json:"model,omitempty"`
	State        GenerationState `json:"state"`
	MessageCount int             `json:"message_count"`
	ModifiedAt   time.Time       `json:"modified_at"`
}

// ConversationStore is the single owner of conversation state.
// Get returns a copy; callers mutate it and write it back with Upsert.
type ConversationStore interface {
	Get(ctx context.Context, id string) (*Conversation, error)
	Upsert(ctx context.Context, conv *Conversation) error
	// UpsertMessage replaces the message with the same id or appends it.
	UpsertMessage(ctx context.Context, conversationID string, msg Message) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]ConversationSummary, error)
}
