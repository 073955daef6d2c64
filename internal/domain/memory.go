package domain

import (
	"context"
	"time"
)

// MemoryEntry represents a piece of stored knowledge.
type MemoryEntry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryProvider is the interface for long-term memory backends used by the
// remember tool.
type MemoryProvider interface {
	Store(ctx context.Context, entry MemoryEntry) error
	Query(ctx context.Context, query string, limit int) ([]MemoryEntry, error)
	Delete(ctx context.Context, id string) error
	Name() string
	IsAvailable() bool
}
