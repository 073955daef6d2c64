package memory

import (
	"context"

	"chatengine/internal/domain"
)

// NoopMemory is used when long-term memory is disabled. It reports itself
// unavailable so the remember tool can say so instead of pretending to save.
type NoopMemory struct{}

// NewNoopMemory creates a noop memory provider.
func NewNoopMemory() *NoopMemory { return &NoopMemory{} }

func (n *NoopMemory) Store(_ context.Context, _ domain.MemoryEntry) error {
	return domain.ErrMemoryUnavailable
}

func (n *NoopMemory) Query(_ context.Context, _ string, _ int) ([]domain.MemoryEntry, error) {
	return nil, nil
}

func (n *NoopMemory) Delete(_ context.Context, _ string) error { return domain.ErrMemoryUnavailable }
func (n *NoopMemory) Name() string                             { return "noop" }
func (n *NoopMemory) IsAvailable() bool                        { return false }

var _ domain.MemoryProvider = (*NoopMemory)(nil)
