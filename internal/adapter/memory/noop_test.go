package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatengine/internal/domain"
)

func TestNoopMemory(t *testing.T) {
	n := NewNoopMemory()
	ctx := context.Background()

	assert.Equal(t, "noop", n.Name())
	assert.False(t, n.IsAvailable())
	assert.ErrorIs(t, n.Store(ctx, domain.MemoryEntry{ID: "1", Content: "x"}), domain.ErrMemoryUnavailable)
	assert.ErrorIs(t, n.Delete(ctx, "1"), domain.ErrMemoryUnavailable)

	entries, err := n.Query(ctx, "x", 5)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
