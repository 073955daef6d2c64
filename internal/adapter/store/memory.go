package store

import (
	"context"
	"sort"
	"sync"

	"chatengine/internal/domain"
)

// MemoryStore keeps conversations in process memory. Every read and write
// copies, so callers never share state with the store.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*domain.Conversation
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*domain.Conversation)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[id]
	if !ok {
		return nil, domain.NewDomainError("MemoryStore.Get", domain.ErrConversationNotFound, id)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) Upsert(_ context.Context, conv *domain.Conversation) error {
	if conv == nil || conv.ID == "" {
		return domain.NewDomainError("MemoryStore.Upsert", domain.ErrInvalidInput, "conversation without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.convs[conv.ID] = conv.Clone()
	return nil
}

func (s *MemoryStore) UpsertMessage(_ context.Context, conversationID string, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return domain.NewDomainError("MemoryStore.UpsertMessage", domain.ErrConversationNotFound, conversationID)
	}
	c.PutMessage(msg.Clone())
	if msg.ModifiedAt.After(c.ModifiedAt) {
		c.ModifiedAt = msg.ModifiedAt
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[id]; !ok {
		return domain.NewDomainError("MemoryStore.Delete", domain.ErrConversationNotFound, id)
	}
	delete(s.convs, id)
	return nil
}

// List returns summaries, most recently modified first.
func (s *MemoryStore) List(_ context.Context) ([]domain.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ConversationSummary, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, summarize(c))
	}
	sortSummaries(out)
	return out, nil
}

func summarize(c *domain.Conversation) domain.ConversationSummary {
	return domain.ConversationSummary{
		ID:           c.ID,
		Title:        c.Title,
		Model:        c.Model,
		State:        c.State,
		MessageCount: len(c.Messages),
		ModifiedAt:   c.ModifiedAt,
	}
}

func sortSummaries(s []domain.ConversationSummary) {
	sort.SliceStable(s, func(i, j int) bool {
		if !s[i].ModifiedAt.Equal(s[j].ModifiedAt) {
			return s[i].ModifiedAt.After(s[j].ModifiedAt)
		}
		return s[i].ID < s[j].ID
	})
}

var _ domain.ConversationStore = (*MemoryStore)(nil)
