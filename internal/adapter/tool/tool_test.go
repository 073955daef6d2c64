package tool

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"

	"chatengine/internal/domain"
)

func newTestLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// stubTool reports a fixed id and runs exec.
type stubTool struct {
	id     domain.ToolID
	params string
	exec   func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error)
}

func (s *stubTool) ID() domain.ToolID   { return s.id }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Schema() domain.ToolSchema {
	var params json.RawMessage
	if s.params != "" {
		params = json.RawMessage(s.params)
	}
	return domain.ToolSchema{Name: string(s.id), Description: "stub", Parameters: params}
}
func (s *stubTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if s.exec != nil {
		return s.exec(ctx, params)
	}
	return TextResult("ok: " + string(params)), nil
}

// memMemory is an in-memory MemoryProvider.
type memMemory struct {
	mu          sync.Mutex
	entries     []domain.MemoryEntry
	unavailable bool
	err         error
}

func (m *memMemory) Store(_ context.Context, e domain.MemoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memMemory) Query(_ context.Context, q string, limit int) ([]domain.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.MemoryEntry
	for _, e := range m.entries {
		if strings.Contains(strings.ToLower(e.Content), strings.ToLower(q)) && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memMemory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return domain.NewDomainError("memMemory.Delete", domain.ErrMemoryStore, "no entry "+id)
}

func (m *memMemory) Name() string      { return "mem" }
func (m *memMemory) IsAvailable() bool { return !m.unavailable }

// fakeImages returns a fixed image.
type fakeImages struct {
	got domain.ImageRequest
	img *domain.Image
	err error
}

func (f *fakeImages) GenerateImage(_ context.Context, req domain.ImageRequest) (*domain.Image, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return f.img, nil
}

// fakeAssets records written assets.
type fakeAssets struct {
	written map[string][]byte
	err     error
}

func (f *fakeAssets) WriteAsset(_ context.Context, name string, data []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.written == nil {
		f.written = make(map[string][]byte)
	}
	f.written[name] = data
	return "/assets/" + name, nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
