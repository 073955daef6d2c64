package llm

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"

	"chatengine/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockService is a ChatService that cannot stream.
type mockService struct {
	name     string
	calls    atomic.Int32
	complete func(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error)
}

func (m *mockService) Name() string { return m.name }

func (m *mockService) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	m.calls.Add(1)
	if m.complete != nil {
		return m.complete(ctx, req)
	}
	return &domain.CompletionResponse{Content: m.name, FinishReason: domain.FinishStop}, nil
}

// mockStreamService also streams.
type mockStreamService struct {
	mockService
	streamCalls atomic.Int32
	stream      func(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamDelta, error)
}

func (m *mockStreamService) CompleteStream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamDelta, error) {
	m.streamCalls.Add(1)
	if m.stream != nil {
		return m.stream(ctx, req)
	}
	return deltas(domain.StreamDelta{Content: m.name}, domain.StreamDelta{Done: true}), nil
}

func deltas(ds ...domain.StreamDelta) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, len(ds))
	for _, d := range ds {
		ch <- d
	}
	close(ch)
	return ch
}

func drain(ch <-chan domain.StreamDelta) []domain.StreamDelta {
	var out []domain.StreamDelta
	for d := range ch {
		out = append(out, d)
	}
	return out
}
