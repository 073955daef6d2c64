package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatengine/internal/domain"
)

// --- Mocks ---

// memStore is a minimal ConversationStore that hands out deep copies.
type memStore struct {
	mu    sync.Mutex
	convs map[string]*domain.Conversation
}

func newMemStore(convs ...*domain.Conversation) *memStore {
	s := &memStore{convs: make(map[string]*domain.Conversation)}
	for _, c := range convs {
		s.convs[c.ID] = c.Clone()
	}
	return s
}

func (s *memStore) Get(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, domain.NewDomainError("memStore.Get", domain.ErrConversationNotFound, id)
	}
	return c.Clone(), nil
}

func (s *memStore) Upsert(_ context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = conv.Clone()
	return nil
}

func (s *memStore) UpsertMessage(_ context.Context, id string, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return domain.NewDomainError("memStore.UpsertMessage", domain.ErrConversationNotFound, id)
	}
	c.PutMessage(msg.Clone())
	c.ModifiedAt = msg.ModifiedAt
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, id)
	return nil
}

func (s *memStore) List(_ context.Context) ([]domain.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ConversationSummary, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, domain.ConversationSummary{ID: c.ID, Title: c.Title, State: c.State, MessageCount: len(c.Messages)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) conv(t *testing.T, id string) *domain.Conversation {
	t.Helper()
	c, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

type completion struct {
	resp domain.CompletionResponse
	err  error
}

// scriptedService replays one delta script per streaming request and one
// completion per whole-message request.
type scriptedService struct {
	mu          sync.Mutex
	scripts     [][]domain.StreamDelta
	openErrs    []error
	completions []completion
	gate        chan struct{} // when set, the stream pauses after its first delta

	streamReqs   []domain.CompletionRequest
	completeReqs []domain.CompletionRequest
}

func (s *scriptedService) Name() string { return "scripted" }

func (s *scriptedService) Complete(_ context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.completeReqs)
	s.completeReqs = append(s.completeReqs, req)
	if idx >= len(s.completions) {
		return &domain.CompletionResponse{Content: ""}, nil
	}
	c := s.completions[idx]
	if c.err != nil {
		return nil, c.err
	}
	return new(c.resp), nil
}

func (s *scriptedService) CompleteStream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamDelta, error) {
	s.mu.Lock()
	idx := len(s.streamReqs)
	s.streamReqs = append(s.streamReqs, req)
	script := []domain.StreamDelta{{Content: "fallback", Done: true, FinishReason: domain.FinishStop}}
	if idx < len(s.scripts) {
		script = s.scripts[idx]
	}
	var openErr error
	if idx < len(s.openErrs) {
		openErr = s.openErrs[idx]
	}
	gate := s.gate
	s.mu.Unlock()

	if openErr != nil {
		return nil, openErr
	}

	ch := make(chan domain.StreamDelta)
	go func() {
		defer close(ch)
		for i, d := range script {
			select {
			case ch <- d:
			case <-ctx.Done():
				return
			}
			if i == 0 && gate != nil {
				select {
				case <-gate:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (s *scriptedService) streamRequests() []domain.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.CompletionRequest(nil), s.streamReqs...)
}

func (s *scriptedService) completeRequests() []domain.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.CompletionRequest(nil), s.completeReqs...)
}

// plainService exposes only whole-message completions.
type plainService struct {
	inner *scriptedService
}

func (p plainService) Name() string { return "plain" }
func (p plainService) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	return p.inner.Complete(ctx, req)
}

type staticResolver map[string]domain.ChatService

func (r staticResolver) Resolve(model string) (domain.ChatService, error) {
	svc, ok := r[model]
	if !ok {
		return nil, domain.NewDomainError("staticResolver.Resolve", domain.ErrServiceNotFound, model)
	}
	return svc, nil
}

// mockTools answers known tools with canned text and unknown ones with the
// unrecognized-tool message.
type mockTools struct {
	mu      sync.Mutex
	results map[string]string
	calls   []domain.ToolCall
}

func (m *mockTools) Dispatch(_ context.Context, call domain.ToolCall) []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	res, ok := m.results[call.Name]
	if !ok {
		return []domain.Message{domain.UnrecognizedToolMessage(call)}
	}
	return []domain.Message{domain.NewToolMessage(call, res)}
}

func (m *mockTools) Schemas(ids []domain.ToolID) []domain.ToolSchema {
	out := make([]domain.ToolSchema, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.ToolSchema{Name: string(id), Description: "test tool", Parameters: []byte(`{"type":"object"}`)})
	}
	return out
}

func (m *mockTools) dispatched() []domain.ToolCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ToolCall(nil), m.calls...)
}

// recordingBus delivers synchronously and keeps every event.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}
func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) ofType(t domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// states returns the sequence of states entered, starting from the first
// transition's origin.
func (b *recordingBus) states(t *testing.T) []domain.GenerationState {
	t.Helper()
	var out []domain.GenerationState
	for i, e := range b.ofType(domain.EventStateChanged) {
		var p domain.StateChangedPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		if i == 0 {
			out = append(out, p.From)
		}
		out = append(out, p.To)
	}
	return out
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id%03d", g.n)
}

type fakeSpeech struct {
	audio *domain.Audio
	err   error
	reqs  []domain.SpeechRequest
}

func (f *fakeSpeech) Synthesize(_ context.Context, req domain.SpeechRequest) (*domain.Audio, error) {
	f.reqs = append(f.reqs, req)
	return f.audio, f.err
}

type fakeAssets struct {
	files map[string][]byte
}

func (f *fakeAssets) WriteAsset(_ context.Context, name string, data []byte) (string, error) {
	if f.files == nil {
		f.files = make(map[string][]byte)
	}
	f.files[name] = data
	return "/assets/" + name, nil
}

// --- Helpers ---

const testModel = "test-model"

func newTestLogger() *slog.Logger {
	return slog.Default()
}

func testClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newConversation(id string, msgs ...domain.Message) *domain.Conversation {
	return &domain.Conversation{
		ID:       id,
		Model:    testModel,
		State:    domain.StateIdle,
		Messages: msgs,
	}
}

func userMsg(id, runID, text string) domain.Message {
	m := domain.NewTextMessage(domain.RoleUser, text)
	m.ID = id
	m.RunID = runID
	m.Done = true
	return m
}

func assistantMsg(id, runID, text string) domain.Message {
	m := domain.NewTextMessage(domain.RoleAssistant, text)
	m.ID = id
	m.RunID = runID
	m.Done = true
	m.FinishReason = domain.FinishStop
	return m
}

type harness struct {
	store *memStore
	svc   *scriptedService
	tools *mockTools
	bus   *recordingBus
	orch  *Orchestrator
}

func newHarness(t *testing.T, conv *domain.Conversation, svc *scriptedService, mutate ...func(*OrchestratorDeps)) *harness {
	t.Helper()
	h := &harness{
		store: newMemStore(conv),
		svc:   svc,
		tools: &mockTools{results: map[string]string{"web_search": "result for x"}},
		bus:   &recordingBus{},
	}
	deps := OrchestratorDeps{
		Store:    h.store,
		Services: staticResolver{testModel: svc},
		Tools:    h.tools,
		Bus:      h.bus,
		Logger:   newTestLogger(),
		IDs:      &seqIDs{},
		Clock:    testClock(),
		Options: OrchestratorOptions{
			Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		},
	}
	for _, m := range mutate {
		m(&deps)
	}
	h.orch = NewOrchestrator(deps)
	return h
}

func textDelta(s string) domain.StreamDelta { return domain.StreamDelta{Content: s} }

func doneDelta(s string) domain.StreamDelta {
	return domain.StreamDelta{Content: s, Done: true, FinishReason: domain.FinishStop}
}

func toolCallDeltas(id, name, args string) []domain.StreamDelta {
	return []domain.StreamDelta{
		{ToolCalls: []domain.ToolCallDelta{{Index: 0, ID: id, Name: name}}},
		{ToolCalls: []domain.ToolCallDelta{{Index: 0, Arguments: args}}},
		{Done: true, FinishReason: domain.FinishToolCalls},
	}
}

func messagesByRole(conv *domain.Conversation, role domain.Role) []domain.Message {
	var out []domain.Message
	for _, m := range conv.Messages {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}
