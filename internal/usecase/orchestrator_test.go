package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chatengine/internal/domain"
)

func TestGenerateStream_PartialDeltasShareOneMessage(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "r1", "hi"))
	svc := &scriptedService{scripts: [][]domain.StreamDelta{
		{textDelta("He"), doneDelta("llo!")},
	}}
	h := newHarness(t, conv, svc)

	require.NoError(t, h.orch.Conversation("c1").GenerateStream(context.Background()))

	got := h.store.conv(t, "c1")
	assistants := messagesByRole(got, domain.RoleAssistant)
	require.Len(t, assistants, 1)
	msg := assistants[0]
	assert.Equal(t, "Hello!", msg.Text())
	assert.True(t, msg.Done)
	assert.Equal(t, domain.FinishStop, msg.FinishReason)
	assert.Equal(t, "r1", msg.RunID)
	assert.Equal(t, domain.StateIdle, got.State)
	assert.Empty(t, got.Error)

	// Every partial upsert targeted the same id.
	upserts := h.bus.ofType(domain.EventMessageUpserted)
	require.Len(t, upserts, 2)
	for _, e := range upserts {
		assert.Contains(t, string(e.Payload), msg.ID)
	}

	assert.Equal(t, []domain.GenerationState{
		domain.StateIdle, domain.StateProcessing, domain.StateStreaming, domain.StateIdle,
	}, h.bus.states(t))
}

func TestGenerateStream_ToolRoundTrip(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "r1", "search for x"))
	conv.EnableTools(domain.ToolWebSearch)
	svc := &scriptedService{scripts: [][]domain.StreamDelta{
		toolCallDeltas("call_1", "web_search", `{"query":"x"}`),
		{doneDelta("Here is x.")},
	}}
	h := newHarness(t, conv, svc)

	forced := &domain.ToolChoice{Mode: domain.ToolChoiceFunction, Name: "web_search"}
	require.NoError(t, h.orch.Conversation("c1").WithToolChoice(forced).GenerateStream(context.Background()))

	reqs := svc.streamRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, forced, reqs[0].ToolChoice)
	assert.Nil(t, reqs[1].ToolChoice, "only the first request may force a tool")
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "web_search", reqs[0].Tools[0].Name)

	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, domain.RoleTool, last.Role)
	require.NotNil(t, last.ToolResponse)
	assert.Equal(t, "call_1", last.ToolResponse.ToolCallID)

	calls := h.tools.dispatched()
	require.Len(t, calls, 1)
	assert.Equal(t, `{"query":"x"}`, calls[0].Arguments)

	got := h.store.conv(t, "c1")
	require.Len(t, got.Messages, 4)
	assert.Equal(t, []domain.Role{domain.RoleUser, domain.RoleAssistant, domain.RoleTool, domain.RoleAssistant},
		[]domain.Role{got.Messages[0].Role, got.Messages[1].Role, got.Messages[2].Role, got.Messages[3].Role})
	assert.Equal(t, domain.FinishToolCalls, got.Messages[1].FinishReason)
	assert.Equal(t, "web_search", got.Messages[2].ToolResponse.Name)
	assert.Equal(t, "result for x", got.Messages[2].Text())
	assert.False(t, got.Messages[3].HasToolCalls())

	runs := AggregateRuns(got.Messages)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)
	assert.Len(t, runs[0].Messages, 4)

	// Idle is only entered once, after the final reply.
	states := h.bus.states(t)
	assert.Equal(t, domain.StateIdle, states[len(states)-1])
	for _, s := range states[1 : len(states)-1] {
		assert.NotEqual(t, domain.StateIdle, s)
	}
}

func TestGenerate_SecondRequestNeverForcesTool(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "r1", "x?"))
	conv.EnableTools(domain.ToolWebSearch)
	call := domain.ToolCall{ID: "call_1", Name: "web_search", Arguments: `{"query":"x"}`}
	svc := &scriptedService{completions: []completion{
		{resp: domain.CompletionResponse{ToolCalls: []domain.ToolCall{call}, FinishReason: domain.FinishToolCalls}},
		{resp: domain.CompletionResponse{ToolCalls: []domain.ToolCall{{ID: "call_2", Name: "web_search", Arguments: `{}`}}}},
		{resp: domain.CompletionResponse{Content: "done", FinishReason: domain.FinishStop}},
	}}
	h := newHarness(t, conv, svc)

	forced := &domain.ToolChoice{Mode: domain.ToolChoiceRequired}
	require.NoError(t, h.orch.Conversation("c1").WithToolChoice(forced).Generate(context.Background()))

	reqs := svc.completeRequests()
	require.Len(t, reqs, 3)
	assert.True(t, reqs[0].ToolChoice.IsForced())
	assert.False(t, reqs[1].ToolChoice.IsForced())
	assert.False(t, reqs[2].ToolChoice.IsForced())
	assert.Len(t, h.tools.dispatched(), 2)
	assert.NotContains(t, h.bus.states(t), domain.StateStreaming)
}

func TestGenerateStream_ErrorKeepsPartialContent(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "r1", "hi"))
	svc := &scriptedService{scripts: [][]domain.StreamDelta{
		{textDelta("Hel"), {Err: errors.New("connection dropped")}},
	}}
	h := newHarness(t, conv, svc)

	err := h.orch.Conversation("c1").GenerateStream(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection dropped")

	got := h.store.conv(t, "c1")
	assert.Equal(t, domain.StateIdle, got.State)
	assert.Contains(t, got.Error, "connection dropped")
	assistants := messagesByRole(got, domain.RoleAssistant)
	require.Len(t, assistants, 1)
	assert.Equal(t, "Hel", assistants[0].Text())
	assert.False(t, assistants[0].Done)
	assert.Len(t, h.bus.ofType(domain.EventCycleFailed), 1)
}

func TestGenerateStream_NewCycleClearsPreviousError(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "r1", "hi"))
	conv.Error = "old failure"
	h := newHarness(t, conv, &scriptedService{})

	require.NoError(t, h.orch.Conversation("c1").GenerateStream(context.Background()))
	assert.Empty(t, h.store.conv(t, "c1").Error)
}

func TestGenerateStream_MissingReferences(t *testing.T) {
	t.Run("conversation", func(t *testing.T) {
		svc := &scriptedService{}
		h := newHarness(t, newConversation("c1"), svc)
		err := h.orch.Conversation("nope").GenerateStream(context.Background())
		assert.ErrorIs(t, err, domain.ErrConversationNotFound)
		_, getErr := h.store.Get(context.Background(), "nope")
		assert.ErrorIs(t, getErr, domain.ErrConversationNotFound)
	})

	t.Run("model", func(t *testing.T) {
		conv := newConversation("c1", userMsg("u1", "", "hi"))
		conv.Model = ""
		svc := &scriptedService{}
		h := newHarness(t, conv, svc)

		err := h.orch.Conversation("c1").GenerateStream(context.Background())
		assert.ErrorIs(t, err, domain.ErrMissingModel)
		assert.Empty(t, svc.streamRequests())
		assert.Equal(t, domain.StateIdle, h.store.conv(t, "c1").State)
		assert.Empty(t, h.bus.ofType(domain.EventStateChanged))
	})

	t.Run("service", func(t *testing.T) {
		conv := newConversation("c1", userMsg("u1", "", "hi"))
		conv.Model = "unknown-model"
		h := newHarness(t, conv, &scriptedService{})
		err := h.orch.Conversation("c1").GenerateStream(context.Background())
		assert.ErrorIs(t, err, domain.ErrServiceNotFound)
		assert.Equal(t, domain.StateIdle, h.store.conv(t, "c1").State)
	})
}

func TestGenerateStream_CancelAndConcurrentCycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	conv := newConversation("c1", userMsg("u1", "r1", "hi"))
	svc := &scriptedService{
		scripts: [][]domain.StreamDelta{{textDelta("partial"), doneDelta(" never")}},
		gate:    make(chan struct{}),
	}
	h := newHarness(t, conv, svc)
	handle := h.orch.Conversation("c1")

	errCh := make(chan error, 1)
	go func() { errCh <- handle.GenerateStream(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(messagesByRole(h.store.conv(t, "c1"), domain.RoleAssistant)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	err := handle.GenerateStream(context.Background())
	assert.ErrorIs(t, err, domain.ErrGenerationInProgress)
	err = handle.GenerateSuggestions(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoAssistantTurn)

	assert.True(t, handle.Cancel())

	select {
	case err = <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled cycle did not return")
	}
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, handle.Cancel(), "nothing left to cancel")

	got := h.store.conv(t, "c1")
	assert.Equal(t, domain.StateIdle, got.State)
	assert.Empty(t, got.Error, "cancellation is not an error")
	msg := messagesByRole(got, domain.RoleAssistant)[0]
	assert.Equal(t, "partial", msg.Text())
	assert.True(t, msg.Done)
	assert.Equal(t, domain.FinishCancelled, msg.FinishReason)
	assert.Len(t, h.bus.ofType(domain.EventCycleCancelled), 1)
}

func TestGenerateStream_CallerContextCancelled(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "r1", "hi"))
	svc := &scriptedService{}
	h := newHarness(t, conv, svc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.orch.Conversation("c1").GenerateStream(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.StateIdle, h.store.conv(t, "c1").State)
	assert.Empty(t, svc.streamRequests())
}

func TestGenerateStream_ToolLoopExceeded(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "r1", "loop"))
	conv.EnableTools(domain.ToolWebSearch)
	var scripts [][]domain.StreamDelta
	for i := range 3 {
		scripts = append(scripts, toolCallDeltas(fmt.Sprintf("call_%d", i), "web_search", `{"query":"x"}`))
	}
	svc := &scriptedService{scripts: scripts}
	h := newHarness(t, conv, svc, func(d *OrchestratorDeps) {
		d.Options.MaxToolRounds = 2
	})

	err := h.orch.Conversation("c1").GenerateStream(context.Background())
	require.ErrorIs(t, err, domain.ErrToolLoopExceeded)
	assert.Equal(t, domain.CodeToolLoopExceeded, domain.ErrorCodeOf(err))

	assert.Len(t, svc.streamRequests(), 3)
	assert.Len(t, h.tools.dispatched(), 2)
	got := h.store.conv(t, "c1")
	assert.Equal(t, domain.StateIdle, got.State)
	assert.Contains(t, got.Error, "tool loop exceeded")
}

func TestGenerateStream_UnrecognizedTool(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "r1", "launch"))
	svc := &scriptedService{scripts: [][]domain.StreamDelta{
		toolCallDeltas("call_9", "launch_rockets", `{}`),
		{doneDelta("I cannot do that.")},
	}}
	h := newHarness(t, conv, svc, func(d *OrchestratorDeps) { d.Tools = nil })

	require.NoError(t, h.orch.Conversation("c1").GenerateStream(context.Background()))

	tools := messagesByRole(h.store.conv(t, "c1"), domain.RoleTool)
	require.Len(t, tools, 1)
	assert.Equal(t, `tool call "launch_rockets" is missing or unrecognized`, tools[0].Text())
	assert.Equal(t, "launch_rockets", tools[0].ToolResponse.Name)
	assert.Equal(t, "call_9", tools[0].ToolResponse.ToolCallID)
	assert.Equal(t, "r1", tools[0].RunID)
}

func TestGenerateStream_FallsBackWhenServiceCannotStream(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "r1", "hi"))
	svc := &scriptedService{completions: []completion{
		{resp: domain.CompletionResponse{Content: "Hi there", FinishReason: domain.FinishStop}},
	}}
	h := newHarness(t, conv, svc, func(d *OrchestratorDeps) {
		d.Services = staticResolver{testModel: plainService{inner: svc}}
	})

	require.NoError(t, h.orch.Conversation("c1").GenerateStream(context.Background()))

	assert.Empty(t, svc.streamRequests())
	assert.Len(t, svc.completeRequests(), 1)
	assistants := messagesByRole(h.store.conv(t, "c1"), domain.RoleAssistant)
	require.Len(t, assistants, 1)
	assert.Equal(t, "Hi there", assistants[0].Text())
	assert.True(t, assistants[0].Done)
	assert.Equal(t, []domain.GenerationState{
		domain.StateIdle, domain.StateProcessing, domain.StateIdle,
	}, h.bus.states(t))
}

func TestGenerateStream_RetriesBeforeFirstChunk(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "r1", "hi"))
	svc := &scriptedService{
		openErrs: []error{fmt.Errorf("openai: %w", domain.ErrRateLimit)},
		scripts:  [][]domain.StreamDelta{nil, {doneDelta("ok")}},
	}
	h := newHarness(t, conv, svc, func(d *OrchestratorDeps) { d.Classifier = NewErrorClassifier() })

	require.NoError(t, h.orch.Conversation("c1").GenerateStream(context.Background()))

	assert.Len(t, svc.streamRequests(), 2)
	got := h.store.conv(t, "c1")
	assistants := messagesByRole(got, domain.RoleAssistant)
	require.Len(t, assistants, 1)
	assert.Equal(t, "ok", assistants[0].Text())
	assert.Empty(t, got.Error)
}

func TestGenerateStream_NoRetryAfterChunkApplied(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "r1", "hi"))
	svc := &scriptedService{scripts: [][]domain.StreamDelta{
		{textDelta("a"), {Err: fmt.Errorf("openai: %w", domain.ErrProviderError)}},
	}}
	h := newHarness(t, conv, svc, func(d *OrchestratorDeps) { d.Classifier = NewErrorClassifier() })

	err := h.orch.Conversation("c1").GenerateStream(context.Background())
	assert.ErrorIs(t, err, domain.ErrProviderError)
	assert.Len(t, svc.streamRequests(), 1)
}

func TestGenerateStream_PermanentErrorNotRetried(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "r1", "hi"))
	svc := &scriptedService{openErrs: []error{fmt.Errorf("openai: %w", domain.ErrAuthInvalid)}}
	h := newHarness(t, conv, svc, func(d *OrchestratorDeps) { d.Classifier = NewErrorClassifier() })

	err := h.orch.Conversation("c1").GenerateStream(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
	assert.Len(t, svc.streamRequests(), 1)
	assert.Contains(t, h.store.conv(t, "c1").Error, "authentication failed")
}

func TestGenerateStream_ResetsStaleState(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "r1", "hi"))
	conv.State = domain.StateStreaming
	h := newHarness(t, conv, &scriptedService{})

	require.NoError(t, h.orch.Conversation("c1").GenerateStream(context.Background()))
	assert.Equal(t, domain.StateIdle, h.store.conv(t, "c1").State)
}

func TestClearSuggestionsThenGenerateStream(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "r1", "hi"))
	conv.Suggestions = []string{"stale"}
	h := newHarness(t, conv, &scriptedService{})
	handle := h.orch.Conversation("c1")

	require.NoError(t, handle.ClearSuggestions(context.Background()))
	require.NoError(t, handle.GenerateStream(context.Background()))

	assert.Nil(t, h.store.conv(t, "c1").Suggestions)
}

func TestAppend(t *testing.T) {
	h := newHarness(t, newConversation("c1"), &scriptedService{})

	t.Run("fills identity and timestamps", func(t *testing.T) {
		msg := domain.NewTextMessage(domain.RoleUser, "hello")
		require.NoError(t, h.orch.Conversation("c1").Append(context.Background(), msg))

		got := h.store.conv(t, "c1")
		require.Len(t, got.Messages, 1)
		assert.NotEmpty(t, got.Messages[0].ID)
		assert.False(t, got.Messages[0].CreatedAt.IsZero())
		assert.Equal(t, domain.KindNormal, got.Messages[0].Kind)
	})

	t.Run("missing conversation is never created", func(t *testing.T) {
		err := h.orch.Conversation("ghost").Append(context.Background(), domain.NewTextMessage(domain.RoleUser, "x"))
		assert.ErrorIs(t, err, domain.ErrConversationNotFound)
		_, getErr := h.store.Get(context.Background(), "ghost")
		assert.ErrorIs(t, getErr, domain.ErrConversationNotFound)
	})

	t.Run("rejects tool message without linkage", func(t *testing.T) {
		err := h.orch.Conversation("c1").Append(context.Background(), domain.Message{Role: domain.RoleTool})
		assert.ErrorIs(t, err, domain.ErrInvalidMessage)
	})
}

func TestSubmit_FullTurn(t *testing.T) {
	conv := newConversation("c1")
	svc := &scriptedService{
		scripts: [][]domain.StreamDelta{{textDelta("Hi"), doneDelta("!")}},
		completions: []completion{
			{resp: domain.CompletionResponse{Content: `["Thanks"]`}},
			{resp: domain.CompletionResponse{Content: "Greetings"}},
		},
	}
	h := newHarness(t, conv, svc, func(d *OrchestratorDeps) {
		d.Options.AutoSuggest = true
		d.Options.AutoTitle = true
	})
	handle := h.orch.Conversation("c1")

	require.NoError(t, handle.Submit(context.Background(), "hello"))

	got := h.store.conv(t, "c1")
	require.Len(t, got.Messages, 2)
	user, reply := got.Messages[0], got.Messages[1]
	assert.Equal(t, "hello", user.Text())
	assert.NotEmpty(t, user.RunID)
	assert.Equal(t, user.RunID, reply.RunID)
	assert.Equal(t, "Hi!", reply.Text())
	assert.Equal(t, []string{"Thanks"}, got.Suggestions)
	assert.Equal(t, "Greetings", got.Title)
	assert.Equal(t, domain.StateIdle, got.State)

	assert.Equal(t, []domain.GenerationState{
		domain.StateIdle, domain.StateProcessing, domain.StateStreaming, domain.StateSuggesting, domain.StateIdle,
	}, h.bus.states(t))

	runs, err := handle.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, user.RunID, runs[0].ID)
}

func TestSubmit_MissingModelAppendsNothing(t *testing.T) {
	conv := newConversation("c1")
	conv.Model = ""
	h := newHarness(t, conv, &scriptedService{})

	err := h.orch.Conversation("c1").Submit(context.Background(), "hello")
	assert.ErrorIs(t, err, domain.ErrMissingModel)
	assert.Empty(t, h.store.conv(t, "c1").Messages)
}

func TestSubmit_KeepsExistingTitle(t *testing.T) {
	conv := newConversation("c1")
	conv.Title = "Mine"
	svc := &scriptedService{}
	h := newHarness(t, conv, svc, func(d *OrchestratorDeps) { d.Options.AutoTitle = true })

	require.NoError(t, h.orch.Conversation("c1").Submit(context.Background(), "hello"))
	assert.Equal(t, "Mine", h.store.conv(t, "c1").Title)
	assert.Empty(t, svc.completeRequests(), "no title request for titled conversations")
}

func TestCreate(t *testing.T) {
	h := newHarness(t, newConversation("seed"), &scriptedService{})

	conv, err := h.orch.Create(context.Background(), domain.Conversation{Model: testModel, Instructions: "be brief"})
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, domain.StateIdle, conv.State)

	stored := h.store.conv(t, conv.ID)
	assert.Equal(t, "be brief", stored.Instructions)
}

func TestGenerate_ToolCallWithoutIDGetsOne(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "r1", "search for x"))
	conv.EnableTools(domain.ToolWebSearch)
	svc := &scriptedService{completions: []completion{
		{resp: domain.CompletionResponse{ToolCalls: []domain.ToolCall{{Name: "web_search", Arguments: `{"query":"x"}`}}}},
		{resp: domain.CompletionResponse{Content: "Here is x."}},
	}}
	h := newHarness(t, conv, svc)

	require.NoError(t, h.orch.Conversation("c1").Generate(context.Background()))

	got := h.store.conv(t, "c1")
	require.Len(t, got.Messages, 4)
	call := got.Messages[1].ToolCalls[0]
	require.NotEmpty(t, call.ID)
	toolMsg := got.Messages[2]
	require.NoError(t, toolMsg.Validate())
	assert.Equal(t, call.ID, toolMsg.ToolResponse.ToolCallID)
	assert.Equal(t, call.ID, h.tools.dispatched()[0].ID)

	reqs := svc.completeRequests()
	require.Len(t, reqs, 2)
	history := reqs[1].Messages
	last := history[len(history)-1]
	assert.Equal(t, domain.RoleTool, last.Role)
	assert.Equal(t, call.ID, last.ToolResponse.ToolCallID)
	assert.Equal(t, "result for x", last.Text())
}

func TestGenerateStream_ToolCallWithoutIDGetsOne(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "r1", "search for x"))
	conv.EnableTools(domain.ToolWebSearch)
	svc := &scriptedService{scripts: [][]domain.StreamDelta{
		toolCallDeltas("", "web_search", `{"query":"x"}`),
		{doneDelta("Here is x.")},
	}}
	h := newHarness(t, conv, svc)

	require.NoError(t, h.orch.Conversation("c1").GenerateStream(context.Background()))

	got := h.store.conv(t, "c1")
	require.Len(t, got.Messages, 4)
	call := got.Messages[1].ToolCalls[0]
	require.NotEmpty(t, call.ID)
	assert.Equal(t, call.ID, got.Messages[2].ToolResponse.ToolCallID)
	assert.NoError(t, got.Messages[2].Validate())
}

func TestGenerateStream_ClosedWithoutCompletionFails(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "r1", "hi"))
	svc := &scriptedService{scripts: [][]domain.StreamDelta{
		{textDelta("Hel")},
	}}
	h := newHarness(t, conv, svc, func(d *OrchestratorDeps) { d.Classifier = NewErrorClassifier() })

	err := h.orch.Conversation("c1").GenerateStream(context.Background())
	require.ErrorIs(t, err, domain.ErrProviderError)
	assert.Len(t, svc.streamRequests(), 1, "a chunk was applied, so no retry")

	got := h.store.conv(t, "c1")
	assert.Equal(t, domain.StateIdle, got.State)
	assert.Contains(t, got.Error, "stream ended without completion")
	assistants := messagesByRole(got, domain.RoleAssistant)
	require.Len(t, assistants, 1)
	assert.Equal(t, "Hel", assistants[0].Text())
	assert.False(t, assistants[0].Done)
	assert.Len(t, h.bus.ofType(domain.EventCycleFailed), 1)
}

func TestGenerateStream_EmptyStreamIsRetried(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "r1", "hi"))
	svc := &scriptedService{scripts: [][]domain.StreamDelta{
		{},
		{doneDelta("ok")},
	}}
	h := newHarness(t, conv, svc, func(d *OrchestratorDeps) { d.Classifier = NewErrorClassifier() })

	require.NoError(t, h.orch.Conversation("c1").GenerateStream(context.Background()))
	assert.Len(t, svc.streamRequests(), 2)
	assistants := messagesByRole(h.store.conv(t, "c1"), domain.RoleAssistant)
	require.Len(t, assistants, 1)
	assert.Equal(t, "ok", assistants[0].Text())
}
