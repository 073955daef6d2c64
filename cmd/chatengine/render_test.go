package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"chatengine/internal/domain"
	"chatengine/internal/usecase/eventbus"
)

func event(t *testing.T, typ domain.EventType, conv string, payload any) domain.Event {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return domain.Event{Type: typ, ConversationID: conv, Payload: raw}
}

func TestRendererStreamsAndBreaksLines(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out, "c1", false)
	ctx := context.Background()

	r.handle(ctx, event(t, domain.EventStreamDelta, "c1", domain.StreamDeltaPayload{MessageID: "m", Content: "Hel"}))
	r.handle(ctx, event(t, domain.EventStreamDelta, "c1", domain.StreamDeltaPayload{MessageID: "m", Content: "lo"}))
	r.handle(ctx, event(t, domain.EventToolCallStarted, "c1", domain.ToolCallPayload{CallID: "x", Name: "web_search"}))
	r.handle(ctx, event(t, domain.EventToolCallCompleted, "c1", domain.ToolCallPayload{CallID: "x", Name: "web_search", Error: true}))
	r.handle(ctx, event(t, domain.EventStreamDelta, "c1", domain.StreamDeltaPayload{MessageID: "m2", Content: "Done"}))
	r.handle(ctx, event(t, eventFlush, "c1", nil))

	assert.Equal(t, "Hello\n[tool web_search]\n[tool web_search failed]\nDone\n", out.String())
}

func TestRendererIgnoresOtherConversations(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out, "c1", true)
	r.handle(context.Background(), event(t, domain.EventStreamDelta, "c2", domain.StreamDeltaPayload{Content: "nope"}))
	assert.Empty(t, out.String())
}

func TestRendererStatusLines(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out, "c1", true)
	ctx := context.Background()

	r.handle(ctx, event(t, domain.EventStateChanged, "c1", domain.StateChangedPayload{From: domain.StateIdle, To: domain.StateStreaming}))
	r.handle(ctx, event(t, domain.EventCycleFailed, "c1", domain.ErrorPayload{Error: "boom", Code: domain.CodeProviderError}))
	r.handle(ctx, event(t, domain.EventCycleCancelled, "c1", nil))

	assert.Equal(t, "[idle -> streaming]\nerror (PROVIDER_ERROR): boom\n[cancelled]\n", out.String())
}

func TestRendererSync(t *testing.T) {
	bus := eventbus.New(discardLogger(), 0)
	defer bus.Close()

	var out bytes.Buffer
	r := newRenderer(&out, "c1", false)
	unsub := bus.SubscribeAll(r.handle)
	defer unsub()

	ctx := context.Background()
	for _, part := range []string{"a", "b", "c"} {
		bus.Publish(ctx, event(t, domain.EventStreamDelta, "c1", domain.StreamDeltaPayload{Content: part}))
	}
	r.sync(ctx, bus)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, "abc\n", out.String())
}
