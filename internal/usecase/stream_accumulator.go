package usecase

import (
	"strings"
	"time"

	"chatengine/internal/domain"
)

// maxToolCallsPerMessage bounds the tool call slots the accumulator will
// allocate. Larger indices from malformed deltas are dropped.
const maxToolCallsPerMessage = 50

// streamAccumulator folds incremental deltas into successive snapshots of
// one assistant message. Every snapshot carries the same message id.
type streamAccumulator struct {
	base      domain.Message
	content   strings.Builder
	toolCalls []domain.ToolCall
	finish    domain.FinishReason
	usage     domain.Usage
	visible   bool
}

func newStreamAccumulator(id, runID string, now time.Time) *streamAccumulator {
	return &streamAccumulator{
		base: domain.Message{
			ID:         id,
			Role:       domain.RoleAssistant,
			Kind:       domain.KindNormal,
			RunID:      runID,
			CreatedAt:  now,
			ModifiedAt: now,
		},
	}
}

// addDelta merges one delta. Tool call fragments are merged by index: the
// first fragment carries id and name, later ones append to the arguments.
func (acc *streamAccumulator) addDelta(delta domain.StreamDelta) {
	acc.content.WriteString(delta.Content)
	if delta.Content != "" {
		acc.visible = true
	}

	for _, tc := range delta.ToolCalls {
		if tc.Index < 0 || tc.Index >= maxToolCallsPerMessage {
			continue
		}
		for len(acc.toolCalls) <= tc.Index {
			acc.toolCalls = append(acc.toolCalls, domain.ToolCall{})
		}
		existing := &acc.toolCalls[tc.Index]
		if tc.ID != "" {
			existing.ID = tc.ID
		}
		if tc.Name != "" {
			existing.Name = tc.Name
		}
		existing.Arguments += tc.Arguments
	}

	if delta.FinishReason != "" && delta.FinishReason != domain.FinishNone {
		acc.finish = delta.FinishReason
	}
	if delta.Usage != nil {
		acc.usage = *delta.Usage
	}
}

// assignCallIDs gives every named tool call without an id a generated one.
// Some OpenAI-compatible servers omit call ids, and a tool result can only
// be paired with its call by id.
func (acc *streamAccumulator) assignCallIDs(newID func() string) {
	for i := range acc.toolCalls {
		if acc.toolCalls[i].ID == "" && acc.toolCalls[i].Name != "" {
			acc.toolCalls[i].ID = toolCallIDPrefix + newID()
		}
	}
}

// hasVisibleContent reports whether any text has been received.
func (acc *streamAccumulator) hasVisibleContent() bool { return acc.visible }

// snapshot returns the message as accumulated so far.
func (acc *streamAccumulator) snapshot(now time.Time, done bool) domain.Message {
	msg := acc.base
	msg.ModifiedAt = now
	if text := acc.content.String(); text != "" {
		msg.Content = []domain.ContentPart{domain.TextPart(text)}
	}
	for _, tc := range acc.toolCalls {
		if tc.Name == "" && done {
			continue
		}
		msg.ToolCalls = append(msg.ToolCalls, tc)
	}
	msg.Done = done
	msg.FinishReason = domain.FinishNone
	if done {
		msg.FinishReason = acc.finishReason(msg)
	}
	return msg
}

func (acc *streamAccumulator) finishReason(msg domain.Message) domain.FinishReason {
	if acc.finish != "" {
		return acc.finish
	}
	if msg.HasToolCalls() {
		return domain.FinishToolCalls
	}
	return domain.FinishStop
}

const toolCallIDPrefix = "call_"

// withCallIDs returns calls with generated ids filled in where missing. The
// input slice is not modified.
func withCallIDs(calls []domain.ToolCall, newID func() string) []domain.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]domain.ToolCall, len(calls))
	copy(out, calls)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = toolCallIDPrefix + newID()
		}
	}
	return out
}

// messageFromResponse converts a whole completion into an assistant message.
// Tool calls without an id get one from newID.
func messageFromResponse(resp *domain.CompletionResponse, id, runID string, now time.Time, newID func() string) domain.Message {
	msg := domain.Message{
		ID:           id,
		Role:         domain.RoleAssistant,
		Kind:         domain.KindNormal,
		ToolCalls:    withCallIDs(resp.ToolCalls, newID),
		RunID:        runID,
		Done:         true,
		FinishReason: resp.FinishReason,
		CreatedAt:    now,
		ModifiedAt:   now,
	}
	if resp.Content != "" {
		msg.Content = []domain.ContentPart{domain.TextPart(resp.Content)}
	}
	if msg.FinishReason == "" || msg.FinishReason == domain.FinishNone {
		msg.FinishReason = domain.FinishStop
		if msg.HasToolCalls() {
			msg.FinishReason = domain.FinishToolCalls
		}
	}
	return msg
}
