package usecase

import (
	"chatengine/internal/domain"
)

const missingResultText = "[error] tool call did not produce a result"

// RepairTranscript fixes broken tool chains in an outbound history:
//  1. An assistant tool call with no matching tool message gets a synthetic
//     error result, placed before the next non-tool message.
//  2. A tool message that answers no pending call is dropped.
//  3. A tool call without an id is removed from its assistant message, since
//     no result can ever be paired with it.
//
// Returns a new slice; the input is not modified.
func RepairTranscript(messages []domain.Message) []domain.Message {
	if len(messages) == 0 {
		return messages
	}

	result := make([]domain.Message, 0, len(messages))
	var pending []domain.ToolCall // in call order
	var pendingRun string

	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleAssistant:
			result = injectMissingResults(result, pending, pendingRun)
			pending = pending[:0]
			pendingRun = msg.RunID
			msg = dropUnanswerableCalls(msg)
			pending = append(pending, msg.ToolCalls...)
			result = append(result, msg)

		case domain.RoleTool:
			if msg.ToolResponse == nil {
				continue
			}
			idx := pendingIndex(pending, msg.ToolResponse.ToolCallID)
			if idx < 0 {
				continue
			}
			pending = append(pending[:idx], pending[idx+1:]...)
			result = append(result, msg)

		default:
			result = injectMissingResults(result, pending, pendingRun)
			pending = pending[:0]
			result = append(result, msg)
		}
	}

	return injectMissingResults(result, pending, pendingRun)
}

func dropUnanswerableCalls(msg domain.Message) domain.Message {
	kept := make([]domain.ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		if tc.ID != "" {
			kept = append(kept, tc)
		}
	}
	if len(kept) == len(msg.ToolCalls) {
		return msg
	}
	if len(kept) == 0 {
		kept = nil
	}
	msg.ToolCalls = kept
	return msg
}

func pendingIndex(pending []domain.ToolCall, id string) int {
	for i, tc := range pending {
		if tc.ID == id {
			return i
		}
	}
	return -1
}

// injectMissingResults appends an error tool message for each unanswered call.
func injectMissingResults(msgs []domain.Message, pending []domain.ToolCall, runID string) []domain.Message {
	for _, tc := range pending {
		m := domain.NewToolMessage(tc, missingResultText)
		m.RunID = runID
		msgs = append(msgs, m)
	}
	return msgs
}
