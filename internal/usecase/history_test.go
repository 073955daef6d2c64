package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatengine/internal/domain"
)

// perMessageCounter charges a flat cost per message.
type perMessageCounter struct{ cost int }

func (c perMessageCounter) CountTokens(string) int { return c.cost }
func (c perMessageCounter) CountMessages(msgs []domain.Message) int {
	return c.cost * len(msgs)
}

func ids(msgs []domain.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func toolCallMsg(id, callID string) domain.Message {
	m := assistantMsg(id, "", "")
	m.Content = nil
	m.ToolCalls = []domain.ToolCall{{ID: callID, Name: "web_search", Arguments: `{}`}}
	m.FinishReason = domain.FinishToolCalls
	return m
}

func toolResultMsg(id, callID string) domain.Message {
	m := domain.NewToolMessage(domain.ToolCall{ID: callID, Name: "web_search"}, "ok")
	m.ID = id
	return m
}

func TestHistoryBuild_PrependsInstructions(t *testing.T) {
	conv := newConversation("c1", userMsg("u1", "", "hi"))
	conv.Instructions = "You are terse."

	got := NewHistoryBuilder(HistoryOptions{}, nil).Build(conv, 0)

	require.Len(t, got, 2)
	assert.Equal(t, domain.RoleSystem, got[0].Role)
	assert.Equal(t, "You are terse.", got[0].Text())
	assert.Equal(t, "u1", got[1].ID)
}

func TestHistoryBuild_FiltersOutboundMessages(t *testing.T) {
	errMsg := assistantMsg("err", "", "boom")
	errMsg.Kind = domain.KindError
	local := userMsg("local", "", "note to self")
	local.Kind = domain.KindLocal
	stored := domain.NewTextMessage(domain.RoleSystem, "old system")
	stored.ID = "sys"
	partial := assistantMsg("partial", "", "hal")
	partial.Done = false
	instr := userMsg("instr", "", "answer in French")
	instr.Kind = domain.KindInstruction

	conv := newConversation("c1", userMsg("u1", "", "hi"), errMsg, local, stored, instr, partial)
	got := NewHistoryBuilder(HistoryOptions{}, nil).Build(conv, 0)

	assert.Equal(t, []string{"u1", "instr"}, ids(got))
	assert.Equal(t, domain.RoleSystem, got[1].Role)
	assert.Equal(t, domain.RoleUser, conv.Messages[4].Role, "stored timeline is untouched")
}

func TestHistoryBuild_RepairsBrokenToolChains(t *testing.T) {
	conv := newConversation("c1",
		userMsg("u1", "", "search"),
		toolCallMsg("a1", "call_1"),
		userMsg("u2", "", "never mind"),
	)
	got := NewHistoryBuilder(HistoryOptions{}, nil).Build(conv, 0)

	require.Len(t, got, 4)
	assert.Equal(t, domain.RoleTool, got[2].Role)
	assert.Equal(t, "call_1", got[2].ToolResponse.ToolCallID)
	assert.Equal(t, "u2", got[3].ID)
}

func TestHistoryBuild_MaxMessagesKeepsToolGroupsWhole(t *testing.T) {
	conv := newConversation("c1",
		userMsg("u1", "", "search"),
		toolCallMsg("a1", "call_1"),
		toolResultMsg("t1", "call_1"),
		assistantMsg("a2", "", "found it"),
		userMsg("u2", "", "thanks"),
	)
	got := NewHistoryBuilder(HistoryOptions{MaxMessages: 3}, nil).Build(conv, 0)
	assert.Equal(t, []string{"a2", "u2"}, ids(got))

	got = NewHistoryBuilder(HistoryOptions{MaxMessages: 4}, nil).Build(conv, 0)
	assert.Equal(t, []string{"a1", "t1", "a2", "u2"}, ids(got))
}

func TestHistoryBuild_ShrinkHalves(t *testing.T) {
	conv := newConversation("c1",
		userMsg("u1", "", "1"), assistantMsg("a1", "", "1"),
		userMsg("u2", "", "2"), assistantMsg("a2", "", "2"),
	)
	b := NewHistoryBuilder(HistoryOptions{}, nil)

	assert.Len(t, b.Build(conv, 0), 4)
	assert.Equal(t, []string{"u2", "a2"}, ids(b.Build(conv, 1)))
	assert.Equal(t, []string{"a2"}, ids(b.Build(conv, 5)), "at least one message survives")
}

func TestHistoryBuild_TokenBudget(t *testing.T) {
	conv := newConversation("c1",
		userMsg("u1", "", "1"), assistantMsg("a1", "", "1"),
		userMsg("u2", "", "2"), assistantMsg("a2", "", "2"),
	)
	counter := perMessageCounter{cost: 10}

	got := NewHistoryBuilder(HistoryOptions{MaxTokens: 25}, counter).Build(conv, 0)
	assert.Equal(t, []string{"u2", "a2"}, ids(got))

	conv.Instructions = "be brief"
	got = NewHistoryBuilder(HistoryOptions{MaxTokens: 25}, counter).Build(conv, 0)
	require.Len(t, got, 2)
	assert.Equal(t, domain.RoleSystem, got[0].Role)
	assert.Equal(t, "a2", got[1].ID)

	got = NewHistoryBuilder(HistoryOptions{MaxTokens: 1}, counter).Build(conv, 0)
	assert.Equal(t, "a2", got[len(got)-1].ID, "newest message is always kept")

	got = NewHistoryBuilder(HistoryOptions{MaxTokens: 25}, nil).Build(conv, 0)
	assert.Len(t, got, 5, "no counter, no budget")
}
