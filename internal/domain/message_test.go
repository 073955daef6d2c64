package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageValidate(t *testing.T) {
	call := ToolCall{ID: "call_1", Name: "web_search", Arguments: `{"query":"x"}`}

	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"user text", NewTextMessage(RoleUser, "hi"), false},
		{"assistant with tool calls and nil content", Message{Role: RoleAssistant, ToolCalls: []ToolCall{call}}, false},
		{"tool message", NewToolMessage(call, "result"), false},
		{"tool without response", Message{Role: RoleTool, Content: []ContentPart{TextPart("x")}}, true},
		{"tool without name", Message{Role: RoleTool, ToolResponse: &ToolResponse{ToolCallID: "c"}}, true},
		{"tool without call id", Message{Role: RoleTool, ToolResponse: &ToolResponse{Name: "web_search"}}, true},
		{"unknown role", Message{Role: "robot"}, true},
		{"unknown kind", Message{Role: RoleUser, Kind: "weird"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessage)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMessageText(t *testing.T) {
	m := Message{Content: []ContentPart{
		TextPart("Hello"),
		ImagePart([]byte{1, 2}, "image/png"),
		TextPart(", world"),
	}}
	assert.Equal(t, "Hello, world", m.Text())
}

func TestParseFinishReason(t *testing.T) {
	assert.Equal(t, FinishStop, ParseFinishReason("stop"))
	assert.Equal(t, FinishStop, ParseFinishReason("end_turn"))
	assert.Equal(t, FinishLength, ParseFinishReason("max_tokens"))
	assert.Equal(t, FinishToolCalls, ParseFinishReason("tool_calls"))
	assert.Equal(t, FinishToolCalls, ParseFinishReason("tool_use"))
	assert.Equal(t, FinishContentFilter, ParseFinishReason("content_filter"))
	assert.Equal(t, FinishNone, ParseFinishReason(""))
	assert.Equal(t, FinishNone, ParseFinishReason("mystery"))
}

func TestParseToolID(t *testing.T) {
	for _, id := range AllToolIDs() {
		got, err := ParseToolID(string(id))
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
	_, err := ParseToolID("search_web_v2")
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestConversationPutMessage(t *testing.T) {
	c := &Conversation{ID: "c1"}
	c.PutMessage(Message{ID: "m1", Content: []ContentPart{TextPart("He")}})
	c.PutMessage(Message{ID: "m1", Content: []ContentPart{TextPart("Hello!")}, Done: true})
	c.PutMessage(Message{ID: "m2"})

	require.Len(t, c.Messages, 2)
	assert.Equal(t, "Hello!", c.Messages[0].Text())
	assert.True(t, c.Messages[0].Done)

	last, ok := c.LastMessage()
	require.True(t, ok)
	assert.Equal(t, "m2", last.ID)
}

func TestConversationEnableToolsCollapsesDuplicates(t *testing.T) {
	c := &Conversation{}
	c.EnableTools(ToolWebSearch, ToolRemember, ToolWebSearch)
	assert.Equal(t, []ToolID{ToolWebSearch, ToolRemember}, c.Tools)
	assert.True(t, c.HasTool(ToolRemember))
	assert.False(t, c.HasTool(ToolSearchFiles))
}

func TestConversationCloneIsDeep(t *testing.T) {
	c := &Conversation{
		ID:          "c1",
		Suggestions: []string{"a"},
		Messages: []Message{{
			ID:           "m1",
			Content:      []ContentPart{ImagePart([]byte{1}, "image/png")},
			ToolResponse: &ToolResponse{ToolCallID: "t", Name: "n"},
		}},
	}
	cp := c.Clone()
	cp.Suggestions[0] = "b"
	cp.Messages[0].Content[0].Data[0] = 9
	cp.Messages[0].ToolResponse.Name = "changed"

	assert.Equal(t, "a", c.Suggestions[0])
	assert.Equal(t, byte(1), c.Messages[0].Content[0].Data[0])
	assert.Equal(t, "n", c.Messages[0].ToolResponse.Name)
}

func TestToolChoiceIsForced(t *testing.T) {
	var none *ToolChoice
	assert.False(t, none.IsForced())
	assert.False(t, (&ToolChoice{Mode: ToolChoiceAuto}).IsForced())
	assert.True(t, (&ToolChoice{Mode: ToolChoiceRequired}).IsForced())
	assert.True(t, (&ToolChoice{Mode: ToolChoiceFunction, Name: "web_search"}).IsForced())
}
