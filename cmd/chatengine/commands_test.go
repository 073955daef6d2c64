package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chatengine/internal/domain"
)

func TestPrintSummaries(t *testing.T) {
	var out bytes.Buffer
	printSummaries(&out, nil)
	assert.Equal(t, "no conversations\n", out.String())

	out.Reset()
	printSummaries(&out, []domain.ConversationSummary{
		{ID: "c1", Title: "Trip", Model: "gpt", State: domain.StateIdle, MessageCount: 4, ModifiedAt: time.Now()},
		{ID: "c2", Model: "gpt", State: domain.StateStreaming},
	})
	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	assert.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "MESSAGES")
	assert.Contains(t, string(lines[1]), "Trip")
	assert.Contains(t, string(lines[2]), "(untitled)")
	assert.Contains(t, string(lines[2]), "streaming")
}

func TestPrintConversation(t *testing.T) {
	conv := &domain.Conversation{
		ID:          "c1",
		Model:       "gpt",
		State:       domain.StateIdle,
		Error:       "rate limited",
		Suggestions: []string{"Tell me more"},
		Messages: []domain.Message{
			{ID: "m1", Role: domain.RoleUser, Kind: domain.KindNormal, Done: true,
				Content: []domain.ContentPart{domain.TextPart("hi")}},
			{ID: "m2", Role: domain.RoleAssistant, Kind: domain.KindNormal,
				ToolCalls: []domain.ToolCall{{ID: "t1", Name: "web_search", Arguments: `{"query":"go"}`}}},
			{ID: "m3", Role: domain.RoleTool, Kind: domain.KindNormal, Done: true,
				Attachments: []domain.Attachment{{Type: domain.AttachmentImage, Path: "/a/x.png"}}},
		},
	}
	var out bytes.Buffer
	printConversation(&out, conv)
	s := out.String()

	assert.Contains(t, s, "c1  (untitled)")
	assert.Contains(t, s, "last error: rate limited")
	assert.Contains(t, s, "[user] m1\nhi\n")
	assert.Contains(t, s, "[assistant (partial)] m2")
	assert.Contains(t, s, `-> web_search({"query":"go"})`)
	assert.Contains(t, s, "attachment image: /a/x.png")
	assert.Contains(t, s, "(1) Tell me more")
}

func TestPrintRuns(t *testing.T) {
	var out bytes.Buffer
	printRuns(&out, nil)
	assert.Equal(t, "no runs\n", out.String())

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out.Reset()
	printRuns(&out, []domain.Run{{
		ID:      "r1",
		Started: start,
		Ended:   start.Add(1500 * time.Millisecond),
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: []domain.ContentPart{domain.TextPart("weather?\nplease")}},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{Name: "web_search"}, {Name: "remember"}}},
		},
	}})
	assert.Equal(t,
		"run r1  2 messages  1.5s\n"+
			"  user      weather? please\n"+
			"  assistant calls web_search, remember\n",
		out.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "日本…", truncate("日本語です", 3))
}
