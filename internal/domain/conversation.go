package domain

import (
	"slices"
	"time"
)

// GenerationState is the progress indicator of a conversation.
type GenerationState string

const (
	StateIdle       GenerationState = "idle"
	StateProcessing GenerationState = "processing"
	StateStreaming  GenerationState = "streaming"
	StateSuggesting GenerationState = "suggesting"
)

// Conversation holds a message timeline plus the fields generation cycles
// write to.
type Conversation struct {
	ID           string          `json:"id"`
	Title        string          `json:"title,omitempty"`
	Subtitle     string          `json:"subtitle,omitempty"`
	Instructions string          `json:"instructions,omitempty"`
	Model        string          `json:"model,omitempty"`
	Tools        []ToolID        `json:"tools,omitempty"`
	Suggestions  []string        `json:"suggestions,omitempty"`
	State        GenerationState `json:"state"`
	Error        string          `json:"error,omitempty"`
	Messages     []Message       `json:"messages"`
	CreatedAt    time.Time       `json:"created_at"`
	ModifiedAt   time.Time       `json:"modified_at"`
}

// HasTool reports whether id is in the enabled tool set.
func (c *Conversation) HasTool(id ToolID) bool {
	return slices.Contains(c.Tools, id)
}

// EnableTools adds ids to the tool set, collapsing duplicates.
func (c *Conversation) EnableTools(ids ...ToolID) {
	for _, id := range ids {
		if !c.HasTool(id) {
			c.Tools = append(c.Tools, id)
		}
	}
}

// Message returns the message with the given id.
func (c *Conversation) Message(id string) (Message, bool) {
	for _, m := range c.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// LastMessage returns the final timeline message.
func (c *Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// PutMessage replaces the message with msg.ID in place or appends it.
func (c *Conversation) PutMessage(msg Message) {
	for i := range c.Messages {
		if c.Messages[i].ID == msg.ID {
			c.Messages[i] = msg
			return
		}
	}
	c.Messages = append(c.Messages, msg)
}

// Clone returns a deep copy safe to mutate independently.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Tools = slices.Clone(c.Tools)
	cp.Suggestions = slices.Clone(c.Suggestions)
	cp.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		cp.Messages[i] = m.Clone()
	}
	return &cp
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	cp := m
	if m.Content != nil {
		cp.Content = make([]ContentPart, len(m.Content))
		for i, p := range m.Content {
			p.Data = slices.Clone(p.Data)
			cp.Content[i] = p
		}
	}
	cp.ToolCalls = slices.Clone(m.ToolCalls)
	cp.Attachments = slices.Clone(m.Attachments)
	if m.ToolResponse != nil {
		tr := *m.ToolResponse
		cp.ToolResponse = &tr
	}
	return cp
}

// Run groups one user turn with its tool activity and final reply.
// Runs are derived from the timeline and never persisted.
type Run struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages"`
	Started  time.Time `json:"started"`
	Ended    time.Time `json:"ended"`
}
