package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

// Role constants for message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MessageKind distinguishes regular timeline messages from ones the engine
// treats specially when building outbound requests.
type MessageKind string

const (
	KindNormal      MessageKind = "normal"
	KindInstruction MessageKind = "instruction"
	KindError       MessageKind = "error"
	KindLocal       MessageKind = "local"
)

// FinishReason records why the model stopped producing a message.
type FinishReason string

const (
	FinishNone          FinishReason = "none"
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishCancelled     FinishReason = "cancelled"
)

// ParseFinishReason maps a provider finish reason onto the engine's set.
// Unknown values map to FinishNone.
func ParseFinishReason(s string) FinishReason {
	switch strings.ToLower(s) {
	case "stop", "end_turn", "stop_sequence":
		return FinishStop
	case "length", "max_tokens":
		return FinishLength
	case "tool_calls", "tool_use", "function_call":
		return FinishToolCalls
	case "content_filter", "guardrail_intervened", "content_filtered":
		return FinishContentFilter
	case "cancelled", "canceled":
		return FinishCancelled
	default:
		return FinishNone
	}
}

// PartType is the type of a single content part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartAudio PartType = "audio"
)

// ContentPart is one element of a message's ordered content.
type ContentPart struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	Data     []byte   `json:"data,omitempty"`      // image bytes
	MIMEType string   `json:"mime_type,omitempty"` // e.g. "image/png", "audio/mpeg"
	Ref      string   `json:"ref,omitempty"`       // audio reference (path or URL)
}

// TextPart returns a text content part.
func TextPart(s string) ContentPart { return ContentPart{Type: PartText, Text: s} }

// ImagePart returns an image content part holding raw bytes.
func ImagePart(data []byte, mimeType string) ContentPart {
	return ContentPart{Type: PartImage, Data: data, MIMEType: mimeType}
}

// AudioPart returns an audio content part referencing an asset.
func AudioPart(ref, mimeType string) ContentPart {
	return ContentPart{Type: PartAudio, Ref: ref, MIMEType: mimeType}
}

// AttachmentType identifies a generated asset.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentAudio AttachmentType = "audio"
	AttachmentFile  AttachmentType = "file"
)

// Attachment is a typed reference to a generated asset.
type Attachment struct {
	Type     AttachmentType `json:"type"`
	Name     string         `json:"name,omitempty"`
	Path     string         `json:"path,omitempty"`
	URL      string         `json:"url,omitempty"`
	MIMEType string         `json:"mime_type,omitempty"`
}

// ToolResponse links a tool-role message to the call it answers.
type ToolResponse struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
}

// Message is a single entry in a conversation timeline.
type Message struct {
	ID           string        `json:"id"`
	Role         Role          `json:"role"`
	Kind         MessageKind   `json:"kind"`
	Content      []ContentPart `json:"content,omitempty"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	ToolResponse *ToolResponse `json:"tool_response,omitempty"`
	Attachments  []Attachment  `json:"attachments,omitempty"`
	RunID        string        `json:"run_id,omitempty"`
	Done         bool          `json:"done"`
	FinishReason FinishReason  `json:"finish_reason,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	ModifiedAt   time.Time     `json:"modified_at"`
}

// Text concatenates the message's text parts in order.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Content {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// HasToolCalls reports whether the message requests tool execution.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// Validate checks the structural invariants of a message.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant:
	case RoleTool:
		if m.ToolResponse == nil {
			return NewDomainError("Message.Validate", ErrInvalidMessage, "tool message without tool response")
		}
		if m.ToolResponse.Name == "" {
			return NewDomainError("Message.Validate", ErrInvalidMessage, "tool message without tool name")
		}
		if m.ToolResponse.ToolCallID == "" {
			return NewDomainError("Message.Validate", ErrInvalidMessage, "tool message without tool call id")
		}
	default:
		return NewDomainError("Message.Validate", ErrInvalidMessage, fmt.Sprintf("unknown role %q", m.Role))
	}
	switch m.Kind {
	case KindNormal, KindInstruction, KindError, KindLocal, "":
	default:
		return NewDomainError("Message.Validate", ErrInvalidMessage, fmt.Sprintf("unknown kind %q", m.Kind))
	}
	return nil
}

// NewTextMessage builds a normal message with a single text part.
func NewTextMessage(role Role, text string) Message {
	return Message{
		Role:    role,
		Kind:    KindNormal,
		Content: []ContentPart{TextPart(text)},
	}
}

// NewToolMessage builds a tool-role message answering call.
func NewToolMessage(call ToolCall, text string) Message {
	return Message{
		Role:         RoleTool,
		Kind:         KindNormal,
		Content:      []ContentPart{TextPart(text)},
		ToolResponse: &ToolResponse{ToolCallID: call.ID, Name: call.Name},
		Done:         true,
		FinishReason: FinishStop,
	}
}
