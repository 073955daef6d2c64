package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolID identifies one member of the closed set of tools the engine knows.
type ToolID string

// The tool registry is closed: every tool the engine can dispatch is listed here.
const (
	ToolWebSearch      ToolID = "web_search"
	ToolGenerateImage  ToolID = "generate_image"
	ToolRemember       ToolID = "remember"
	ToolSearchCalendar ToolID = "search_calendar"
	ToolSearchFiles    ToolID = "search_files"
)

// AllToolIDs lists every known tool in a stable order.
func AllToolIDs() []ToolID {
	return []ToolID{ToolWebSearch, ToolGenerateImage, ToolRemember, ToolSearchCalendar, ToolSearchFiles}
}

// ParseToolID maps a function name emitted by a model onto a ToolID.
func ParseToolID(name string) (ToolID, error) {
	switch ToolID(name) {
	case ToolWebSearch:
		return ToolWebSearch, nil
	case ToolGenerateImage:
		return ToolGenerateImage, nil
	case ToolRemember:
		return ToolRemember, nil
	case ToolSearchCalendar:
		return ToolSearchCalendar, nil
	case ToolSearchFiles:
		return ToolSearchFiles, nil
	default:
		return "", NewDomainError("ParseToolID", ErrToolNotFound, fmt.Sprintf("%q", name))
	}
}

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents a model's request to invoke a tool.
// Arguments is the raw JSON argument string as emitted by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	Content     string       `json:"content"`
	IsError     bool         `json:"is_error"`
	IsRetryable bool         `json:"is_retryable,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Tool is the interface every tool must implement.
type Tool interface {
	ID() ToolID
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolExecutor dispatches tool calls and describes the enabled tool set.
type ToolExecutor interface {
	// Dispatch runs call and returns the tool-role messages answering it.
	// Failures, including unknown tool names, are reported as tool messages.
	Dispatch(ctx context.Context, call ToolCall) []Message
	// Schemas returns the schemas of the given tools, skipping unregistered ids.
	Schemas(ids []ToolID) []ToolSchema
}

// UnrecognizedToolMessage answers a call whose name matches no registered tool.
func UnrecognizedToolMessage(call ToolCall) Message {
	return NewToolMessage(call, fmt.Sprintf("tool call %q is missing or unrecognized", call.Name))
}
