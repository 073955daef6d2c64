package domain

import "context"

// ToolChoiceMode controls whether the model may, must, or must not call tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolChoice is a request parameter. A nil *ToolChoice means the provider default.
// Mode ToolChoiceFunction forces a call to the named function.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"`
}

// IsForced reports whether the choice compels the model to call a tool.
func (c *ToolChoice) IsForced() bool {
	return c != nil && (c.Mode == ToolChoiceRequired || c.Mode == ToolChoiceFunction)
}

// CompletionRequest is the outbound payload for a chat completion.
type CompletionRequest struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	ToolChoice  *ToolChoice  `json:"tool_choice,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is a whole assistant message returned by a service.
type CompletionResponse struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Content      string       `json:"content"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// ToolCallDelta is a streamed fragment of a tool call, merged by Index.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// StreamDelta is a single incremental chunk from a streaming response.
// A delta with Err set terminates the stream; a stream that closes before a
// Done delta is incomplete.
type StreamDelta struct {
	// Content is only the text added by this chunk, never the text so far.
	Content      string          `json:"content,omitempty"`
	ToolCalls    []ToolCallDelta `json:"tool_calls,omitempty"`
	Done         bool            `json:"done,omitempty"`
	FinishReason FinishReason    `json:"finish_reason,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	Err          error           `json:"-"`
}

// ChatService is any model backend able to return whole completions.
type ChatService interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	// Name returns the service's identifier (e.g., "openai", "bedrock").
	Name() string
}

// StreamingChatService extends ChatService with streaming support.
type StreamingChatService interface {
	ChatService
	// CompleteStream returns a channel of deltas closed after the final one.
	CompleteStream(ctx context.Context, req CompletionRequest) (<-chan StreamDelta, error)
}

// ServiceResolver maps a conversation's model identifier to a service.
type ServiceResolver interface {
	Resolve(model string) (ChatService, error)
}

// ImageRequest asks an image service for a generated picture.
type ImageRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Size   string `json:"size,omitempty"`
}

// Image is a generated picture.
type Image struct {
	Data          []byte `json:"-"`
	MIMEType      string `json:"mime_type"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// ImageService generates images from text prompts.
type ImageService interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*Image, error)
}

// SpeechRequest asks a speech service to voice text.
type SpeechRequest struct {
	Text   string `json:"text"`
	Model  string `json:"model,omitempty"`
	Voice  string `json:"voice,omitempty"`
	Format string `json:"format,omitempty"`
}

// Audio is synthesized speech.
type Audio struct {
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type"`
}

// SpeechService converts text to audio.
type SpeechService interface {
	Synthesize(ctx context.Context, req SpeechRequest) (*Audio, error)
}

// TokenCounter estimates how many tokens a message list costs.
type TokenCounter interface {
	CountTokens(text string) int
	CountMessages(msgs []Message) int
}

// AssetWriter persists generated binary assets and returns their location.
type AssetWriter interface {
	WriteAsset(ctx context.Context, name string, data []byte) (path string, err error)
}
