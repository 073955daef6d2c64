package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"chatengine/internal/domain"
	"chatengine/internal/infra/config"
	"chatengine/internal/infra/tracer"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIService speaks the OpenAI chat completions protocol. Any compatible
// server (Ollama, OpenRouter, vLLM, Groq) works by setting base_url.
type OpenAIService struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIService creates a service with pooled HTTP transport.
func NewOpenAIService(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIService {
	return newOpenAIService(cfg, NewHTTPClient(cfg), logger)
}

func newOpenAIService(cfg config.ProviderConfig, client *http.Client, logger *slog.Logger) *OpenAIService {
	return &OpenAIService{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: openAIBaseURL(cfg.BaseURL),
		client:  client,
		logger:  logger,
	}
}

func openAIBaseURL(base string) string {
	base = strings.TrimRight(base, "/")
	if base == "" {
		return defaultOpenAIBaseURL
	}
	return base
}

// Name implements domain.ChatService.
func (s *OpenAIService) Name() string { return s.name }

// Complete implements domain.ChatService.
func (s *OpenAIService) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if req.Model == "" {
		req.Model = s.model
	}
	ctx, span := tracer.StartSpan(ctx, "llm.complete",
		trace.WithAttributes(
			tracer.StringAttr("llm.service", s.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	body, err := json.Marshal(toOpenAIRequest(req, false))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, s.client, s.baseURL+"/chat/completions", body, bearer(s.apiKey))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var oaiResp openaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		err = fmt.Errorf("%w: completion response: %v", domain.ErrDecode, err)
		tracer.RecordError(span, err)
		return nil, err
	}
	if oaiResp.Error != nil {
		err := fmt.Errorf("%w: %s", domain.ErrProviderError, oaiResp.Error.Message)
		tracer.RecordError(span, err)
		return nil, err
	}

	result := fromOpenAIResponse(oaiResp)
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logCompletion(s.logger, s.name, result)
	return result, nil
}

// CompleteStream implements domain.StreamingChatService.
func (s *OpenAIService) CompleteStream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamDelta, error) {
	if req.Model == "" {
		req.Model = s.model
	}
	ctx, span := tracer.StartSpan(ctx, "llm.stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.service", s.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	body, err := json.Marshal(toOpenAIRequest(req, true))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, s.client, s.baseURL+"/chat/completions", body, bearer(s.apiKey))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)

	return parseSSEStream(ctx, httpResp.Body, parseOpenAIChunk), nil
}

func parseOpenAIChunk(data []byte) (*domain.StreamDelta, error) {
	var chunk openaiStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}
	if chunk.Error != nil {
		return &domain.StreamDelta{Err: fmt.Errorf("%w: %s", domain.ErrProviderError, chunk.Error.Message)}, nil
	}

	delta := &domain.StreamDelta{}
	if len(chunk.Choices) > 0 {
		c := chunk.Choices[0]
		delta.Content = c.Delta.Content
		for _, tc := range c.Delta.ToolCalls {
			delta.ToolCalls = append(delta.ToolCalls, domain.ToolCallDelta{
				Index:     tc.Index,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		if c.FinishReason != nil {
			delta.FinishReason = domain.ParseFinishReason(*c.FinishReason)
		}
	}
	if chunk.Usage != nil {
		delta.Usage = &domain.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	return delta, nil
}

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	ToolChoice    any                  `json:"tool_choice,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// openaiMessage.Content is a string, a []openaiContentPart, or nil.
type openaiMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openaiNamedToolChoice struct {
	Type     string                 `json:"type"`
	Function openaiToolChoiceTarget `json:"function"`
}

type openaiToolChoiceTarget struct {
	Name string `json:"name"`
}

type openaiToolCall struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Function openaiToolCallFunction `json:"function"`
}

// openaiStreamToolCall is a tool call fragment. Only the first fragment of
// a call carries its id and name.
type openaiStreamToolCall struct {
	Index    int                    `json:"index"`
	ID       string                 `json:"id,omitempty"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiResponseMessage struct {
	Role      string           `json:"role"`
	Content   *string          `json:"content"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiChoice struct {
	Index        int                   `json:"index"`
	Message      openaiResponseMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
	Error   *openaiError         `json:"error,omitempty"`
}

type openaiStreamChoice struct {
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Content   string                 `json:"content,omitempty"`
	ToolCalls []openaiStreamToolCall `json:"tool_calls,omitempty"`
}

func toOpenAIRequest(req domain.CompletionRequest, stream bool) openaiRequest {
	msgs := make([]openaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toOpenAIMessage(m))
	}

	oaiReq := openaiRequest{
		Model:    req.Model,
		Messages: msgs,
	}
	if stream {
		oaiReq.Stream = true
		oaiReq.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}
	if req.MaxTokens > 0 {
		oaiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		oaiReq.Temperature = &req.Temperature
	}

	if len(req.Tools) > 0 {
		oaiReq.Tools = make([]openaiTool, len(req.Tools))
		for i, t := range req.Tools {
			oaiReq.Tools[i] = openaiTool{
				Type: "function",
				Function: openaiToolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			}
		}
		// tool_choice is rejected by the API when no tools are sent.
		oaiReq.ToolChoice = toOpenAIToolChoice(req.ToolChoice)
	}
	return oaiReq
}

func toOpenAIToolChoice(c *domain.ToolChoice) any {
	switch {
	case c == nil:
		return nil
	case c.Mode == domain.ToolChoiceFunction:
		return openaiNamedToolChoice{Type: "function", Function: openaiToolChoiceTarget{Name: c.Name}}
	default:
		return string(c.Mode)
	}
}

func toOpenAIMessage(m domain.Message) openaiMessage {
	msg := openaiMessage{Role: string(m.Role)}

	switch m.Role {
	case domain.RoleTool:
		if m.ToolResponse != nil {
			msg.ToolCallID = m.ToolResponse.ToolCallID
		}
		msg.Content = m.Text()
		return msg
	case domain.RoleAssistant:
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiToolCallFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		if text := m.Text(); text != "" {
			msg.Content = text
		}
		return msg
	case domain.RoleUser:
		msg.Content = userContent(m.Content)
		return msg
	default:
		msg.Content = m.Text()
		return msg
	}
}

// userContent keeps plain text messages as a string and switches to the
// parts form when images are present. Audio references are not sent.
func userContent(parts []domain.ContentPart) any {
	hasImage := false
	for _, p := range parts {
		if p.Type == domain.PartImage && len(p.Data) > 0 {
			hasImage = true
			break
		}
	}
	if !hasImage {
		var sb strings.Builder
		for _, p := range parts {
			if p.Type == domain.PartText {
				sb.WriteString(p.Text)
			}
		}
		return sb.String()
	}

	out := make([]openaiContentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case domain.PartText:
			out = append(out, openaiContentPart{Type: "text", Text: p.Text})
		case domain.PartImage:
			if len(p.Data) == 0 {
				continue
			}
			mime := p.MIMEType
			if mime == "" {
				mime = http.DetectContentType(p.Data)
			}
			out = append(out, openaiContentPart{
				Type:     "image_url",
				ImageURL: &openaiImageURL{URL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(p.Data)},
			})
		}
	}
	return out
}

func fromOpenAIResponse(resp openaiResponse) *domain.CompletionResponse {
	result := &domain.CompletionResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: domain.FinishNone,
	}
	if len(resp.Choices) == 0 {
		return result
	}

	choice := resp.Choices[0]
	if choice.Message.Content != nil {
		result.Content = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	result.FinishReason = domain.ParseFinishReason(choice.FinishReason)
	return result
}

var (
	_ domain.ChatService          = (*OpenAIService)(nil)
	_ domain.StreamingChatService = (*OpenAIService)(nil)
)
