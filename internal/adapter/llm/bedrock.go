//go:build bedrock

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"chatengine/internal/domain"
	"chatengine/internal/infra/config"
	"chatengine/internal/infra/tracer"
)

const defaultBedrockMaxTokens = 4096

// bedrockConverseAPI is the subset of the Bedrock runtime client in use.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockService speaks the AWS Bedrock Converse API.
type BedrockService struct {
	name   string
	model  string
	client bedrockConverseAPI
	logger *slog.Logger
}

func newBedrockService(cfg config.ProviderConfig, logger *slog.Logger) (domain.ChatService, error) {
	return NewBedrockService(cfg, logger)
}

// NewBedrockService creates a service using the default AWS credential chain.
func NewBedrockService(cfg config.ProviderConfig, logger *slog.Logger) (*BedrockService, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(NewHTTPClient(cfg)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newBedrockServiceWithClient(cfg.Name, cfg.Model, bedrockruntime.NewFromConfig(awsCfg), logger), nil
}

func newBedrockServiceWithClient(name, model string, client bedrockConverseAPI, logger *slog.Logger) *BedrockService {
	return &BedrockService{name: name, model: model, client: client, logger: logger}
}

// Name implements domain.ChatService.
func (s *BedrockService) Name() string { return s.name }

// Complete implements domain.ChatService.
func (s *BedrockService) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
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

	output, err := s.client.Converse(ctx, toBedrockConverseInput(req))
	if err != nil {
		err = mapBedrockError(err)
		tracer.RecordError(span, err)
		return nil, err
	}

	result := fromBedrockConverseOutput(output, req.Model)
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logCompletion(s.logger, s.name, result)
	return result, nil
}

// CompleteStream implements domain.StreamingChatService.
func (s *BedrockService) CompleteStream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamDelta, error) {
	if req.Model == "" {
		req.Model = s.model
	}
	in := toBedrockConverseInput(req)
	output, err := s.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         in.ModelId,
		Messages:        in.Messages,
		System:          in.System,
		InferenceConfig: in.InferenceConfig,
		ToolConfig:      in.ToolConfig,
	})
	if err != nil {
		return nil, mapBedrockError(err)
	}

	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		stream := output.GetStream()
		defer stream.Close()

		send := func(d domain.StreamDelta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var st bedrockStreamState
		for evt := range stream.Events() {
			if delta := st.process(evt); delta != nil {
				if !send(*delta) || delta.Done {
					return
				}
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			send(domain.StreamDelta{Err: mapBedrockError(err)})
		}
	}()
	return ch, nil
}

// --- request conversion ---

func toBedrockConverseInput(req domain.CompletionRequest) *bedrockruntime.ConverseInput {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultBedrockMaxTokens
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(req.Model),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(maxTokens)),
		},
	}
	if req.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
	}

	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			if text := m.Text(); text != "" {
				input.System = append(input.System, &types.SystemContentBlockMemberText{Value: text})
			}
			continue
		}
		if msg := toBedrockMessage(m); msg != nil {
			input.Messages = appendBedrockMessage(input.Messages, *msg)
		}
	}

	if len(req.Tools) > 0 && (req.ToolChoice == nil || req.ToolChoice.Mode != domain.ToolChoiceNone) {
		input.ToolConfig = toBedrockToolConfig(req.Tools, req.ToolChoice)
	}
	return input
}

// appendBedrockMessage merges consecutive same-role messages, which the
// Converse API rejects. Parallel tool results become one user message.
func appendBedrockMessage(msgs []types.Message, m types.Message) []types.Message {
	if n := len(msgs); n > 0 && msgs[n-1].Role == m.Role {
		msgs[n-1].Content = append(msgs[n-1].Content, m.Content...)
		return msgs
	}
	return append(msgs, m)
}

func toBedrockMessage(m domain.Message) *types.Message {
	switch m.Role {
	case domain.RoleTool:
		if m.ToolResponse == nil {
			return nil
		}
		return &types.Message{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(m.ToolResponse.ToolCallID),
						Content: []types.ToolResultContentBlock{
							&types.ToolResultContentBlockMemberText{Value: m.Text()},
						},
					},
				},
			},
		}

	case domain.RoleAssistant:
		msg := &types.Message{Role: types.ConversationRoleAssistant}
		if text := m.Text(); text != "" {
			msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: text})
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if tc.Arguments != "" {
				_ = json.Unmarshal([]byte(tc.Arguments), &input)
			}
			if input == nil {
				input = map[string]any{}
			}
			msg.Content = append(msg.Content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(input),
				},
			})
		}
		if len(msg.Content) == 0 {
			return nil
		}
		return msg

	case domain.RoleUser:
		msg := &types.Message{Role: types.ConversationRoleUser}
		for _, p := range m.Content {
			switch p.Type {
			case domain.PartText:
				if p.Text != "" {
					msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: p.Text})
				}
			case domain.PartImage:
				if format, ok := bedrockImageFormat(p); ok {
					msg.Content = append(msg.Content, &types.ContentBlockMemberImage{
						Value: types.ImageBlock{
							Format: format,
							Source: &types.ImageSourceMemberBytes{Value: p.Data},
						},
					})
				}
			}
		}
		if len(msg.Content) == 0 {
			return nil
		}
		return msg

	default:
		return nil
	}
}

func bedrockImageFormat(p domain.ContentPart) (types.ImageFormat, bool) {
	if len(p.Data) == 0 {
		return "", false
	}
	mime := p.MIMEType
	if mime == "" {
		mime = http.DetectContentType(p.Data)
	}
	switch mime {
	case "image/png":
		return types.ImageFormatPng, true
	case "image/jpeg":
		return types.ImageFormatJpeg, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	}
	return "", false
}

func toBedrockToolConfig(tools []domain.ToolSchema, choice *domain.ToolChoice) *types.ToolConfiguration {
	cfg := &types.ToolConfiguration{}
	for _, t := range tools {
		var schema map[string]any
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &schema)
		}
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		cfg.Tools = append(cfg.Tools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}

	if choice != nil {
		switch choice.Mode {
		case domain.ToolChoiceAuto:
			cfg.ToolChoice = &types.ToolChoiceMemberAuto{}
		case domain.ToolChoiceRequired:
			cfg.ToolChoice = &types.ToolChoiceMemberAny{}
		case domain.ToolChoiceFunction:
			cfg.ToolChoice = &types.ToolChoiceMemberTool{Value: types.SpecificToolChoice{Name: aws.String(choice.Name)}}
		}
	}
	return cfg
}

// --- response conversion ---

func fromBedrockConverseOutput(output *bedrockruntime.ConverseOutput, model string) *domain.CompletionResponse {
	result := &domain.CompletionResponse{
		Model:        model,
		FinishReason: domain.ParseFinishReason(string(output.StopReason)),
	}
	if output.Usage != nil {
		result.Usage = bedrockUsage(output.Usage)
	}

	if outMsg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		var sb strings.Builder
		for _, block := range outMsg.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				sb.WriteString(b.Value)
			case *types.ContentBlockMemberToolUse:
				result.ToolCalls = append(result.ToolCalls, domain.ToolCall{
					ID:        aws.ToString(b.Value.ToolUseId),
					Name:      aws.ToString(b.Value.Name),
					Arguments: marshalDocument(b.Value.Input),
				})
			}
		}
		result.Content = sb.String()
	}
	return result
}

func bedrockUsage(u *types.TokenUsage) domain.Usage {
	in, out := int(aws.ToInt32(u.InputTokens)), int(aws.ToInt32(u.OutputTokens))
	return domain.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

// marshalDocument renders a Bedrock document as a JSON argument string.
func marshalDocument(doc document.Interface) string {
	if doc == nil {
		return "{}"
	}
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// bedrockStreamState maps content block indexes to tool call indexes.
type bedrockStreamState struct {
	toolIndex map[int32]int
}

func (st *bedrockStreamState) process(evt types.ConverseStreamOutput) *domain.StreamDelta {
	switch e := evt.(type) {
	case *types.ConverseStreamOutputMemberContentBlockStart:
		start, ok := e.Value.Start.(*types.ContentBlockStartMemberToolUse)
		if !ok {
			return nil
		}
		if st.toolIndex == nil {
			st.toolIndex = make(map[int32]int)
		}
		idx := len(st.toolIndex)
		st.toolIndex[aws.ToInt32(e.Value.ContentBlockIndex)] = idx
		return &domain.StreamDelta{ToolCalls: []domain.ToolCallDelta{{
			Index: idx,
			ID:    aws.ToString(start.Value.ToolUseId),
			Name:  aws.ToString(start.Value.Name),
		}}}

	case *types.ConverseStreamOutputMemberContentBlockDelta:
		switch d := e.Value.Delta.(type) {
		case *types.ContentBlockDeltaMemberText:
			return &domain.StreamDelta{Content: d.Value}
		case *types.ContentBlockDeltaMemberToolUse:
			idx, ok := st.toolIndex[aws.ToInt32(e.Value.ContentBlockIndex)]
			if !ok {
				return nil
			}
			return &domain.StreamDelta{ToolCalls: []domain.ToolCallDelta{{
				Index:     idx,
				Arguments: aws.ToString(d.Value.Input),
			}}}
		}
		return nil

	case *types.ConverseStreamOutputMemberMessageStop:
		return &domain.StreamDelta{FinishReason: domain.ParseFinishReason(string(e.Value.StopReason))}

	case *types.ConverseStreamOutputMemberMetadata:
		delta := &domain.StreamDelta{Done: true}
		if e.Value.Usage != nil {
			u := bedrockUsage(e.Value.Usage)
			delta.Usage = &u
		}
		return delta
	}
	return nil
}

// --- error mapping ---

func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case code == "ThrottlingException" || code == "TooManyRequestsException":
			return fmt.Errorf("%w: %s", domain.ErrRateLimit, msg)
		case code == "AccessDeniedException" || code == "UnrecognizedClientException":
			return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, msg)
		case code == "ValidationException" && strings.Contains(msg, "too long"):
			return fmt.Errorf("%w: %s", domain.ErrContextOverflow, msg)
		case code == "ModelTimeoutException":
			return fmt.Errorf("%w: %s", domain.ErrTimeout, msg)
		case code == "ModelNotReadyException" || code == "ServiceUnavailableException" ||
			code == "InternalServerException":
			return fmt.Errorf("%w: %s", domain.ErrProviderError, msg)
		}
	}
	return domain.WrapOp("bedrock", err)
}

var (
	_ domain.ChatService          = (*BedrockService)(nil)
	_ domain.StreamingChatService = (*BedrockService)(nil)
)
