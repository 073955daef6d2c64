package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"chatengine/internal/domain"
	"chatengine/internal/infra/config"
	"chatengine/internal/infra/tracer"
)

const defaultImageSize = "1024x1024"

// OpenAIImageService generates images with the OpenAI images API.
type OpenAIImageService struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIImageService creates an image service for provider cfg. model is
// used when a request names none.
func NewOpenAIImageService(cfg config.ProviderConfig, model string, logger *slog.Logger) *OpenAIImageService {
	return &OpenAIImageService{
		name:    cfg.Name,
		model:   model,
		apiKey:  cfg.APIKey,
		baseURL: openAIBaseURL(cfg.BaseURL),
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

type openaiImageRequest struct {
	Model          string `json:"model,omitempty"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format"`
}

type openaiImageResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

// GenerateImage implements domain.ImageService.
func (s *OpenAIImageService) GenerateImage(ctx context.Context, req domain.ImageRequest) (*domain.Image, error) {
	if req.Model == "" {
		req.Model = s.model
	}
	if req.Size == "" {
		req.Size = defaultImageSize
	}
	ctx, span := tracer.StartSpan(ctx, "llm.image",
		trace.WithAttributes(
			tracer.StringAttr("llm.service", s.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	body, err := json.Marshal(openaiImageRequest{
		Model:          req.Model,
		Prompt:         req.Prompt,
		N:              1,
		Size:           req.Size,
		ResponseFormat: "b64_json",
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, s.client, s.baseURL+"/images/generations", body, bearer(s.apiKey))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var resp openaiImageResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		err = fmt.Errorf("%w: image response: %v", domain.ErrDecode, err)
		tracer.RecordError(span, err)
		return nil, err
	}
	if len(resp.Data) == 0 {
		err := fmt.Errorf("%w: image response has no data", domain.ErrEmptyResponse)
		tracer.RecordError(span, err)
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		err = fmt.Errorf("%w: image payload: %v", domain.ErrDecode, err)
		tracer.RecordError(span, err)
		return nil, err
	}

	tracer.SetOK(span)
	s.logger.Debug("image generated", "service", s.name, "model", req.Model, "bytes", len(data))
	return &domain.Image{
		Data:          data,
		MIMEType:      http.DetectContentType(data),
		RevisedPrompt: resp.Data[0].RevisedPrompt,
	}, nil
}

// OpenAISpeechService synthesizes speech with the OpenAI audio API.
type OpenAISpeechService struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAISpeechService creates a speech service for provider cfg.
func NewOpenAISpeechService(cfg config.ProviderConfig, logger *slog.Logger) *OpenAISpeechService {
	return &OpenAISpeechService{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: openAIBaseURL(cfg.BaseURL),
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

type openaiSpeechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format,omitempty"`
}

var speechMIMETypes = map[string]string{
	"mp3":  "audio/mpeg",
	"opus": "audio/opus",
	"aac":  "audio/aac",
	"flac": "audio/flac",
	"wav":  "audio/wav",
	"pcm":  "audio/pcm",
}

// Synthesize implements domain.SpeechService.
func (s *OpenAISpeechService) Synthesize(ctx context.Context, req domain.SpeechRequest) (*domain.Audio, error) {
	format := req.Format
	if format == "" {
		format = "mp3"
	}
	mime, ok := speechMIMETypes[format]
	if !ok {
		return nil, domain.NewDomainError("OpenAISpeechService.Synthesize", domain.ErrInvalidInput,
			fmt.Sprintf("unsupported audio format %q", format))
	}

	ctx, span := tracer.StartSpan(ctx, "llm.speech",
		trace.WithAttributes(
			tracer.StringAttr("llm.service", s.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	body, err := json.Marshal(openaiSpeechRequest{
		Model:          req.Model,
		Input:          req.Text,
		Voice:          req.Voice,
		ResponseFormat: format,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	data, err := doJSONRequest(ctx, s.client, s.baseURL+"/audio/speech", body, bearer(s.apiKey))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	if len(data) == 0 {
		err := fmt.Errorf("%w: speech response is empty", domain.ErrEmptyResponse)
		tracer.RecordError(span, err)
		return nil, err
	}

	tracer.SetOK(span)
	s.logger.Debug("speech synthesized", "service", s.name, "model", req.Model, "bytes", len(data))
	return &domain.Audio{Data: data, MIMEType: mime}, nil
}

var (
	_ domain.ImageService  = (*OpenAIImageService)(nil)
	_ domain.SpeechService = (*OpenAISpeechService)(nil)
)
