package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"chatengine/internal/domain"
	"chatengine/internal/infra/tracer"
)

const maxImagePromptLength = 4000

var imageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// ImageTool generates a picture and stores it as an asset. The result
// carries the asset as an image attachment.
type ImageTool struct {
	images domain.ImageService
	assets domain.AssetWriter
	model  string
	logger *slog.Logger
}

// NewImageTool creates the generate_image tool. model may be empty to let
// the service choose.
func NewImageTool(images domain.ImageService, assets domain.AssetWriter, model string, logger *slog.Logger) *ImageTool {
	return &ImageTool{images: images, assets: assets, model: model, logger: logger}
}

func (t *ImageTool) ID() domain.ToolID   { return domain.ToolGenerateImage }
func (t *ImageTool) Description() string { return "Generate an image from a text description" }

func (t *ImageTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        string(t.ID()),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prompt": {"type": "string", "description": "What the image should show"},
				"size": {"type": "string", "enum": ["256x256", "512x512", "1024x1024", "1792x1024", "1024x1792"], "description": "Image dimensions (default: 1024x1024)"}
			},
			"required": ["prompt"]
		}`),
	}
}

type imageParams struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
}

func (t *ImageTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.generate_image", t.logger, params,
		func(ctx context.Context, span trace.Span, p imageParams) (any, error) {
			if err := ValidateAll(
				RequireField("prompt", p.Prompt),
				ValidateMaxLength("prompt", p.Prompt, maxImagePromptLength),
			); err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.IntAttr("tool.prompt_length", len(p.Prompt)))

			img, err := t.images.GenerateImage(ctx, domain.ImageRequest{
				Prompt: p.Prompt,
				Model:  t.model,
				Size:   p.Size,
			})
			if err != nil {
				return nil, fmt.Errorf("generate image: %w", err)
			}

			name := strings.ToLower(ulid.Make().String()) + extensionFor(img.MIMEType)
			path, err := t.assets.WriteAsset(ctx, name, img.Data)
			if err != nil {
				return nil, fmt.Errorf("save image: %w", err)
			}

			t.logger.Debug("image generated", "path", path, "bytes", len(img.Data))
			content := fmt.Sprintf("Image generated and saved to %s.", path)
			if img.RevisedPrompt != "" {
				content += "\nRevised prompt: " + img.RevisedPrompt
			}
			return &domain.ToolResult{
				Content: content,
				Attachments: []domain.Attachment{{
					Type:     domain.AttachmentImage,
					Name:     name,
					Path:     path,
					MIMEType: img.MIMEType,
				}},
			}, nil
		},
	)
}

func extensionFor(mimeType string) string {
	if ext, ok := imageExtensions[mimeType]; ok {
		return ext
	}
	return ".bin"
}
