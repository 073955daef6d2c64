package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"chatengine/internal/domain"
	"chatengine/internal/infra/tracer"
)

// Execute is the shared tool pipeline: parse params, start a span, run the
// handler, format the result.
//
// The handler may return:
//   - (*domain.ToolResult, nil), returned as-is (use this for attachments)
//   - (string, nil), wrapped in a plain-text result
//   - (any other value, nil), rendered as indented JSON
//   - (nil, error), turned into an error result the model can read
func Execute[P any](
	ctx context.Context,
	spanName string,
	logger *slog.Logger,
	rawParams json.RawMessage,
	handler func(ctx context.Context, span trace.Span, params P) (any, error),
) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(tracer.StringAttr("tool.name", spanName)),
	)
	defer span.End()

	var p P
	if err := json.Unmarshal(rawParams, &p); err != nil {
		tracer.RecordError(span, err)
		return ErrResult("invalid params: %v", err), nil
	}

	result, err := handler(ctx, span, p)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Warn(spanName+" failed", "error", err)

		retryable := classifyToolError(err)
		content := err.Error()
		if retryable {
			content += " (transient error, may succeed on retry)"
		}
		return &domain.ToolResult{IsError: true, IsRetryable: retryable, Content: content}, nil
	}
	return formatResult(span, result), nil
}

func formatResult(span trace.Span, result any) *domain.ToolResult {
	switch v := result.(type) {
	case *domain.ToolResult:
		if v.IsError {
			tracer.RecordError(span, fmt.Errorf("%w: %s", domain.ErrToolFailure, v.Content))
		} else {
			tracer.SetOK(span)
		}
		return v
	case string:
		tracer.SetOK(span)
		return TextResult(v)
	default:
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			tracer.RecordError(span, err)
			return ErrResult("failed to format response: %v", err)
		}
		tracer.SetOK(span)
		return TextResult(string(data))
	}
}

// ErrResult creates an error result for input problems the model should
// fix. It is not logged.
func ErrResult(format string, args ...any) *domain.ToolResult {
	return &domain.ToolResult{IsError: true, Content: fmt.Sprintf(format, args...)}
}

// TextResult creates a plain text success result.
func TextResult(s string) *domain.ToolResult {
	return &domain.ToolResult{Content: s}
}
