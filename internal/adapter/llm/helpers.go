package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"chatengine/internal/domain"
	"chatengine/internal/infra/tracer"
)

// maxResponseBody is the maximum response body size read from model APIs.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// doJSONRequest performs a JSON POST and returns the response body.
// Non-200 responses are mapped to domain errors.
func doJSONRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	httpResp, err := doRequest(ctx, client, url, body, headers, "")
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrProviderError, err)
	}
	return respBody, nil
}

// doStreamRequest performs a JSON POST for an SSE stream. The caller must
// close the returned response body.
func doStreamRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (*http.Response, error) {
	return doRequest(ctx, client, url, body, headers, "text/event-stream")
}

func doRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string, accept string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if accept != "" {
		httpReq.Header.Set("Accept", accept)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: http request: %v", domain.ErrProviderError, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}
	return httpResp, nil
}

// bearer returns the Authorization header for apiKey, or none when empty.
func bearer(apiKey string) map[string]string {
	if apiKey == "" {
		return map[string]string{}
	}
	return map[string]string{"Authorization": "Bearer " + apiKey}
}

func logCompletion(logger *slog.Logger, service string, resp *domain.CompletionResponse) {
	logger.Debug("llm completion finished",
		"service", service,
		"model", resp.Model,
		"finish_reason", string(resp.FinishReason),
		"tool_calls", len(resp.ToolCalls),
		"tokens", resp.Usage.TotalTokens,
	)
}

// setUsageAttrs adds token usage attributes to a span.
func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
}

// mapHTTPError maps a status code and body to a domain error so the retry
// classifier and circuit breaker can tell transient failures apart.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, string(body))

	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", domain.ErrTimeout, detail)
	case statusCode >= 500:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	default:
		return fmt.Errorf("%s", detail)
	}
}

// streamOf adapts a whole completion into a stream with a single final delta.
func streamOf(resp *domain.CompletionResponse) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 1)
	delta := domain.StreamDelta{
		Content:      resp.Content,
		Done:         true,
		FinishReason: resp.FinishReason,
		Usage:        &resp.Usage,
	}
	for i, tc := range resp.ToolCalls {
		delta.ToolCalls = append(delta.ToolCalls, domain.ToolCallDelta{
			Index: i, ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
		})
	}
	ch <- delta
	close(ch)
	return ch
}

// completeStream streams from svc when it can, and otherwise wraps a whole
// completion as a one-delta stream.
func completeStream(ctx context.Context, svc domain.ChatService, req domain.CompletionRequest) (<-chan domain.StreamDelta, error) {
	if ss, ok := svc.(domain.StreamingChatService); ok {
		return ss.CompleteStream(ctx, req)
	}
	resp, err := svc.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return streamOf(resp), nil
}
