package tool

import (
	"context"
	"errors"
	"strings"

	"chatengine/internal/domain"
)

// transientMarkers are lowercase fragments of network and backend messages
// that reach tools unwrapped, e.g. from SearXNG or the sqlite driver.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"too many requests",
	"try again",
}

// classifyToolError sets ToolResult.IsRetryable: true tells the model the
// same call may work if repeated. Bad arguments never are.
func classifyToolError(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrPathEscape):
		return false
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, domain.ErrTimeout),
		errors.Is(err, domain.ErrProviderError),
		errors.Is(err, domain.ErrRateLimit),
		errors.Is(err, domain.ErrMemoryUnavailable):
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
