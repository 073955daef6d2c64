package tool

import (
	"errors"
	"fmt"
	"testing"

	"chatengine/internal/domain"
)

func FuzzClassifyToolError(f *testing.F) {
	seeds := []string{
		"connection refused",
		"read tcp: connection reset by peer",
		"context deadline exceeded",
		"searxng: HTTP 503 service unavailable",
		"database is locked, try again",
		"file not found",
		"",
		"TIMEOUT",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, msg string) {
		_ = classifyToolError(errors.New(msg))

		// Bad arguments stay permanent whatever the message says.
		if classifyToolError(fmt.Errorf("%w: %s", domain.ErrInvalidInput, msg)) {
			t.Errorf("invalid input %q classified as retryable", msg)
		}
		if classifyToolError(fmt.Errorf("%s: %w", msg, domain.ErrPathEscape)) {
			t.Errorf("path escape %q classified as retryable", msg)
		}
	})
}
