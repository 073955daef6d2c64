package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"chatengine/internal/domain"
)

// RateLimitedService spaces requests to a provider so that no more than
// requestsPerMinute are started per minute. Callers wait for a slot.
type RateLimitedService struct {
	inner   domain.ChatService
	limiter *rate.Limiter
}

// NewRateLimitedService wraps inner. requestsPerMinute must be positive.
func NewRateLimitedService(inner domain.ChatService, requestsPerMinute int) *RateLimitedService {
	burst := max(requestsPerMinute/60, 1)
	return &RateLimitedService{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst),
	}
}

func (s *RateLimitedService) wait(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The next slot lies beyond the caller's deadline.
		return fmt.Errorf("%w: service %q: %v", domain.ErrRateLimit, s.inner.Name(), err)
	}
	return nil
}

// Complete implements domain.ChatService.
func (s *RateLimitedService) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.inner.Complete(ctx, req)
}

// CompleteStream implements domain.StreamingChatService.
func (s *RateLimitedService) CompleteStream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamDelta, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return completeStream(ctx, s.inner, req)
}

// Name implements domain.ChatService.
func (s *RateLimitedService) Name() string { return s.inner.Name() }

var _ domain.StreamingChatService = (*RateLimitedService)(nil)
