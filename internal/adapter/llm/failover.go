package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatengine/internal/domain"
)

// FailoverService tries the primary service and then each fallback in
// order. Only failures before any reply is returned move on to the next
// service; caller cancellation stops immediately.
type FailoverService struct {
	primary   domain.ChatService
	fallbacks []domain.ChatService
	logger    *slog.Logger
}

// NewFailoverService creates a failover-capable service.
func NewFailoverService(primary domain.ChatService, fallbacks []domain.ChatService, logger *slog.Logger) *FailoverService {
	return &FailoverService{primary: primary, fallbacks: fallbacks, logger: logger}
}

func (f *FailoverService) chain() []domain.ChatService {
	return append([]domain.ChatService{f.primary}, f.fallbacks...)
}

// Complete implements domain.ChatService.
func (f *FailoverService) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	var errs []error
	for i, svc := range f.chain() {
		resp, err := svc.Complete(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover succeeded", "service", svc.Name())
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.logger.Warn("llm service failed", "service", svc.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", svc.Name(), err))
	}
	return nil, fmt.Errorf("all services failed: %w", errors.Join(errs...))
}

// CompleteStream implements domain.StreamingChatService. Services that
// cannot stream answer with a whole completion delivered as one delta.
func (f *FailoverService) CompleteStream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamDelta, error) {
	var errs []error
	for i, svc := range f.chain() {
		ch, err := completeStream(ctx, svc, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("streaming failover succeeded", "service", svc.Name())
			}
			return ch, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.logger.Warn("llm service failed to stream", "service", svc.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", svc.Name(), err))
	}
	return nil, fmt.Errorf("all services failed: %w", errors.Join(errs...))
}

// Name returns the primary's name with a failover suffix.
func (f *FailoverService) Name() string {
	return f.primary.Name() + "+failover"
}

var _ domain.StreamingChatService = (*FailoverService)(nil)
