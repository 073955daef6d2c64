package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"chatengine/internal/domain"
	"chatengine/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerService fails fast once the wrapped service has failed
// repeatedly, until a probe request succeeds again.
type CircuitBreakerService struct {
	inner   domain.ChatService
	breaker *gobreaker.CircuitBreaker[*domain.CompletionResponse]
}

// NewCircuitBreakerService wraps inner. Zero config values use defaults.
func NewCircuitBreakerService(inner domain.ChatService, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerService {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.CompletionResponse](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Caller cancellation and bad requests say nothing about the
		// service's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) ||
				!domain.IsRetryableError(err) && !errors.Is(err, domain.ErrAuthInvalid)
		},
	})

	return &CircuitBreakerService{inner: inner, breaker: cb}
}

// Complete implements domain.ChatService.
func (s *CircuitBreakerService) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	resp, err := s.breaker.Execute(func() (*domain.CompletionResponse, error) {
		return s.inner.Complete(ctx, req)
	})
	if err != nil {
		return nil, s.wrapOpen(err)
	}
	return resp, nil
}

// CompleteStream implements domain.StreamingChatService. Only opening the
// stream counts toward the breaker; errors later in the stream do not.
func (s *CircuitBreakerService) CompleteStream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamDelta, error) {
	var ch <-chan domain.StreamDelta
	_, err := s.breaker.Execute(func() (*domain.CompletionResponse, error) {
		var streamErr error
		ch, streamErr = completeStream(ctx, s.inner, req)
		return nil, streamErr
	})
	if err != nil {
		return nil, s.wrapOpen(err)
	}
	return ch, nil
}

// wrapOpen reports an open circuit as a retryable provider error.
func (s *CircuitBreakerService) wrapOpen(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: service %q circuit open: %v", domain.ErrProviderError, s.inner.Name(), err)
	}
	return err
}

// Name implements domain.ChatService.
func (s *CircuitBreakerService) Name() string { return s.inner.Name() }

// State returns the current breaker state.
func (s *CircuitBreakerService) State() gobreaker.State { return s.breaker.State() }

// Counts returns the breaker's request counts.
func (s *CircuitBreakerService) Counts() gobreaker.Counts { return s.breaker.Counts() }

var (
	_ domain.ChatService          = (*CircuitBreakerService)(nil)
	_ domain.StreamingChatService = (*CircuitBreakerService)(nil)
)

// --- Connection pooling ---

// Default pool settings: few hosts, high concurrency, long-lived connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
)

// Default provider timeouts.
const (
	defaultConnTimeout = 30 * time.Second
	defaultRespTimeout = 120 * time.Second
)

// NewPooledTransport creates an http.Transport sized for model API calls.
// Zero values in pool use defaults.
func NewPooledTransport(connTimeout, respTimeout time.Duration, pool config.PoolConfig) *http.Transport {
	if connTimeout <= 0 {
		connTimeout = defaultConnTimeout
	}
	if respTimeout <= 0 {
		respTimeout = defaultRespTimeout
	}
	orDefault := func(v, def int) int {
		if v <= 0 {
			return def
		}
		return v
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          orDefault(pool.MaxIdleConns, defaultMaxIdleConns),
		MaxIdleConnsPerHost:   orDefault(pool.MaxIdleConnsPerHost, defaultMaxIdleConnsPerHost),
		MaxConnsPerHost:       orDefault(pool.MaxConnsPerHost, defaultMaxConnsPerHost),
		IdleConnTimeout:       idleTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// NewHTTPClient creates a pooled client for a provider. The client has no
// overall timeout because streamed replies can legitimately run long; the
// transport bounds dialing and waiting for response headers.
func NewHTTPClient(cfg config.ProviderConfig) *http.Client {
	return &http.Client{
		Transport: NewPooledTransport(cfg.ConnTimeout, cfg.RespTimeout, cfg.Pool),
	}
}
