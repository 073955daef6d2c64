package llm

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"chatengine/internal/domain"
	"chatengine/internal/infra/config"
)

// Registry holds named chat services plus the optional image and speech
// services built from the same providers.
type Registry struct {
	mu       sync.RWMutex
	services map[string]domain.ChatService
	images   domain.ImageService
	speech   domain.SpeechService
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]domain.ChatService)}
}

// Register adds svc under name. Names are unique.
func (r *Registry) Register(name string, svc domain.ChatService) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}
	r.services[name] = svc
	return nil
}

// Get returns the service registered under name.
func (r *Registry) Get(name string) (domain.ChatService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrServiceNotFound, name)
	}
	return svc, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ImageService returns the configured image service, or nil.
func (r *Registry) ImageService() domain.ImageService { return r.images }

// SpeechService returns the configured speech service, or nil.
func (r *Registry) SpeechService() domain.SpeechService { return r.speech }

// BuildRegistry constructs every configured provider, wrapped with rate
// limiting and circuit breaking as configured. With failover enabled the
// default provider is replaced by a FailoverService over the fallbacks.
func BuildRegistry(cfg config.LLMConfig, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	byName := make(map[string]config.ProviderConfig, len(cfg.Providers))

	for _, pc := range cfg.Providers {
		svc, err := newChatService(pc, logger)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		if pc.RequestsPerMinute > 0 {
			svc = NewRateLimitedService(svc, pc.RequestsPerMinute)
		}
		if cfg.CircuitBreaker.Enabled {
			svc = NewCircuitBreakerService(svc, cfg.CircuitBreaker, logger)
		}
		if err := reg.Register(pc.Name, svc); err != nil {
			return nil, err
		}
		byName[pc.Name] = pc
	}

	if cfg.Failover.Enabled && len(cfg.Failover.Fallbacks) > 0 {
		primary, err := reg.Get(cfg.DefaultProvider)
		if err != nil {
			return nil, fmt.Errorf("failover primary: %w", err)
		}
		var fallbacks []domain.ChatService
		for _, name := range cfg.Failover.Fallbacks {
			if name == cfg.DefaultProvider {
				continue
			}
			fb, err := reg.Get(name)
			if err != nil {
				return nil, fmt.Errorf("failover fallback: %w", err)
			}
			fallbacks = append(fallbacks, fb)
		}
		reg.services[cfg.DefaultProvider] = NewFailoverService(primary, fallbacks, logger)
	}

	if name := orDefaultProvider(cfg.ImageProvider, cfg.DefaultProvider); name != "" {
		if pc, ok := byName[name]; ok && isOpenAIType(pc) {
			reg.images = NewOpenAIImageService(pc, cfg.ImageModel, logger)
		}
	}
	if name := orDefaultProvider(cfg.SpeechProvider, cfg.DefaultProvider); name != "" {
		if pc, ok := byName[name]; ok && isOpenAIType(pc) {
			reg.speech = NewOpenAISpeechService(pc, logger)
		}
	}
	return reg, nil
}

func newChatService(pc config.ProviderConfig, logger *slog.Logger) (domain.ChatService, error) {
	switch pc.Type {
	case "", "openai":
		return NewOpenAIService(pc, logger), nil
	case "bedrock":
		return newBedrockService(pc, logger)
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}

func isOpenAIType(pc config.ProviderConfig) bool {
	return pc.Type == "" || pc.Type == "openai"
}

func orDefaultProvider(name, def string) string {
	if name != "" {
		return name
	}
	return def
}
