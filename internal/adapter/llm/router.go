package llm

import (
	"fmt"

	"chatengine/internal/domain"
)

// ModelRouter resolves a conversation's model identifier to the service
// that serves it. Models without an explicit route go to the fallback
// service.
type ModelRouter struct {
	routes   map[string]string // model -> service name
	registry *Registry
	fallback string
}

// NewModelRouter creates a router over registry. fallback names the
// service used for unrouted models and may be empty.
func NewModelRouter(routes map[string]string, registry *Registry, fallback string) *ModelRouter {
	return &ModelRouter{routes: routes, registry: registry, fallback: fallback}
}

// Resolve implements domain.ServiceResolver.
func (r *ModelRouter) Resolve(model string) (domain.ChatService, error) {
	if model == "" {
		return nil, domain.NewDomainError("ModelRouter.Resolve", domain.ErrMissingModel, "")
	}

	name, routed := r.routes[model]
	if !routed {
		if r.fallback == "" {
			return nil, domain.NewDomainError("ModelRouter.Resolve", domain.ErrServiceNotFound,
				fmt.Sprintf("no route for model %q", model))
		}
		name = r.fallback
	}

	svc, err := r.registry.Get(name)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", model, err)
	}
	return svc, nil
}

var _ domain.ServiceResolver = (*ModelRouter)(nil)
