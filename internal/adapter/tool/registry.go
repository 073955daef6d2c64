package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"chatengine/internal/domain"
	"chatengine/internal/infra/tracer"
)

// Registry is the closed set of tools available to the engine. It is built
// once at startup and is read-only afterwards.
type Registry struct {
	tools   map[domain.ToolID]domain.Tool
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry builds a registry from tools. Every key must name the tool
// stored under it. Tools are wrapped with schema validation; a schema that
// does not compile is a startup error. timeout bounds each dispatch and may
// be zero.
func NewRegistry(tools map[domain.ToolID]domain.Tool, timeout time.Duration, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		tools:   make(map[domain.ToolID]domain.Tool, len(tools)),
		timeout: timeout,
		logger:  logger,
	}
	for id, t := range tools {
		if _, err := domain.ParseToolID(string(id)); err != nil {
			return nil, err
		}
		if t.ID() != id {
			return nil, fmt.Errorf("tool registered as %q reports id %q", id, t.ID())
		}
		wrapped, err := WithSchemaValidation(t)
		if err != nil {
			return nil, err
		}
		r.tools[id] = wrapped
	}
	return r, nil
}

// Get returns the tool registered under id.
func (r *Registry) Get(id domain.ToolID) (domain.Tool, error) {
	t, ok := r.tools[id]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, string(id))
	}
	return t, nil
}

// IDs returns the registered tool ids in their canonical order.
func (r *Registry) IDs() []domain.ToolID {
	var ids []domain.ToolID
	for _, id := range domain.AllToolIDs() {
		if _, ok := r.tools[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Schemas implements domain.ToolExecutor.
func (r *Registry) Schemas(ids []domain.ToolID) []domain.ToolSchema {
	schemas := make([]domain.ToolSchema, 0, len(ids))
	for _, id := range ids {
		if t, ok := r.tools[id]; ok {
			schemas = append(schemas, t.Schema())
		}
	}
	return schemas
}

// Dispatch implements domain.ToolExecutor. It always answers with exactly
// one tool message; failures are described in its text.
func (r *Registry) Dispatch(ctx context.Context, call domain.ToolCall) []domain.Message {
	ctx, span := tracer.StartSpan(ctx, "tool.dispatch",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()

	id, err := domain.ParseToolID(call.Name)
	if err == nil {
		_, err = r.Get(id)
	}
	if err != nil {
		tracer.RecordError(span, err)
		r.logger.Warn("unrecognized tool call", "tool", call.Name, "call_id", call.ID)
		return []domain.Message{domain.UnrecognizedToolMessage(call)}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := strings.TrimSpace(call.Arguments)
	if args == "" {
		args = "{}"
	}

	start := time.Now()
	result, err := r.tools[id].Execute(ctx, json.RawMessage(args))
	switch {
	case err != nil:
		err = fmt.Errorf("%w: %s: %w", domain.ErrToolFailure, call.Name, err)
		tracer.RecordError(span, err)
		r.logger.Warn("tool failed", "tool", call.Name, "call_id", call.ID, "error", err)
		return []domain.Message{domain.NewToolMessage(call, err.Error())}
	case result == nil:
		return []domain.Message{domain.NewToolMessage(call, fmt.Sprintf("tool %q returned no result", call.Name))}
	}

	r.logger.Debug("tool executed",
		"tool", call.Name,
		"call_id", call.ID,
		"is_error", result.IsError,
		"duration", time.Since(start),
	)
	if result.IsError {
		tracer.RecordError(span, fmt.Errorf("%w: %s", domain.ErrToolFailure, call.Name))
	} else {
		tracer.SetOK(span)
	}

	msg := domain.NewToolMessage(call, result.Content)
	msg.Attachments = result.Attachments
	return []domain.Message{msg}
}

var _ domain.ToolExecutor = (*Registry)(nil)
