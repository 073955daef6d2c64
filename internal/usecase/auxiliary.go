package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"chatengine/internal/domain"
	"chatengine/internal/infra/tracer"
)

const (
	maxSuggestions = 3

	suggestionsInstruction = "Suggest up to three short replies the user might send next. " +
		"Answer only with a JSON array of strings, for example [\"Tell me more\", \"Thanks!\"]."

	titleInstruction = "Write a concise title for this conversation in fewer than four words. " +
		"Answer only with the title. If the conversation has no clear topic, answer with nothing."
)

// generateSuggestions is the stand-alone suggestion cycle:
// idle -> suggesting -> idle.
func (o *Orchestrator) generateSuggestions(ctx context.Context, id string) error {
	const op = "Orchestrator.GenerateSuggestions"

	conv, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	if !hasAssistantTurn(conv) {
		return domain.NewDomainError(op, domain.ErrNoAssistantTurn, id)
	}

	c, ctx, release, err := o.acquire(ctx, op, id)
	if err != nil {
		return err
	}
	defer release()

	if err := o.setCycleState(ctx, c, domain.StateSuggesting); err != nil {
		return domain.WrapOp(op, err)
	}
	if err := o.suggest(ctx, id, c.svc); err != nil {
		return o.finishWithError(ctx, op, c, err)
	}
	return domain.WrapOp(op, o.setCycleState(ctx, c, domain.StateIdle))
}

// hasAssistantTurn reports whether the timeline ends with a completed
// assistant reply that requests no tools.
func hasAssistantTurn(conv *domain.Conversation) bool {
	last, ok := conv.LastMessage()
	return ok && last.Role == domain.RoleAssistant && last.Done && !last.HasToolCalls()
}

// suggest requests suggestions and stores them. Transport and decode
// failures are logged and leave suggestions unset; only cancellation is
// returned.
func (o *Orchestrator) suggest(ctx context.Context, id string, svc domain.ChatService) error {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.suggestions",
		trace.WithAttributes(tracer.StringAttr("conversation.id", id)),
	)
	defer span.End()

	conv, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !hasAssistantTurn(conv) {
		o.deps.Logger.Debug("no assistant turn to suggest replies for", "conversation", id)
		return nil
	}

	raw, err := o.auxiliaryRequest(ctx, conv, svc, suggestionsInstruction)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		tracer.RecordError(span, err)
		o.deps.Logger.Warn("suggestion request failed", "conversation", id, "error", err)
		return nil
	}

	suggestions, err := ParseSuggestions(raw)
	if err != nil {
		tracer.RecordError(span, err)
		o.deps.Logger.Warn("suggestions decode failed", "conversation", id, "error", err)
		return nil
	}
	if len(suggestions) == 0 {
		return nil
	}

	if _, err := o.mutate(ctx, id, func(c *domain.Conversation) error {
		c.Suggestions = suggestions
		return nil
	}); err != nil {
		return err
	}
	tracer.SetOK(span)
	o.publish(ctx, domain.EventSuggestionsSet, id, suggestions)
	return nil
}

// ParseSuggestions decodes a suggestion reply. A leading "```json" or "```"
// and a trailing "```" are removed before decoding; at most three non-empty
// strings are kept.
func ParseSuggestions(raw string) ([]string, error) {
	body := stripCodeFence(raw)
	var items []string
	if err := json.Unmarshal([]byte(body), &items); err != nil {
		return nil, domain.NewDomainError("ParseSuggestions", domain.ErrDecode, err.Error())
	}
	out := make([]string, 0, maxSuggestions)
	for _, s := range items {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out, nil
}

func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(s, "```json"); ok {
		s = rest
	} else if rest, ok := strings.CutPrefix(s, "```"); ok {
		s = rest
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func (o *Orchestrator) generateTitle(ctx context.Context, id string) error {
	const op = "Orchestrator.GenerateTitle"
	_, svc, err := o.resolve(ctx, op, id)
	if err != nil {
		return err
	}
	return domain.WrapOp(op, o.title(ctx, id, svc))
}

// title requests a title and stores it when the answer is non-empty.
// Failures other than cancellation are logged only.
func (o *Orchestrator) title(ctx context.Context, id string, svc domain.ChatService) error {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.title",
		trace.WithAttributes(tracer.StringAttr("conversation.id", id)),
	)
	defer span.End()

	conv, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	raw, err := o.auxiliaryRequest(ctx, conv, svc, titleInstruction)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		tracer.RecordError(span, err)
		o.deps.Logger.Warn("title request failed", "conversation", id, "error", err)
		return nil
	}

	title := CleanTitle(raw)
	if title == "" {
		o.deps.Logger.Debug("model produced no title", "conversation", id)
		return nil
	}
	if _, err := o.mutate(ctx, id, func(c *domain.Conversation) error {
		c.Title = title
		return nil
	}); err != nil {
		return err
	}
	tracer.SetOK(span)
	o.publish(ctx, domain.EventTitleSet, id, map[string]string{"title": title})
	return nil
}

// CleanTitle trims whitespace, code fences and surrounding quotes and keeps
// the first line.
func CleanTitle(raw string) string {
	s := stripCodeFence(raw)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`“”‘’")
	s = strings.TrimSuffix(s, ".")
	return strings.TrimSpace(s)
}

// auxiliaryRequest sends the history plus one instruction as a whole
// completion without tools.
func (o *Orchestrator) auxiliaryRequest(ctx context.Context, conv *domain.Conversation, svc domain.ChatService, instruction string) (string, error) {
	msgs := o.history.Build(conv, 0)
	msgs = append(msgs, domain.NewTextMessage(domain.RoleUser, instruction))

	resp, err := svc.Complete(ctx, domain.CompletionRequest{Model: conv.Model, Messages: msgs})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
