package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"chatengine/internal/domain"
)

const (
	maxMemoryContentLength = 8 * 1024
	defaultRecallLimit     = 5
	maxRecallLimit         = 20
)

// RememberTool lets the model keep and look up long-term facts.
type RememberTool struct {
	memory domain.MemoryProvider
	logger *slog.Logger
	now    func() time.Time
}

// NewRememberTool creates the remember tool over memory.
func NewRememberTool(memory domain.MemoryProvider, logger *slog.Logger) *RememberTool {
	return &RememberTool{memory: memory, logger: logger, now: time.Now}
}

func (t *RememberTool) ID() domain.ToolID { return domain.ToolRemember }
func (t *RememberTool) Description() string {
	return "Save a fact about the user for later conversations, recall saved facts, or forget one"
}

func (t *RememberTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        string(t.ID()),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["save", "recall", "forget"], "description": "What to do (default: save)"},
				"content": {"type": "string", "description": "The fact to save (save)"},
				"tags": {"type": "array", "items": {"type": "string"}, "description": "Optional labels (save)"},
				"query": {"type": "string", "description": "What to look for (recall)"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 20, "description": "Maximum facts to return (recall, default: 5)"},
				"id": {"type": "string", "description": "Id of the fact to remove (forget)"}
			}
		}`),
	}
}

type rememberParams struct {
	Action  string   `json:"action,omitempty"`
	Content string   `json:"content,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Query   string   `json:"query,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	ID      string   `json:"id,omitempty"`
}

func (t *RememberTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.remember", t.logger, params,
		func(ctx context.Context, span trace.Span, p rememberParams) (any, error) {
			if !t.memory.IsAvailable() {
				return nil, fmt.Errorf("%w: %s", domain.ErrMemoryUnavailable, t.memory.Name())
			}
			if p.Action == "" {
				p.Action = "save"
			}
			return ByAction(func(p rememberParams) string { return p.Action }, ActionMap[rememberParams]{
				"save":   t.save,
				"recall": t.recall,
				"forget": t.forget,
			})(ctx, span, p)
		},
	)
}

func (t *RememberTool) save(ctx context.Context, p rememberParams) (any, error) {
	if err := ValidateAll(
		RequireField("content", p.Content),
		ValidateMaxLength("content", p.Content, maxMemoryContentLength),
	); err != nil {
		return nil, err
	}

	entry := domain.MemoryEntry{
		ID:        strings.ToLower(ulid.Make().String()),
		Content:   strings.TrimSpace(p.Content),
		Tags:      p.Tags,
		CreatedAt: t.now(),
	}
	if err := t.memory.Store(ctx, entry); err != nil {
		return nil, fmt.Errorf("save memory: %w", err)
	}
	t.logger.Debug("memory saved", "id", entry.ID, "provider", t.memory.Name())
	return fmt.Sprintf("Saved (id %s).", entry.ID), nil
}

type recalledFact struct {
	ID      string   `json:"id"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
	Saved   string   `json:"saved"`
}

func (t *RememberTool) recall(ctx context.Context, p rememberParams) (any, error) {
	if err := RequireField("query", p.Query); err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	limit = min(limit, maxRecallLimit)

	entries, err := t.memory.Query(ctx, p.Query, limit)
	if err != nil {
		return nil, fmt.Errorf("recall memory: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Sprintf("Nothing remembered about %q.", p.Query), nil
	}

	facts := make([]recalledFact, 0, len(entries))
	for _, e := range entries {
		facts = append(facts, recalledFact{
			ID:      e.ID,
			Content: e.Content,
			Tags:    e.Tags,
			Saved:   e.CreatedAt.Format(time.DateOnly),
		})
	}
	return facts, nil
}

func (t *RememberTool) forget(ctx context.Context, p rememberParams) (any, error) {
	if err := RequireField("id", p.ID); err != nil {
		return nil, err
	}
	if err := t.memory.Delete(ctx, p.ID); err != nil {
		return nil, fmt.Errorf("forget memory: %w", err)
	}
	return fmt.Sprintf("Forgot %s.", p.ID), nil
}
