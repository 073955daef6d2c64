package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"chatengine/internal/domain"
	"chatengine/internal/infra/tracer"
)

const (
	defaultSearchCount = 5
	maxSearchCount     = 20
	defaultCacheTTL    = 15 * time.Minute
	maxCacheEntries    = 100
)

type cacheEntry struct {
	result    string
	expiresAt time.Time
}

// WebSearchTool searches the web through a SearchBackend. Results are cached
// for a TTL, and concurrent identical queries share one backend call.
type WebSearchTool struct {
	backend  SearchBackend
	cacheTTL time.Duration
	logger   *slog.Logger
	group    singleflight.Group
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewWebSearchTool creates the web_search tool.
func NewWebSearchTool(backend SearchBackend, cacheTTL time.Duration, logger *slog.Logger) *WebSearchTool {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &WebSearchTool{
		backend:  backend,
		cacheTTL: cacheTTL,
		logger:   logger,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}
}

func (t *WebSearchTool) ID() domain.ToolID   { return domain.ToolWebSearch }
func (t *WebSearchTool) Description() string { return "Search the web for current information" }

func (t *WebSearchTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        string(t.ID()),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "The search query"},
				"count": {"type": "integer", "minimum": 1, "maximum": 20, "description": "Number of results (default: 5)"},
				"time_range": {"type": "string", "enum": ["day", "week", "month", "year"], "description": "Only return results this recent"}
			},
			"required": ["query"]
		}`),
	}
}

type webSearchParams struct {
	Query     string `json:"query"`
	Count     int    `json:"count,omitempty"`
	TimeRange string `json:"time_range,omitempty"`
}

func (t *WebSearchTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.web_search", t.logger, params,
		func(ctx context.Context, span trace.Span, p webSearchParams) (any, error) {
			if err := ValidateAll(
				RequireField("query", p.Query),
				ValidateEnum("time_range", p.TimeRange, searchTimeRanges...),
			); err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.StringAttr("tool.query", p.Query))

			if p.Count <= 0 {
				p.Count = defaultSearchCount
			}
			p.Count = min(p.Count, maxSearchCount)

			key := fmt.Sprintf("%s|%d|%s", p.Query, p.Count, p.TimeRange)
			if cached, ok := t.getCached(key); ok {
				span.SetAttributes(tracer.StringAttr("tool.cache", "hit"))
				t.logger.Debug("web search cache hit", "query", p.Query)
				return cached, nil
			}

			v, err, shared := t.group.Do(key, func() (any, error) {
				results, err := t.backend.Search(ctx, p.Query, p.Count, p.TimeRange)
				if err != nil {
					return "", err
				}
				if len(results) > p.Count {
					results = results[:p.Count]
				}
				content := formatSearchResults(p.Query, results)
				t.putCache(key, content)
				return content, nil
			})
			if err != nil {
				return nil, err
			}
			if shared {
				span.SetAttributes(tracer.StringAttr("tool.cache", "shared"))
			}
			t.logger.Debug("web search completed", "query", p.Query, "backend", t.backend.Name())
			return v.(string), nil
		},
	)
}

func (t *WebSearchTool) getCached(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.cache[key]
	if !ok {
		return "", false
	}
	if t.now().After(entry.expiresAt) {
		delete(t.cache, key)
		return "", false
	}
	return entry.result, true
}

func (t *WebSearchTool) putCache(key, result string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.cache[key] = cacheEntry{result: result, expiresAt: now.Add(t.cacheTTL)}

	if len(t.cache) > maxCacheEntries {
		for k, v := range t.cache {
			if now.After(v.expiresAt) {
				delete(t.cache, k)
			}
		}
	}
}
