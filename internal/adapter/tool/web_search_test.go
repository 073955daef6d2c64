package tool

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatengine/internal/domain"
)

type mockSearchBackend struct {
	results []SearchResult
	err     error
	calls   atomic.Int32
	gate    chan struct{}
	last    struct {
		count     int
		timeRange string
	}
}

func (m *mockSearchBackend) Search(_ context.Context, _ string, count int, timeRange string) ([]SearchResult, error) {
	m.calls.Add(1)
	if m.gate != nil {
		<-m.gate
	}
	m.last.count, m.last.timeRange = count, timeRange
	if m.err != nil {
		return nil, m.err
	}
	return m.results, nil
}

func (m *mockSearchBackend) Name() string { return "mock" }

func sampleResults(n int) []SearchResult {
	out := make([]SearchResult, n)
	for i := range n {
		out[i] = SearchResult{Title: "Result", URL: "https://example.com", Content: "snippet"}
	}
	return out
}

func TestWebSearch(t *testing.T) {
	backend := &mockSearchBackend{results: []SearchResult{
		{Title: "Go", URL: "https://go.dev", Content: "The Go language"},
	}}
	ws := NewWebSearchTool(backend, 0, newTestLogger())

	res, err := ws.Execute(context.Background(), mustJSON(webSearchParams{Query: "golang", TimeRange: "week"}))
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, `Search results for "golang"`)
	assert.Contains(t, res.Content, "1. Go\n   URL: https://go.dev\n   The Go language")
	assert.Equal(t, defaultSearchCount, backend.last.count)
	assert.Equal(t, "week", backend.last.timeRange)
}

func TestWebSearchValidation(t *testing.T) {
	ws := NewWebSearchTool(&mockSearchBackend{}, 0, newTestLogger())
	for _, p := range []webSearchParams{
		{Query: ""},
		{Query: "  "},
		{Query: "go", TimeRange: "decade"},
	} {
		res, err := ws.Execute(context.Background(), mustJSON(p))
		require.NoError(t, err)
		assert.True(t, res.IsError, "%+v", p)
		assert.False(t, res.IsRetryable)
	}
}

func TestWebSearchClampsCountAndTrimsResults(t *testing.T) {
	backend := &mockSearchBackend{results: sampleResults(30)}
	ws := NewWebSearchTool(backend, 0, newTestLogger())

	res, err := ws.Execute(context.Background(), mustJSON(webSearchParams{Query: "many", Count: 99}))
	require.NoError(t, err)
	assert.Equal(t, maxSearchCount, backend.last.count)
	assert.Contains(t, res.Content, "20. Result")
	assert.NotContains(t, res.Content, "21. Result")
}

func TestWebSearchNoResults(t *testing.T) {
	ws := NewWebSearchTool(&mockSearchBackend{}, 0, newTestLogger())
	res, err := ws.Execute(context.Background(), mustJSON(webSearchParams{Query: "zzz"}))
	require.NoError(t, err)
	assert.Equal(t, `No search results found for "zzz".`, res.Content)
}

func TestWebSearchBackendError(t *testing.T) {
	ws := NewWebSearchTool(&mockSearchBackend{err: domain.ErrProviderError}, 0, newTestLogger())
	res, err := ws.Execute(context.Background(), mustJSON(webSearchParams{Query: "go"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.True(t, res.IsRetryable)
}

func TestWebSearchCache(t *testing.T) {
	backend := &mockSearchBackend{results: sampleResults(1)}
	ws := NewWebSearchTool(backend, time.Minute, newTestLogger())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ws.now = func() time.Time { return now }

	params := mustJSON(webSearchParams{Query: "cached"})
	first, err := ws.Execute(context.Background(), params)
	require.NoError(t, err)
	second, err := ws.Execute(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, int32(1), backend.calls.Load())

	_, err = ws.Execute(context.Background(), mustJSON(webSearchParams{Query: "cached", Count: 3}))
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.calls.Load(), "different count is a different key")

	now = now.Add(2 * time.Minute)
	_, err = ws.Execute(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, int32(3), backend.calls.Load(), "expired entries are refetched")
}

func TestWebSearchErrorsAreNotCached(t *testing.T) {
	backend := &mockSearchBackend{err: errors.New("boom")}
	ws := NewWebSearchTool(backend, time.Minute, newTestLogger())
	params := mustJSON(webSearchParams{Query: "x"})

	_, _ = ws.Execute(context.Background(), params)
	_, _ = ws.Execute(context.Background(), params)
	assert.Equal(t, int32(2), backend.calls.Load())
}

func TestWebSearchSharesConcurrentQueries(t *testing.T) {
	backend := &mockSearchBackend{results: sampleResults(1), gate: make(chan struct{})}
	ws := NewWebSearchTool(backend, time.Minute, newTestLogger())
	params := mustJSON(webSearchParams{Query: "popular"})

	const n = 5
	var wg sync.WaitGroup
	results := make([]*domain.ToolResult, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = ws.Execute(context.Background(), params)
		}()
	}

	require.Eventually(t, func() bool { return backend.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(backend.gate)
	wg.Wait()

	assert.Equal(t, int32(1), backend.calls.Load())
	for _, r := range results {
		require.NotNil(t, r)
		assert.False(t, r.IsError)
	}
}

func TestSearXNGBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "month", r.URL.Query().Get("time_range"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]string{
				{"title": "A", "url": "https://a", "content": "a"},
				{"title": "B", "url": "https://b", "content": "b"},
				{"title": "C", "url": "https://c", "content": "c"},
			},
		})
	}))
	defer srv.Close()

	b := NewSearXNGBackend(srv.URL+"/", time.Second, newTestLogger())
	results, err := b.Search(context.Background(), "golang", 2, "month")
	require.NoError(t, err)
	assert.Equal(t, []SearchResult{
		{Title: "A", URL: "https://a", Content: "a"},
		{Title: "B", URL: "https://b", Content: "b"},
	}, results)
	assert.Equal(t, "searxng", b.Name())
}

func TestSearXNGBackendErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, "slow down", domain.ErrRateLimit},
		{"server error", http.StatusBadGateway, "", domain.ErrProviderError},
		{"bad json", http.StatusOK, "{not json", domain.ErrDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewSearXNGBackend(srv.URL, time.Second, newTestLogger()).Search(context.Background(), "q", 5, "")
			assert.ErrorIs(t, err, tt.want)
		})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	_, err := NewSearXNGBackend(srv.URL, time.Second, newTestLogger()).Search(context.Background(), "q", 5, "")
	assert.ErrorContains(t, err, "HTTP 403")
}
