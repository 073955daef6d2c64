package tool

import (
	"context"
	"fmt"
	"strings"
)

// searchTimeRanges are the recency filters web_search accepts. An empty
// range searches without one.
var searchTimeRanges = []string{"day", "week", "month", "year"}

// SearchBackend is the engine behind the web_search tool. Implementations
// return at most count hits, most relevant first.
type SearchBackend interface {
	Search(ctx context.Context, query string, count int, timeRange string) ([]SearchResult, error)
	Name() string
}

// SearchResult is one hit as shown to the model.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// formatSearchResults renders hits as the numbered text block a tool
// message carries back to the model.
func formatSearchResults(query string, results []SearchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No search results found for %q.", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for %q:\n\n", query)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   URL: %s\n   %s\n\n", i+1, r.Title, r.URL, r.Content)
	}
	return sb.String()
}
