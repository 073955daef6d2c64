package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"chatengine/internal/domain"
	"chatengine/internal/infra/tracer"
)

const (
	defaultCalendarWindow = 30 * 24 * time.Hour
	defaultCalendarLimit  = 10
	maxCalendarLimit      = 50
)

// CalendarEvent describes one calendar entry.
type CalendarEvent struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Attendees   []string  `json:"attendees,omitempty"`
	AllDay      bool      `json:"all_day,omitempty"`
}

// CalendarQuery selects events overlapping [From, To) whose text matches
// Text. An empty Text matches everything.
type CalendarQuery struct {
	Text  string
	From  time.Time
	To    time.Time
	Limit int
}

// CalendarBackend abstracts a calendar source.
type CalendarBackend interface {
	SearchEvents(ctx context.Context, q CalendarQuery) ([]CalendarEvent, error)
	Name() string
}

// MockCalendarBackend keeps events in memory. It serves development setups
// and tests.
type MockCalendarBackend struct {
	mu     sync.RWMutex
	events []CalendarEvent
}

// NewMockCalendarBackend creates a backend holding events.
func NewMockCalendarBackend(events ...CalendarEvent) *MockCalendarBackend {
	return &MockCalendarBackend{events: events}
}

// Add stores an event.
func (m *MockCalendarBackend) Add(ev CalendarEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *MockCalendarBackend) Name() string { return "mock" }

// SearchEvents returns matching events ordered by start time.
func (m *MockCalendarBackend) SearchEvents(_ context.Context, q CalendarQuery) ([]CalendarEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	text := strings.ToLower(strings.TrimSpace(q.Text))
	var out []CalendarEvent
	for _, ev := range m.events {
		if !q.To.IsZero() && !ev.Start.Before(q.To) {
			continue
		}
		if !q.From.IsZero() && !ev.End.After(q.From) {
			continue
		}
		if text != "" && !eventMatches(ev, text) {
			continue
		}
		out = append(out, ev)
	}
	slices.SortFunc(out, func(a, b CalendarEvent) int { return a.Start.Compare(b.Start) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func eventMatches(ev CalendarEvent, lowerText string) bool {
	for _, field := range []string{ev.Title, ev.Description, ev.Location} {
		if strings.Contains(strings.ToLower(field), lowerText) {
			return true
		}
	}
	for _, a := range ev.Attendees {
		if strings.Contains(strings.ToLower(a), lowerText) {
			return true
		}
	}
	return false
}

// CalendarTool searches the user's calendar.
type CalendarTool struct {
	backend CalendarBackend
	logger  *slog.Logger
	now     func() time.Time
}

// NewCalendarTool creates the search_calendar tool.
func NewCalendarTool(backend CalendarBackend, logger *slog.Logger) *CalendarTool {
	return &CalendarTool{backend: backend, logger: logger, now: time.Now}
}

func (t *CalendarTool) ID() domain.ToolID   { return domain.ToolSearchCalendar }
func (t *CalendarTool) Description() string { return "Search the user's calendar for events" }

func (t *CalendarTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        string(t.ID()),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Text to match in title, description, location or attendees"},
				"from": {"type": "string", "description": "Start of the range, RFC 3339 or YYYY-MM-DD (default: now)"},
				"to": {"type": "string", "description": "End of the range, RFC 3339 or YYYY-MM-DD (default: 30 days after from)"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50, "description": "Maximum events (default: 10)"}
			}
		}`),
	}
}

type calendarParams struct {
	Query string `json:"query,omitempty"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func (t *CalendarTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.search_calendar", t.logger, params,
		func(ctx context.Context, span trace.Span, p calendarParams) (any, error) {
			from, err := ParseTimeParam("from", p.From)
			if err != nil {
				return nil, err
			}
			to, err := ParseTimeParam("to", p.To)
			if err != nil {
				return nil, err
			}
			if from.IsZero() {
				from = t.now()
			}
			if to.IsZero() {
				to = from.Add(defaultCalendarWindow)
			}
			if !to.After(from) {
				return nil, fmt.Errorf("%w: 'to' must be after 'from'", domain.ErrInvalidInput)
			}
			limit := p.Limit
			if limit <= 0 {
				limit = defaultCalendarLimit
			}
			limit = min(limit, maxCalendarLimit)

			span.SetAttributes(tracer.StringAttr("tool.backend", t.backend.Name()))
			events, err := t.backend.SearchEvents(ctx, CalendarQuery{Text: p.Query, From: from, To: to, Limit: limit})
			if err != nil {
				return nil, fmt.Errorf("search calendar: %w", err)
			}
			if len(events) == 0 {
				return fmt.Sprintf("No events between %s and %s.", from.Format(time.RFC3339), to.Format(time.RFC3339)), nil
			}
			return events, nil
		},
	)
}
