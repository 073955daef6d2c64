package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"chatengine/internal/domain"
)

// eventFlush is published by the CLI after a cycle returns. Subscribers see
// events in publish order, so once it arrives every earlier event of the
// cycle has been rendered.
const eventFlush domain.EventType = "cli.flush"

// flushTimeout bounds the wait for a flush marker the bus may have dropped.
const flushTimeout = 2 * time.Second

// renderer prints engine events for one conversation as they arrive.
type renderer struct {
	conversationID string
	verbose        bool

	mu      sync.Mutex
	out     io.Writer
	midLine bool
	flushed chan struct{}
}

func newRenderer(out io.Writer, conversationID string, verbose bool) *renderer {
	return &renderer{
		conversationID: conversationID,
		verbose:        verbose,
		out:            out,
		flushed:        make(chan struct{}, 1),
	}
}

func (r *renderer) handle(_ context.Context, ev domain.Event) {
	if ev.ConversationID != r.conversationID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case domain.EventStreamDelta:
		var p domain.StreamDeltaPayload
		if json.Unmarshal(ev.Payload, &p) == nil && p.Content != "" {
			fmt.Fprint(r.out, p.Content)
			r.midLine = !strings.HasSuffix(p.Content, "\n")
		}
	case domain.EventToolCallStarted:
		var p domain.ToolCallPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			r.line("[tool %s]", p.Name)
		}
	case domain.EventToolCallCompleted:
		var p domain.ToolCallPayload
		if json.Unmarshal(ev.Payload, &p) == nil && p.Error {
			r.line("[tool %s failed]", p.Name)
		}
	case domain.EventCycleFailed:
		var p domain.ErrorPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			r.line("error (%s): %s", p.Code, p.Error)
		}
	case domain.EventCycleCancelled:
		r.line("[cancelled]")
	case domain.EventStateChanged:
		if r.verbose {
			var p domain.StateChangedPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				r.line("[%s -> %s]", p.From, p.To)
			}
		}
	case eventFlush:
		if r.midLine {
			fmt.Fprintln(r.out)
			r.midLine = false
		}
		select {
		case r.flushed <- struct{}{}:
		default:
		}
	}
}

// line prints one status line, breaking an unfinished streamed line first.
// Must be called with r.mu held.
func (r *renderer) line(format string, args ...any) {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
	fmt.Fprintf(r.out, format+"\n", args...)
}

// sync publishes a flush marker and waits until the renderer has drawn it.
func (r *renderer) sync(ctx context.Context, bus domain.EventBus) {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	bus.Publish(ctx, domain.Event{Type: eventFlush, ConversationID: r.conversationID})
	select {
	case <-r.flushed:
	case <-ctx.Done():
	}
}
