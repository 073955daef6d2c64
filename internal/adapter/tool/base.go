package tool

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"chatengine/internal/infra/tracer"
)

// ActionHandler handles a single action of an action-based tool.
type ActionHandler[P any] func(ctx context.Context, p P) (any, error)

// ActionMap maps action names to their handlers.
type ActionMap[P any] map[string]ActionHandler[P]

// ByAction builds an Execute handler that routes on an action field.
//
//	return Execute(ctx, "tool.remember", t.logger, params,
//	    ByAction(func(p rememberParams) string { return p.Action }, ActionMap[rememberParams]{
//	        "save":   t.save,
//	        "recall": t.recall,
//	    }),
//	)
func ByAction[P any](
	getAction func(P) string,
	actions ActionMap[P],
) func(ctx context.Context, span trace.Span, p P) (any, error) {
	valid := make([]string, 0, len(actions))
	for name := range actions {
		valid = append(valid, name)
	}
	sort.Strings(valid)

	return func(ctx context.Context, span trace.Span, p P) (any, error) {
		action := getAction(p)
		span.SetAttributes(tracer.StringAttr("tool.action", action))

		handler, ok := actions[action]
		if !ok {
			return nil, BadAction(action, valid...)
		}
		return handler(ctx, p)
	}
}

// BadAction reports an unknown action along with the valid ones.
func BadAction(got string, valid ...string) error {
	return badValue("action", got, valid)
}

func joinComma(ss []string) string { return strings.Join(ss, ", ") }
