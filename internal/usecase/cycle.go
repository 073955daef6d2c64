package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chatengine/internal/domain"
	"chatengine/internal/infra/tracer"
)

type cycleOpts struct {
	stream     bool
	toolChoice *domain.ToolChoice
	suggest    bool
	title      bool
}

// cycle is the per-run bookkeeping of one generation cycle. It never holds
// conversation content across suspension points.
type cycle struct {
	id      string
	svc     domain.ChatService
	runID   string
	state   domain.GenerationState
	current string // id of the assistant message being streamed, if any
	title   string // title present when the cycle started
}

// acquire resolves the conversation and service, takes the in-flight token
// and resets a stale state left by an earlier process.
func (o *Orchestrator) acquire(ctx context.Context, op, id string) (*cycle, context.Context, func(), error) {
	conv, svc, err := o.resolve(ctx, op, id)
	if err != nil {
		return nil, nil, nil, err
	}

	cctx, cancel := context.WithCancel(domain.ContextWithConversationID(ctx, id))
	release, err := o.deps.Tracker.Acquire(id, cancel)
	if err != nil {
		cancel()
		return nil, nil, nil, domain.WrapOp(op, err)
	}
	done := func() {
		release()
		cancel()
	}

	if conv.State != domain.StateIdle {
		o.deps.Logger.Warn("resetting stale generation state",
			"conversation", id, "state", string(conv.State))
		if _, err := o.mutate(cctx, id, func(c *domain.Conversation) error {
			c.State = domain.StateIdle
			return nil
		}); err != nil {
			done()
			return nil, nil, nil, domain.WrapOp(op, err)
		}
	}

	return &cycle{
		id:    id,
		svc:   svc,
		runID: cycleRunID(conv),
		state: domain.StateIdle,
		title: conv.Title,
	}, cctx, done, nil
}

// cycleRunID returns the run the next reply belongs to: that of the latest
// user message, or the message's own id when it has no run id.
func cycleRunID(conv *domain.Conversation) string {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		m := conv.Messages[i]
		if m.Role != domain.RoleUser {
			continue
		}
		if m.RunID != "" {
			return m.RunID
		}
		return m.ID
	}
	return ""
}

func (o *Orchestrator) generate(ctx context.Context, op, id string, co cycleOpts) error {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.generate",
		trace.WithAttributes(
			tracer.StringAttr("conversation.id", id),
			attribute.Bool("stream", co.stream),
		),
	)
	defer span.End()

	c, ctx, release, err := o.acquire(ctx, op, id)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	defer release()

	if err := o.drive(ctx, op, c, co); err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

// drive runs the completion loop and the optional follow-up stages, then
// returns the conversation to idle.
func (o *Orchestrator) drive(ctx context.Context, op string, c *cycle, co cycleOpts) error {
	if err := o.setCycleState(ctx, c, domain.StateProcessing); err != nil {
		return domain.WrapOp(op, err)
	}
	_, err := o.mutate(ctx, c.id, func(conv *domain.Conversation) error {
		conv.Error = ""
		return nil
	})
	if err == nil {
		err = o.complete(ctx, c, co)
	}
	if err != nil {
		return o.finishWithError(ctx, op, c, err)
	}

	if co.suggest {
		if err := o.setCycleState(ctx, c, domain.StateSuggesting); err != nil {
			return o.finishWithError(ctx, op, c, err)
		}
		if err := o.suggest(ctx, c.id, c.svc); err != nil {
			return o.finishWithError(ctx, op, c, err)
		}
	}
	if err := o.setCycleState(ctx, c, domain.StateIdle); err != nil {
		return domain.WrapOp(op, err)
	}

	if co.title && c.title == "" {
		if err := o.title(ctx, c.id, c.svc); err != nil {
			// The reply is already complete; a cancelled title is not a failed cycle.
			o.deps.Logger.Info("title generation stopped", "conversation", c.id, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) setCycleState(ctx context.Context, c *cycle, to domain.GenerationState) error {
	if c.state == to {
		return nil
	}
	if err := o.setState(ctx, c.id, to); err != nil {
		return err
	}
	c.state = to
	return nil
}

// complete issues completion requests until a result carries no tool calls.
func (o *Orchestrator) complete(ctx context.Context, c *cycle, co cycleOpts) error {
	toolRounds := 0
	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := o.request(ctx, c, co, n)
		if err != nil {
			return err
		}
		if !msg.HasToolCalls() {
			return nil
		}

		toolRounds++
		if toolRounds > o.deps.Options.MaxToolRounds {
			return domain.NewDomainError("Orchestrator.complete", domain.ErrToolLoopExceeded,
				fmt.Sprintf("more than %d tool rounds", o.deps.Options.MaxToolRounds))
		}
		if err := o.setCycleState(ctx, c, domain.StateProcessing); err != nil {
			return err
		}
		if err := o.dispatchAll(ctx, c, msg); err != nil {
			return err
		}
	}
}

// choiceFor returns the tool choice for the n-th request of a cycle. Only
// the first request may force a tool.
func choiceFor(choice *domain.ToolChoice, n int) *domain.ToolChoice {
	if n > 0 && choice.IsForced() {
		return nil
	}
	return choice
}

func (o *Orchestrator) buildRequest(conv *domain.Conversation, choice *domain.ToolChoice, shrink int) domain.CompletionRequest {
	req := domain.CompletionRequest{
		Model:    conv.Model,
		Messages: o.history.Build(conv, shrink),
	}
	if o.deps.Tools != nil && len(conv.Tools) > 0 {
		req.Tools = o.deps.Tools.Schemas(conv.Tools)
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = choice
	}
	return req
}

// request sends the n-th request of a cycle, retrying retryable failures
// that happen before any part of the reply has been applied. All attempts
// share one message id.
func (o *Orchestrator) request(ctx context.Context, c *cycle, co cycleOpts, n int) (domain.Message, error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.request",
		trace.WithAttributes(tracer.IntAttr("request", n)),
	)
	defer span.End()

	attempts := 1
	if o.deps.Classifier != nil {
		attempts = o.deps.Options.Retry.MaxAttempts
	}
	msgID := o.deps.IDs.NewID()
	shrink := 0

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		conv, err := o.deps.Store.Get(ctx, c.id)
		if err != nil {
			return domain.Message{}, err
		}
		req := o.buildRequest(conv, choiceFor(co.toolChoice, n), shrink)

		msg, applied, err := o.attempt(ctx, c, req, msgID, n, co.stream)
		if err == nil {
			tracer.SetOK(span)
			return msg, nil
		}
		lastErr = err
		tracer.RecordError(span, err)

		if applied || o.deps.Classifier == nil || ctx.Err() != nil {
			return domain.Message{}, err
		}
		classified := o.deps.Classifier.Classify(err)
		if !classified.Retryable() {
			return domain.Message{}, err
		}
		if errors.Is(classified.Sentinel, domain.ErrContextOverflow) {
			shrink++
			o.deps.Logger.Info("context overflow, shrinking history",
				"conversation", c.id, "shrink", shrink)
			continue
		}
		if attempt < attempts-1 {
			delay := o.deps.Options.Retry.Backoff(attempt)
			o.deps.Logger.Info("retrying completion after error",
				"conversation", c.id, "attempt", attempt+1, "delay", delay, "error", err)
			if err := sleepCtx(ctx, delay); err != nil {
				return domain.Message{}, err
			}
		}
	}
	return domain.Message{}, lastErr
}

// attempt performs one request. applied reports whether any part of the
// reply reached the store.
func (o *Orchestrator) attempt(ctx context.Context, c *cycle, req domain.CompletionRequest, msgID string, n int, stream bool) (domain.Message, bool, error) {
	if stream {
		if ss, ok := c.svc.(domain.StreamingChatService); ok {
			return o.streamOnce(ctx, c, ss, req, msgID, n)
		}
		o.deps.Logger.Debug("service cannot stream, using whole completion",
			"conversation", c.id, "service", c.svc.Name())
	}

	resp, err := c.svc.Complete(ctx, req)
	if err != nil {
		return domain.Message{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Message{}, false, err
	}
	msg := messageFromResponse(resp, msgID, c.runID, o.now(), o.deps.IDs.NewID)
	if err := o.upsertMessage(ctx, c.id, msg); err != nil {
		return domain.Message{}, false, err
	}
	return msg, true, nil
}

// streamOnce applies every delta as a snapshot of one message id, so later
// chunks overwrite earlier ones. Only a Done delta finalizes the message; a
// stream that closes before one is a provider error.
func (o *Orchestrator) streamOnce(ctx context.Context, c *cycle, ss domain.StreamingChatService, req domain.CompletionRequest, msgID string, n int) (domain.Message, bool, error) {
	ch, err := ss.CompleteStream(ctx, req)
	if err != nil {
		return domain.Message{}, false, err
	}

	acc := newStreamAccumulator(msgID, c.runID, o.now())
	applied := false

recv:
	for {
		var delta domain.StreamDelta
		var ok bool
		select {
		case <-ctx.Done():
			return acc.snapshot(o.now(), false), applied, ctx.Err()
		case delta, ok = <-ch:
		}
		if !ok {
			if err := ctx.Err(); err != nil {
				return acc.snapshot(o.now(), false), applied, err
			}
			return acc.snapshot(o.now(), false), applied, domain.NewDomainError(
				"Orchestrator.stream", domain.ErrProviderError, "stream ended without completion")
		}
		if delta.Err != nil {
			return acc.snapshot(o.now(), false), applied, delta.Err
		}
		if err := ctx.Err(); err != nil {
			return acc.snapshot(o.now(), false), applied, err
		}

		acc.addDelta(delta)
		if acc.hasVisibleContent() {
			if err := o.setCycleState(ctx, c, domain.StateStreaming); err != nil {
				return acc.snapshot(o.now(), false), applied, err
			}
		}
		if delta.Content != "" {
			o.publish(ctx, domain.EventStreamDelta, c.id, domain.StreamDeltaPayload{
				MessageID: msgID, Content: delta.Content, Round: n,
			})
		}
		if delta.Done {
			break recv
		}

		snap := acc.snapshot(o.now(), false)
		if err := o.upsertMessage(ctx, c.id, snap); err != nil {
			return snap, applied, err
		}
		applied = true
		c.current = msgID
	}

	acc.assignCallIDs(o.deps.IDs.NewID)
	final := acc.snapshot(o.now(), true)
	if err := o.upsertMessage(ctx, c.id, final); err != nil {
		return final, applied, err
	}
	c.current = ""
	return final, true, nil
}

// dispatchAll runs the tool calls of msg one at a time, in order, and
// appends their results.
func (o *Orchestrator) dispatchAll(ctx context.Context, c *cycle, msg domain.Message) error {
	for _, call := range msg.ToolCalls {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, res := range o.dispatchTool(ctx, c, call) {
			if err := o.upsertMessage(ctx, c.id, res); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) dispatchTool(ctx context.Context, c *cycle, call domain.ToolCall) []domain.Message {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.dispatch_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()

	o.publish(ctx, domain.EventToolCallStarted, c.id, domain.ToolCallPayload{CallID: call.ID, Name: call.Name})

	var results []domain.Message
	if o.deps.Tools != nil {
		results = o.deps.Tools.Dispatch(ctx, call)
	} else {
		results = []domain.Message{domain.UnrecognizedToolMessage(call)}
	}
	if len(results) == 0 {
		results = []domain.Message{domain.NewToolMessage(call, fmt.Sprintf("tool call %q returned no result", call.Name))}
	}

	now := o.now()
	for i := range results {
		m := &results[i]
		m.ID = o.deps.IDs.NewID()
		m.Role = domain.RoleTool
		if m.Kind == "" {
			m.Kind = domain.KindNormal
		}
		if m.ToolResponse == nil || m.ToolResponse.ToolCallID == "" || m.ToolResponse.Name == "" {
			m.ToolResponse = &domain.ToolResponse{ToolCallID: call.ID, Name: call.Name}
		}
		m.RunID = c.runID
		m.Done = true
		if m.FinishReason == "" {
			m.FinishReason = domain.FinishStop
		}
		m.CreatedAt = now
		m.ModifiedAt = now
	}

	tracer.SetOK(span)
	o.publish(ctx, domain.EventToolCallCompleted, c.id, domain.ToolCallPayload{CallID: call.ID, Name: call.Name})
	return results
}

// finishWithError settles a cycle that stopped early. Cancellation marks the
// message being streamed as cancelled and records nothing on the
// conversation; any other error is recorded and partial output is kept.
// Both return the conversation to idle.
func (o *Orchestrator) finishWithError(ctx context.Context, op string, c *cycle, cause error) error {
	cleanup := context.WithoutCancel(ctx)
	cancelled := errors.Is(cause, context.Canceled)

	if cancelled && c.current != "" {
		msgID := c.current
		if _, err := o.mutate(cleanup, c.id, func(conv *domain.Conversation) error {
			m, ok := conv.Message(msgID)
			if !ok {
				return nil
			}
			m.Done = true
			m.FinishReason = domain.FinishCancelled
			// Partially streamed calls were never dispatched.
			m.ToolCalls = nil
			m.ModifiedAt = o.now()
			conv.PutMessage(m)
			return nil
		}); err != nil {
			o.deps.Logger.Error("mark cancelled message failed", "conversation", c.id, "error", err)
		}
	}

	var from domain.GenerationState
	if _, err := o.mutate(cleanup, c.id, func(conv *domain.Conversation) error {
		from = conv.State
		conv.State = domain.StateIdle
		if !cancelled {
			conv.Error = cause.Error()
		}
		return nil
	}); err != nil {
		o.deps.Logger.Error("settle failed cycle", "conversation", c.id, "error", err)
	} else if from != domain.StateIdle {
		o.publish(cleanup, domain.EventStateChanged, c.id, domain.StateChangedPayload{From: from, To: domain.StateIdle})
	}
	c.state = domain.StateIdle

	if cancelled {
		o.deps.Logger.Info("generation cancelled", "conversation", c.id)
		o.publish(cleanup, domain.EventCycleCancelled, c.id, nil)
		return domain.WrapOp(op, context.Canceled)
	}

	o.deps.Logger.Warn("generation failed",
		"conversation", c.id, "error", cause, "code", string(domain.ErrorCodeOf(cause)))
	o.publish(cleanup, domain.EventCycleFailed, c.id, domain.ErrorPayload{
		Error: cause.Error(), Code: domain.ErrorCodeOf(cause),
	})
	return domain.WrapOp(op, cause)
}
