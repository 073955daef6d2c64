package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"chatengine/internal/domain"
	"chatengine/internal/infra/tracer"
)

// DefaultMaxToolRounds caps how many completion results with tool calls one
// cycle will resolve before giving up with ErrToolLoopExceeded.
const DefaultMaxToolRounds = 5

// OrchestratorOptions tunes generation cycles.
type OrchestratorOptions struct {
	MaxToolRounds int
	// ToolChoice is sent on the first request of a cycle only.
	ToolChoice  *domain.ToolChoice
	Retry       RetryPolicy
	History     HistoryOptions
	AutoSuggest bool // Submit follows a reply with suggestions
	AutoTitle   bool // Submit titles untitled conversations
	SpeechModel string
	SpeechVoice string
}

// OrchestratorDeps holds injected dependencies for the orchestrator.
type OrchestratorDeps struct {
	Store        domain.ConversationStore
	Services     domain.ServiceResolver
	Tools        domain.ToolExecutor  // optional, nil = every tool call is unrecognized
	Bus          domain.EventBus      // optional, nil = no events
	Logger       *slog.Logger         // optional, nil = slog.Default()
	Locker       *ConversationLocker  // optional, nil = private locker
	Tracker      *TaskTracker         // optional, nil = private tracker
	Classifier   *ErrorClassifier     // optional, nil = no retries
	TokenCounter domain.TokenCounter  // optional, nil = no token budget
	Speech       domain.SpeechService // optional, needed by Synthesize
	Assets       domain.AssetWriter   // optional, needed by Synthesize
	IDs          IDGenerator          // optional, nil = ULIDs
	Clock        func() time.Time     // optional, nil = time.Now
	Options      OrchestratorOptions
}

// Orchestrator drives generation cycles against conversations held in a
// ConversationStore. It keeps no conversation state of its own: every
// mutation is a locked read-modify-write through the store.
type Orchestrator struct {
	deps    OrchestratorDeps
	history *HistoryBuilder
}

// NewOrchestrator creates an orchestrator with the given dependencies.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Locker == nil {
		deps.Locker = NewConversationLocker()
	}
	if deps.Tracker == nil {
		deps.Tracker = NewTaskTracker()
	}
	if deps.IDs == nil {
		deps.IDs = NewULIDGenerator()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Options.MaxToolRounds <= 0 {
		deps.Options.MaxToolRounds = DefaultMaxToolRounds
	}
	if deps.Options.Retry.MaxAttempts <= 0 {
		deps.Options.Retry = DefaultRetryPolicy()
	}
	return &Orchestrator{
		deps:    deps,
		history: NewHistoryBuilder(deps.Options.History, deps.TokenCounter),
	}
}

// Handle binds orchestrator operations to one conversation id.
type Handle struct {
	o          *Orchestrator
	id         string
	toolChoice *domain.ToolChoice
}

// Conversation returns a handle for the conversation with the given id.
// The conversation is not looked up until an operation runs.
func (o *Orchestrator) Conversation(id string) *Handle {
	return &Handle{o: o, id: id, toolChoice: o.deps.Options.ToolChoice}
}

// ID returns the conversation id the handle is bound to.
func (h *Handle) ID() string { return h.id }

// WithToolChoice returns a copy of h whose next cycle sends choice on its
// first request. Later requests of that cycle never force a tool.
func (h *Handle) WithToolChoice(choice *domain.ToolChoice) *Handle {
	cp := *h
	cp.toolChoice = choice
	return &cp
}

// Create stores a new conversation, filling in id, state and timestamps.
func (o *Orchestrator) Create(ctx context.Context, conv domain.Conversation) (*domain.Conversation, error) {
	if conv.ID == "" {
		conv.ID = o.deps.IDs.NewID()
	}
	now := o.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.ModifiedAt = now
	conv.State = domain.StateIdle
	for _, m := range conv.Messages {
		if err := m.Validate(); err != nil {
			return nil, domain.WrapOp("Orchestrator.Create", err)
		}
	}
	if err := o.deps.Store.Upsert(ctx, &conv); err != nil {
		return nil, domain.WrapOp("Orchestrator.Create", err)
	}
	return &conv, nil
}

// Cancel cancels the in-flight cycle of conversation id. It reports whether
// one was running.
func (o *Orchestrator) Cancel(id string) bool {
	ok := o.deps.Tracker.Cancel(id)
	if ok {
		o.deps.Logger.Info("generation cancel requested", "conversation", id)
	}
	return ok
}

// Shutdown cancels every in-flight cycle.
func (o *Orchestrator) Shutdown() {
	if n := o.deps.Tracker.CancelAll(); n > 0 {
		o.deps.Logger.Info("cancelled in-flight generations", "count", n)
	}
}

// Get returns the current conversation.
func (h *Handle) Get(ctx context.Context) (*domain.Conversation, error) {
	conv, err := h.o.deps.Store.Get(ctx, h.id)
	return conv, domain.WrapOp("Orchestrator.Get", err)
}

// Append validates msg and adds it to the conversation. The conversation
// must already exist.
func (h *Handle) Append(ctx context.Context, msg domain.Message) error {
	return h.o.appendMessage(ctx, h.id, msg)
}

// GenerateStream runs a streamed generation cycle. Services that cannot
// stream are driven through whole-message completions instead.
func (h *Handle) GenerateStream(ctx context.Context) error {
	return h.o.generate(ctx, "Orchestrator.GenerateStream", h.id, cycleOpts{stream: true, toolChoice: h.toolChoice})
}

// Generate runs a generation cycle using whole-message completions.
func (h *Handle) Generate(ctx context.Context) error {
	return h.o.generate(ctx, "Orchestrator.Generate", h.id, cycleOpts{toolChoice: h.toolChoice})
}

// GenerateSuggestions asks the model for up to three suggested replies to
// the last assistant turn.
func (h *Handle) GenerateSuggestions(ctx context.Context) error {
	return h.o.generateSuggestions(ctx, h.id)
}

// ClearSuggestions unsets the suggested replies.
func (h *Handle) ClearSuggestions(ctx context.Context) error {
	_, err := h.o.mutate(ctx, h.id, func(c *domain.Conversation) error {
		c.Suggestions = nil
		return nil
	})
	return domain.WrapOp("Orchestrator.ClearSuggestions", err)
}

// Cancel cancels the in-flight cycle, if any.
func (h *Handle) Cancel() bool { return h.o.Cancel(h.id) }

// GenerateTitle asks the model for a short title.
func (h *Handle) GenerateTitle(ctx context.Context) error {
	return h.o.generateTitle(ctx, h.id)
}

// Runs groups the current timeline into runs.
func (h *Handle) Runs(ctx context.Context) ([]domain.Run, error) {
	conv, err := h.o.deps.Store.Get(ctx, h.id)
	if err != nil {
		return nil, domain.WrapOp("Orchestrator.Runs", err)
	}
	return AggregateRuns(conv.Messages), nil
}

// Submit runs one user turn: clear suggestions, append the user message
// under a fresh run id, stream the reply, then optionally suggest replies
// and title the conversation.
func (h *Handle) Submit(ctx context.Context, text string, parts ...domain.ContentPart) error {
	const op = "Orchestrator.Submit"
	o := h.o

	ctx, span := tracer.StartSpan(ctx, "orchestrator.submit",
		trace.WithAttributes(tracer.StringAttr("conversation.id", h.id)),
	)
	defer span.End()

	c, ctx, release, err := o.acquire(ctx, op, h.id)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	defer release()

	if err := h.ClearSuggestions(ctx); err != nil {
		return err
	}
	content := make([]domain.ContentPart, 0, 1+len(parts))
	if text != "" {
		content = append(content, domain.TextPart(text))
	}
	content = append(content, parts...)
	msg := domain.Message{
		Role:         domain.RoleUser,
		Kind:         domain.KindNormal,
		Content:      content,
		RunID:        o.deps.IDs.NewID(),
		Done:         true,
		FinishReason: domain.FinishStop,
	}
	if err := o.appendMessage(ctx, h.id, msg); err != nil {
		return err
	}
	c.runID = msg.RunID

	err = o.drive(ctx, op, c, cycleOpts{
		stream:     true,
		toolChoice: h.toolChoice,
		suggest:    o.deps.Options.AutoSuggest,
		title:      o.deps.Options.AutoTitle,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

func (o *Orchestrator) now() time.Time { return o.deps.Clock().UTC() }

// resolve performs the missing-reference checks shared by every cycle.
func (o *Orchestrator) resolve(ctx context.Context, op, id string) (*domain.Conversation, domain.ChatService, error) {
	conv, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, nil, domain.WrapOp(op, err)
	}
	if conv.Model == "" {
		return nil, nil, domain.NewDomainError(op, domain.ErrMissingModel, id)
	}
	svc, err := o.deps.Services.Resolve(conv.Model)
	if err != nil {
		if !errors.Is(err, domain.ErrServiceNotFound) {
			err = domain.NewDomainError(op, domain.ErrServiceNotFound, err.Error())
		}
		return nil, nil, domain.WrapOp(op, err)
	}
	return conv, svc, nil
}

func (o *Orchestrator) appendMessage(ctx context.Context, id string, msg domain.Message) error {
	const op = "Orchestrator.Append"
	if msg.ID == "" {
		msg.ID = o.deps.IDs.NewID()
	}
	if msg.Kind == "" {
		msg.Kind = domain.KindNormal
	}
	now := o.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.ModifiedAt.IsZero() {
		msg.ModifiedAt = now
	}
	if err := msg.Validate(); err != nil {
		return domain.WrapOp(op, err)
	}

	unlock, err := o.deps.Locker.Lock(ctx, id)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	defer unlock()
	if _, err := o.deps.Store.Get(ctx, id); err != nil {
		return domain.WrapOp(op, err)
	}
	if err := o.deps.Store.UpsertMessage(ctx, id, msg); err != nil {
		return domain.WrapOp(op, err)
	}
	o.publish(ctx, domain.EventMessageUpserted, id, domain.MessagePayload{
		MessageID: msg.ID, Role: msg.Role, Done: msg.Done,
	})
	return nil
}

// mutate applies fn to a fresh copy of the conversation under its lock and
// writes the result back.
func (o *Orchestrator) mutate(ctx context.Context, id string, fn func(*domain.Conversation) error) (*domain.Conversation, error) {
	unlock, err := o.deps.Locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(conv); err != nil {
		return nil, err
	}
	conv.ModifiedAt = o.now()
	if err := o.deps.Store.Upsert(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// upsertMessage writes one message under the conversation lock.
func (o *Orchestrator) upsertMessage(ctx context.Context, id string, msg domain.Message) error {
	unlock, err := o.deps.Locker.Lock(ctx, id)
	if err != nil {
		return err
	}
	err = o.deps.Store.UpsertMessage(ctx, id, msg)
	unlock()
	if err != nil {
		return err
	}
	o.publish(ctx, domain.EventMessageUpserted, id, domain.MessagePayload{
		MessageID: msg.ID, Role: msg.Role, Done: msg.Done,
	})
	return nil
}

// setState moves the conversation to state to, enforcing the transition table.
func (o *Orchestrator) setState(ctx context.Context, id string, to domain.GenerationState) error {
	var from domain.GenerationState
	_, err := o.mutate(ctx, id, func(c *domain.Conversation) error {
		from = c.State
		next, err := Transition(c.State, to)
		if err != nil {
			return err
		}
		c.State = next
		return nil
	})
	if err != nil {
		return err
	}
	if from != to {
		o.publish(ctx, domain.EventStateChanged, id, domain.StateChangedPayload{From: from, To: to})
	}
	return nil
}

// publish publishes an event on the bus if one is configured.
func (o *Orchestrator) publish(ctx context.Context, eventType domain.EventType, conversationID string, payload any) {
	if o.deps.Bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	o.deps.Bus.Publish(ctx, domain.Event{
		Type:           eventType,
		Timestamp:      o.now(),
		ConversationID: conversationID,
		Payload:        raw,
	})
}
