package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatengine/internal/domain"
	"chatengine/internal/infra/config"
	"chatengine/internal/infra/logger"
	"chatengine/internal/infra/tracer"
	"chatengine/internal/usecase"
	"chatengine/internal/usecase/eventbus"
)

// App holds the wired engine and everything that must be closed with it.
type App struct {
	Config       *config.Config
	Log          *slog.Logger
	Store        domain.ConversationStore
	Bus          *eventbus.Bus
	Orchestrator *usecase.Orchestrator

	closers []func() error
}

// newApp wires config into a ready orchestrator. Call Close when done.
func newApp(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	app := &App{Config: cfg}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	app.Log = log
	app.closers = append(app.closers, logCloser)

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	app.closers = append(app.closers, func() error { return tracerShutdown(context.Background()) })

	services, err := initServices(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}

	st, storeCloser, err := initStore(cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	app.Store = st
	app.addCloser(storeCloser)

	mem, memCloser, err := initMemory(cfg.Memory, log)
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	app.addCloser(memCloser)

	tools, assets, err := initTools(cfg.Tools, services.Registry.ImageService(), cfg.LLM.ImageModel, mem, log)
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}

	app.Bus = eventbus.New(log, 0)
	app.closers = append(app.closers, func() error { app.Bus.Close(); return nil })

	var classifier *usecase.ErrorClassifier
	retry := usecase.RetryPolicy{MaxAttempts: 1}
	if cfg.Engine.Retry.Enabled {
		classifier = usecase.NewErrorClassifier()
		retry = usecase.RetryPolicy{
			MaxAttempts: cfg.Engine.Retry.MaxAttempts,
			BaseDelay:   cfg.Engine.Retry.BaseDelay,
			MaxDelay:    cfg.Engine.Retry.MaxDelay,
		}
	}

	app.Orchestrator = usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Store:        st,
		Services:     services.Resolver,
		Tools:        tools,
		Bus:          app.Bus,
		Logger:       log,
		Classifier:   classifier,
		TokenCounter: services.Counter,
		Speech:       services.Registry.SpeechService(),
		Assets:       assets,
		Options: usecase.OrchestratorOptions{
			MaxToolRounds: cfg.Engine.MaxToolRounds,
			Retry:         retry,
			History: usecase.HistoryOptions{
				MaxMessages: cfg.Engine.History.MaxMessages,
				MaxTokens:   cfg.Engine.History.MaxTokens,
			},
			AutoSuggest: cfg.Engine.AutoSuggest,
			AutoTitle:   cfg.Engine.AutoTitle,
			SpeechModel: cfg.Engine.SpeechModel,
			SpeechVoice: cfg.Engine.SpeechVoice,
		},
	})
	app.closers = append(app.closers, func() error { app.Orchestrator.Shutdown(); return nil })
	return app, nil
}

func (a *App) addCloser(fn func() error) {
	if fn != nil {
		a.closers = append(a.closers, fn)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// newConversation creates a conversation with the configured defaults,
// overridden by a non-empty model or tool list.
func (a *App) newConversation(ctx context.Context, model string, tools []string) (*domain.Conversation, error) {
	if model == "" {
		model = a.Config.Engine.DefaultModel
	}
	if tools == nil {
		tools = a.Config.Engine.DefaultTools
	}
	conv := domain.Conversation{
		Model:        model,
		Instructions: a.Config.Engine.DefaultInstructions,
	}
	for _, name := range tools {
		id, err := domain.ParseToolID(name)
		if err != nil {
			return nil, err
		}
		conv.EnableTools(id)
	}
	return a.Orchestrator.Create(ctx, conv)
}

// cycleContext bounds one generation cycle by engine.cycle_timeout.
func (a *App) cycleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.Config.Engine.CycleTimeout > 0 {
		return context.WithTimeout(ctx, a.Config.Engine.CycleTimeout)
	}
	return context.WithCancel(ctx)
}
