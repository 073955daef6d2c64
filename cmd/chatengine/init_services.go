package main

import (
	"fmt"
	"log/slog"

	"chatengine/internal/adapter/llm"
	"chatengine/internal/domain"
	"chatengine/internal/infra/config"
)

// ServiceComponents holds the model-facing services.
type ServiceComponents struct {
	Registry *llm.Registry
	Resolver domain.ServiceResolver
	Counter  domain.TokenCounter
}

func initServices(cfg *config.Config, log *slog.Logger) (*ServiceComponents, error) {
	reg, err := llm.BuildRegistry(cfg.LLM, log)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}

	// BPE ranks are only loaded when a token budget is set.
	var counter domain.TokenCounter = llm.NewApproxCounter()
	if enc := cfg.Engine.History.Encoding; cfg.Engine.History.MaxTokens > 0 {
		if tc, err := llm.NewTiktokenCounter(enc); err != nil {
			log.Warn("tiktoken unavailable, using approximate token counts", "encoding", enc, "error", err)
		} else {
			counter = tc
		}
	}

	log.Info("model services ready",
		"services", reg.Names(),
		"default", cfg.LLM.DefaultProvider,
		"image", reg.ImageService() != nil,
		"speech", reg.SpeechService() != nil,
	)
	return &ServiceComponents{
		Registry: reg,
		Resolver: llm.NewModelRouter(cfg.LLM.Models, reg, cfg.LLM.DefaultProvider),
		Counter:  counter,
	}, nil
}
