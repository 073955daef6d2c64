package config

import (
	"fmt"
	"net/url"
	"strings"

	"chatengine/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// Unwrap lets callers match ErrConfigLoad.
func (v *ValidationError) Unwrap() error { return domain.ErrConfigLoad }

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateEngine(cfg, ve)
	validateLLM(cfg, ve)
	validateTools(cfg, ve)
	validateStore(cfg, ve)
	validateMemory(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateEngine(cfg *Config, ve *ValidationError) {
	e := cfg.Engine
	if e.MaxToolRounds <= 0 {
		ve.Add("engine.max_tool_rounds must be > 0")
	}
	if e.CycleTimeout < 0 {
		ve.Add("engine.cycle_timeout must be >= 0")
	}
	if e.History.MaxMessages < 0 {
		ve.Add("engine.history.max_messages must be >= 0")
	}
	if e.History.MaxTokens < 0 {
		ve.Add("engine.history.max_tokens must be >= 0")
	}
	if e.History.MaxTokens > 0 && e.History.Encoding == "" {
		ve.Add("engine.history.encoding is required when max_tokens is set")
	}
	if e.Retry.Enabled {
		if e.Retry.MaxAttempts <= 0 {
			ve.Add("engine.retry.max_attempts must be > 0 when retry is enabled")
		}
		if e.Retry.BaseDelay <= 0 || e.Retry.MaxDelay < e.Retry.BaseDelay {
			ve.Add("engine.retry delays must satisfy 0 < base_delay <= max_delay")
		}
	}
	for i, name := range e.DefaultTools {
		if _, err := domain.ParseToolID(name); err != nil {
			ve.Add("engine.default_tools[%d]: unknown tool %q", i, name)
		}
	}
}

var validProviderTypes = map[string]bool{
	"":        true, // openai
	"openai":  true,
	"bedrock": true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}
	if len(cfg.LLM.Providers) == 0 {
		return
	}

	seen := make(map[string]bool)
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, bedrock)", i, p.Type)
		}
		if p.Type == "bedrock" {
			if p.Region == "" {
				ve.Add("llm.providers[%d] (%s): region is required for bedrock provider", i, p.Name)
			}
		} else if p.APIKey == "" && !isLocalURL(p.BaseURL) {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via CHATENGINE_LLM_PROVIDER_%s_API_KEY)",
				i, p.Name, envName(p.Name))
		}
		if p.RequestsPerMinute < 0 {
			ve.Add("llm.providers[%d] (%s): requests_per_minute must be >= 0", i, p.Name)
		}
	}

	ref := func(field, name string) {
		if name != "" && !seen[name] {
			ve.Add("%s %q does not match any configured provider", field, name)
		}
	}
	ref("llm.default_provider", cfg.LLM.DefaultProvider)
	ref("llm.image_provider", cfg.LLM.ImageProvider)
	ref("llm.speech_provider", cfg.LLM.SpeechProvider)
	for model, name := range cfg.LLM.Models {
		ref(fmt.Sprintf("llm.models[%s]", model), name)
	}
	if cfg.LLM.Failover.Enabled {
		for i, name := range cfg.LLM.Failover.Fallbacks {
			ref(fmt.Sprintf("llm.failover.fallbacks[%d]", i), name)
		}
	}
}

// isLocalURL reports whether base points at a loopback server, which is
// usually an unauthenticated local model runner.
func isLocalURL(base string) bool {
	u, err := url.Parse(base)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func validateTools(cfg *Config, ve *ValidationError) {
	t := cfg.Tools
	if t.SearchBackend != "searxng" {
		ve.Add("tools.search_backend %q is invalid (want: searxng)", t.SearchBackend)
	}
	if t.SearchBackend == "searxng" {
		if u, err := url.Parse(t.SearXNGURL); err != nil || u.Scheme == "" || u.Host == "" {
			ve.Add("tools.searxng_url %q is not an absolute URL", t.SearXNGURL)
		}
	}
	if t.SearchCacheTTL < 0 {
		ve.Add("tools.search_cache_ttl must be >= 0")
	}
	if t.FilesRoot == "" {
		ve.Add("tools.files_root must not be empty")
	}
	if t.FilesMaxResults <= 0 {
		ve.Add("tools.files_max_results must be > 0")
	}
	if t.CalendarBackend != "mock" {
		ve.Add("tools.calendar_backend %q is invalid (want: mock)", t.CalendarBackend)
	}
	if t.AssetsDir == "" {
		ve.Add("tools.assets_dir must not be empty")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	switch cfg.Store.Backend {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			ve.Add("store.path is required when backend is sqlite")
		}
	default:
		ve.Add("store.backend %q is invalid (want: memory, sqlite)", cfg.Store.Backend)
	}
}

func validateMemory(cfg *Config, ve *ValidationError) {
	switch cfg.Memory.Provider {
	case "noop":
	case "sqlite":
		if cfg.Memory.Path == "" {
			ve.Add("memory.path is required when provider is sqlite")
		}
	default:
		ve.Add("memory.provider %q is invalid (want: noop, sqlite)", cfg.Memory.Provider)
	}
	if cfg.Memory.CacheTTL < 0 {
		ve.Add("memory.cache_ttl must be >= 0")
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if f := cfg.Logger.Format; f != "text" && f != "json" {
		ve.Add("logger.format %q is invalid (want: text, json)", f)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop":
	case "file":
		if cfg.Tracer.Endpoint == "" {
			ve.Add("tracer.endpoint is required for the file exporter")
		}
	default:
		ve.Add("tracer.exporter %q is invalid (want: stdout, file, noop)", cfg.Tracer.Exporter)
	}
}
