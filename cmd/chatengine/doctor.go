package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"chatengine/internal/domain"
	"chatengine/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

var doctorClient = &http.Client{Timeout: 10 * time.Second}

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

func runDoctor(cfgPath string, out io.Writer) error {
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Provider credentials", Fn: checkProviderKeys},
		{Name: "Model routes", Fn: checkModelRoutes},
		{Name: "Provider connectivity", Fn: checkProviderConnectivity},
		{Name: "Conversation store", Fn: checkStore},
		{Name: "Memory", Fn: checkMemory},
		{Name: "Assets directory", Fn: checkAssetsDir},
		{Name: "Files root", Fn: checkFilesRoot},
		{Name: "SearXNG", Fn: checkSearXNG},
	}

	fmt.Fprintln(out, "chatengine doctor")
	fmt.Fprintln(out, strings.Repeat("=", 50))

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(out, "  [%s] %s: %s\n", result.Status, result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Fix " + cfgPath + " and run doctor again",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: "loaded " + cfgPath}
	}
}

// checkProviderKeys reports OpenAI-compatible providers without an API key.
// Bedrock providers use the AWS credential chain and are not checked.
func checkProviderKeys(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if len(cfg.LLM.Providers) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no providers configured",
			Fix:     "Add a provider under llm.providers",
		}
	}

	var missing []string
	for _, p := range cfg.LLM.Providers {
		if p.Type == "bedrock" {
			continue
		}
		if p.APIKey == "" && !isLocalURL(p.BaseURL) {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no api_key for: " + strings.Join(missing, ", "),
			Fix:     "Set CHATENGINE_LLM_PROVIDER_<NAME>_API_KEY",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d provider(s) configured", len(cfg.LLM.Providers))}
}

func isLocalURL(u string) bool {
	return strings.Contains(u, "://localhost") || strings.Contains(u, "://127.0.0.1")
}

// checkModelRoutes verifies every route and the default model resolve to a
// configured provider.
func checkModelRoutes(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	names := make([]string, 0, len(cfg.LLM.Providers))
	for _, p := range cfg.LLM.Providers {
		names = append(names, p.Name)
	}

	var bad []string
	for model, provider := range cfg.LLM.Models {
		if !slices.Contains(names, provider) {
			bad = append(bad, fmt.Sprintf("%s -> %s", model, provider))
		}
	}
	slices.Sort(bad)
	if len(bad) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "routes to unknown providers: " + strings.Join(bad, ", "),
			Fix:     "Point llm.models entries at names from llm.providers",
		}
	}
	if cfg.Engine.DefaultModel == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "engine.default_model is empty, new conversations need -model",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d route(s), default model %s", len(cfg.LLM.Models), cfg.Engine.DefaultModel)}
}

// checkProviderConnectivity probes the default provider's models endpoint.
func checkProviderConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	i := slices.IndexFunc(cfg.LLM.Providers, func(p config.ProviderConfig) bool {
		return p.Name == cfg.LLM.DefaultProvider
	})
	if i < 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("default provider %q is not configured", cfg.LLM.DefaultProvider),
		}
	}
	p := cfg.LLM.Providers[i]
	if p.Type == "bedrock" {
		return CheckResult{Status: StatusPass, Message: "bedrock provider, skipped"}
	}

	endpoint := strings.TrimRight(p.BaseURL, "/")
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	endpoint += "/models"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("bad endpoint: %v", err)}
	}
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	start := time.Now()
	resp, err := doctorClient.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check base_url and your network",
		}
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s rejected the credentials (HTTP %d)", p.Name, resp.StatusCode),
			Fix:     "Check the provider api_key",
		}
	case resp.StatusCode >= 400:
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("%s answered HTTP %d", p.Name, resp.StatusCode)}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", p.Name, time.Since(start).Milliseconds()),
	}
}

func checkStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Store.Backend == "memory" {
		return CheckResult{Status: StatusWarn, Message: "in-memory store, conversations are lost on exit"}
	}
	return checkWritableDir(filepath.Dir(cfg.Store.Path), "store: "+cfg.Store.Path)
}

func checkMemory(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Memory.Provider == "noop" {
		return CheckResult{Status: StatusPass, Message: "memory disabled, remember tool reports unavailable"}
	}
	return checkWritableDir(filepath.Dir(cfg.Memory.Path), "memory: "+cfg.Memory.Path)
}

func checkAssetsDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	return checkWritableDir(cfg.Tools.AssetsDir, cfg.Tools.AssetsDir)
}

func checkFilesRoot(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	abs, _ := filepath.Abs(cfg.Tools.FilesRoot)
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s is not a directory, %s will find nothing", abs, domain.ToolSearchFiles),
			Fix:     "Set tools.files_root to an existing directory",
		}
	}
	return CheckResult{Status: StatusPass, Message: "searching " + abs}
}

// checkWritableDir creates dir if needed and verifies a file can be written.
func checkWritableDir(dir, label string) CheckResult {
	abs, _ := filepath.Abs(dir)
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", abs, err),
			Fix:     "mkdir -p " + abs,
		}
	}
	probe := filepath.Join(abs, ".doctor-check")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", abs, err),
			Fix:     "chmod u+w " + abs,
		}
	}
	os.Remove(probe)
	return CheckResult{Status: StatusPass, Message: label}
}

func checkSearXNG(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Tools.SearchBackend != "searxng" {
		return CheckResult{Status: StatusPass, Message: "SearXNG not used"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Tools.SearXNGURL, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("invalid SearXNG URL: %v", err)}
	}
	resp, err := doctorClient.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("SearXNG not reachable at %s: %v", cfg.Tools.SearXNGURL, err),
			Fix:     "Start SearXNG or update tools.searxng_url; web_search will fail until then",
		}
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("SearXNG responded with status %d", resp.StatusCode),
		}
	}
	return CheckResult{Status: StatusPass, Message: "SearXNG reachable at " + cfg.Tools.SearXNGURL}
}
