package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"chatengine/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Engine   EngineConfig `yaml:"engine"`
	LLM      LLMConfig    `yaml:"llm"`
	Tools    ToolsConfig  `yaml:"tools"`
	Store    StoreConfig  `yaml:"store"`
	Memory   MemoryConfig `yaml:"memory"`
	Logger   LoggerConfig `yaml:"logger"`
	Tracer   TracerConfig `yaml:"tracer"`
	Includes []string     `yaml:"includes,omitempty"`
}

// EngineConfig tunes generation cycles and the defaults of new conversations.
type EngineConfig struct {
	DefaultModel        string        `yaml:"default_model"`
	DefaultInstructions string        `yaml:"default_instructions"`
	DefaultTools        []string      `yaml:"default_tools"`
	MaxToolRounds       int           `yaml:"max_tool_rounds"`
	CycleTimeout        time.Duration `yaml:"cycle_timeout"` // 0 = none
	AutoSuggest         bool          `yaml:"auto_suggest"`
	AutoTitle           bool          `yaml:"auto_title"`
	History             HistoryConfig `yaml:"history"`
	Retry               RetryConfig   `yaml:"retry"`
	SpeechModel         string        `yaml:"speech_model"`
	SpeechVoice         string        `yaml:"speech_voice"`
}

// HistoryConfig bounds the history sent with each request.
type HistoryConfig struct {
	MaxMessages int    `yaml:"max_messages"` // 0 = unlimited
	MaxTokens   int    `yaml:"max_tokens"`   // 0 = unlimited
	Encoding    string `yaml:"encoding"`     // tiktoken encoding used for counting
}

// RetryConfig controls retries of failed completion requests.
type RetryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// FailoverConfig lists providers tried after the primary fails.
type FailoverConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Fallbacks []string `yaml:"fallbacks"`
}

// LLMConfig holds model service settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	Models          map[string]string    `yaml:"models,omitempty"` // model id -> provider name
	Failover        FailoverConfig       `yaml:"failover"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	ImageProvider   string               `yaml:"image_provider"`
	ImageModel      string               `yaml:"image_model"`
	SpeechProvider  string               `yaml:"speech_provider"`
}

// CircuitBreakerConfig holds circuit breaker settings for model services.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single model provider.
type ProviderConfig struct {
	Name              string        `yaml:"name"`
	Type              string        `yaml:"type"` // "openai" (default) or "bedrock"
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	Region            string        `yaml:"region,omitempty"`
	ConnTimeout       time.Duration `yaml:"conn_timeout"`
	RespTimeout       time.Duration `yaml:"resp_timeout"`
	Pool              PoolConfig    `yaml:"pool"`
	RequestsPerMinute int           `yaml:"requests_per_minute"` // 0 = unlimited
}

// ToolsConfig holds settings for the built-in tools.
type ToolsConfig struct {
	SearchBackend   string        `yaml:"search_backend"`
	SearXNGURL      string        `yaml:"searxng_url"`
	SearchCacheTTL  time.Duration `yaml:"search_cache_ttl"`
	SearchTimeout   time.Duration `yaml:"search_timeout"`
	FilesRoot       string        `yaml:"files_root"`
	FilesMaxResults int           `yaml:"files_max_results"`
	CalendarBackend string        `yaml:"calendar_backend"`
	AssetsDir       string        `yaml:"assets_dir"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
}

// StoreConfig selects where conversations are kept.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "memory" or "sqlite"
	Path    string `yaml:"path"`
}

// MemoryConfig selects the long-term memory provider used by the remember tool.
type MemoryConfig struct {
	Provider string        `yaml:"provider"` // "noop" or "sqlite"
	Path     string        `yaml:"path"`
	CacheTTL time.Duration `yaml:"cache_ttl"` // 0 = no query cache
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, file, noop
	Endpoint string `yaml:"endpoint"` // span file for the file exporter
}

// defaultDataDir returns $HOME/.chatengine, or ./data when $HOME is unknown.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".chatengine")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Engine: EngineConfig{
			DefaultInstructions: "You are a helpful assistant.",
			MaxToolRounds:       5,
			AutoSuggest:         true,
			AutoTitle:           true,
			History: HistoryConfig{
				MaxMessages: 100,
				MaxTokens:   0,
				Encoding:    "cl100k_base",
			},
			Retry: RetryConfig{
				Enabled:     true,
				MaxAttempts: 3,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    10 * time.Second,
			},
			SpeechModel: "tts-1",
			SpeechVoice: "alloy",
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			ImageModel:      "dall-e-3",
		},
		Tools: ToolsConfig{
			SearchBackend:   "searxng",
			SearXNGURL:      "http://localhost:6060",
			SearchCacheTTL:  15 * time.Minute,
			SearchTimeout:   15 * time.Second,
			FilesRoot:       ".",
			FilesMaxResults: 50,
			CalendarBackend: "mock",
			AssetsDir:       filepath.Join(dataDir, "assets"),
			ToolTimeout:     60 * time.Second,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    filepath.Join(dataDir, "conversations.db"),
		},
		Memory: MemoryConfig{
			Provider: "noop",
			Path:     filepath.Join(dataDir, "memory.db"),
			CacheTTL: 5 * time.Minute,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
		}
		data = nil
	}

	if data != nil {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, "parse: "+err.Error())
		}
		if len(cfg.Includes) > 0 {
			if err := applyIncludes(cfg, absPath); err != nil {
				return nil, err
			}
			// The main file takes precedence over anything it includes.
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, "parse: "+err.Error())
			}
			cfg.Includes = nil
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("CHATENGINE_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CHATENGINE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("CHATENGINE_ENGINE_DEFAULT_MODEL", &cfg.Engine.DefaultModel)
	setString("CHATENGINE_ENGINE_DEFAULT_INSTRUCTIONS", &cfg.Engine.DefaultInstructions)
	if v := os.Getenv("CHATENGINE_ENGINE_DEFAULT_TOOLS"); v != "" {
		cfg.Engine.DefaultTools = splitAndTrim(v, ",")
	}
	if v := os.Getenv("CHATENGINE_ENGINE_MAX_TOOL_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxToolRounds = n
		}
	}
	setBool("CHATENGINE_ENGINE_AUTO_SUGGEST", &cfg.Engine.AutoSuggest)
	setBool("CHATENGINE_ENGINE_AUTO_TITLE", &cfg.Engine.AutoTitle)

	setString("CHATENGINE_LLM_DEFAULT_PROVIDER", &cfg.LLM.DefaultProvider)
	setBool("CHATENGINE_LLM_CIRCUIT_BREAKER_ENABLED", &cfg.LLM.CircuitBreaker.Enabled)

	setString("CHATENGINE_TOOLS_SEARXNG_URL", &cfg.Tools.SearXNGURL)
	setString("CHATENGINE_TOOLS_FILES_ROOT", &cfg.Tools.FilesRoot)
	setString("CHATENGINE_TOOLS_ASSETS_DIR", &cfg.Tools.AssetsDir)

	setString("CHATENGINE_STORE_BACKEND", &cfg.Store.Backend)
	setString("CHATENGINE_STORE_PATH", &cfg.Store.Path)
	setString("CHATENGINE_MEMORY_PROVIDER", &cfg.Memory.Provider)
	setString("CHATENGINE_MEMORY_PATH", &cfg.Memory.Path)

	setString("CHATENGINE_LOGGER_LEVEL", &cfg.Logger.Level)
	setString("CHATENGINE_LOGGER_FORMAT", &cfg.Logger.Format)
	setBool("CHATENGINE_TRACER_ENABLED", &cfg.Tracer.Enabled)
	setString("CHATENGINE_TRACER_EXPORTER", &cfg.Tracer.Exporter)
	setString("CHATENGINE_TRACER_ENDPOINT", &cfg.Tracer.Endpoint)

	// Per-provider API key overrides: CHATENGINE_LLM_PROVIDER_<NAME>_API_KEY
	for i := range cfg.LLM.Providers {
		envKey := fmt.Sprintf("CHATENGINE_LLM_PROVIDER_%s_API_KEY", envName(cfg.LLM.Providers[i].Name))
		setString(envKey, &cfg.LLM.Providers[i].APIKey)
	}
}

// envName upper-cases name and replaces characters not allowed in env keys.
func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets replaces "enc:..." API keys with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		key := cfg.LLM.Providers[i].APIKey
		rest, ok := strings.CutPrefix(key, "enc:")
		if !ok {
			continue
		}
		decrypted, err := DecryptValue(rest, passphrase)
		if err != nil {
			return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Providers[i].Name, err)
		}
		cfg.LLM.Providers[i].APIKey = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, "invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, "decode salt: "+err.Error())
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, "decode ciphertext: "+err.Error())
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, "ciphertext too short")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, err.Error())
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return domain.NewDomainError("config.Load", domain.ErrConfigLoad,
			fmt.Sprintf("%s has insecure permissions %o (want 0600 or 0644)", path, mode))
	}
	return nil
}
