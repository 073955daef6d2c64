package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"chatengine/internal/adapter/memory"
	"chatengine/internal/adapter/store"
	"chatengine/internal/domain"
	"chatengine/internal/infra/config"
)

// initStore opens the conversation store. The returned closer may be nil.
func initStore(cfg config.StoreConfig, log *slog.Logger) (domain.ConversationStore, func() error, error) {
	switch cfg.Backend {
	case "memory":
		log.Info("conversation store", "backend", "memory")
		return store.NewMemoryStore(), nil, nil
	case "sqlite":
		if err := ensureParent(cfg.Path); err != nil {
			return nil, nil, err
		}
		s, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		log.Info("conversation store", "backend", "sqlite", "path", cfg.Path)
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// initMemory opens the long-term memory provider. The returned closer may be nil.
func initMemory(cfg config.MemoryConfig, log *slog.Logger) (domain.MemoryProvider, func() error, error) {
	switch cfg.Provider {
	case "noop", "":
		return memory.NewNoopMemory(), nil, nil
	case "sqlite":
		if err := ensureParent(cfg.Path); err != nil {
			return nil, nil, err
		}
		m, err := memory.NewSQLiteMemory(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		log.Info("memory provider", "provider", "sqlite", "path", cfg.Path, "cache_ttl", cfg.CacheTTL)
		return memory.NewCachedMemory(m, cfg.CacheTTL), m.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown memory provider %q", cfg.Provider)
	}
}

func ensureParent(path string) error {
	if path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}
