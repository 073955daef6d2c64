package main

import (
	"fmt"
	"log/slog"
	"os"

	"chatengine/internal/adapter/store"
	"chatengine/internal/adapter/tool"
	"chatengine/internal/domain"
	"chatengine/internal/infra/config"
)

// initTools builds every tool the configuration supports. Image generation
// is only offered when an image service is configured.
func initTools(cfg config.ToolsConfig, images domain.ImageService, imageModel string,
	mem domain.MemoryProvider, log *slog.Logger,
) (*tool.Registry, domain.AssetWriter, error) {
	assets, err := store.NewFileAssetWriter(cfg.AssetsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("assets: %w", err)
	}

	tools := map[domain.ToolID]domain.Tool{}

	switch cfg.SearchBackend {
	case "searxng":
		backend := tool.NewSearXNGBackend(cfg.SearXNGURL, cfg.SearchTimeout, log)
		tools[domain.ToolWebSearch] = tool.NewWebSearchTool(backend, cfg.SearchCacheTTL, log)
	default:
		return nil, nil, fmt.Errorf("unknown search backend %q", cfg.SearchBackend)
	}

	if images != nil {
		tools[domain.ToolGenerateImage] = tool.NewImageTool(images, assets, imageModel, log)
	} else {
		log.Info("image generation disabled, no image service configured")
	}

	tools[domain.ToolRemember] = tool.NewRememberTool(mem, log)

	switch cfg.CalendarBackend {
	case "mock":
		tools[domain.ToolSearchCalendar] = tool.NewCalendarTool(tool.NewMockCalendarBackend(), log)
	default:
		return nil, nil, fmt.Errorf("unknown calendar backend %q", cfg.CalendarBackend)
	}

	tools[domain.ToolSearchFiles] = tool.NewFilesTool(os.DirFS(cfg.FilesRoot), cfg.FilesMaxResults, log)

	reg, err := tool.NewRegistry(tools, cfg.ToolTimeout, log)
	if err != nil {
		return nil, nil, err
	}
	log.Info("tools registered", "tools", reg.IDs())
	return reg, assets, nil
}
