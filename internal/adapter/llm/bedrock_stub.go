//go:build !bedrock

package llm

import (
	"fmt"
	"log/slog"

	"chatengine/internal/domain"
	"chatengine/internal/infra/config"
)

func newBedrockService(cfg config.ProviderConfig, _ *slog.Logger) (domain.ChatService, error) {
	return nil, fmt.Errorf("provider %q: bedrock support not compiled in (build with -tags bedrock)", cfg.Name)
}
