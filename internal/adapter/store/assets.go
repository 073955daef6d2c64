package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chatengine/internal/domain"
)

// FileAssetWriter writes generated assets into a single directory.
type FileAssetWriter struct {
	dir string
}

// NewFileAssetWriter creates dir if needed.
func NewFileAssetWriter(dir string) (*FileAssetWriter, error) {
	if dir == "" {
		return nil, domain.NewDomainError("NewFileAssetWriter", domain.ErrInvalidInput, "asset directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create asset dir: %w", err)
	}
	return &FileAssetWriter{dir: dir}, nil
}

// WriteAsset stores data under name and returns the absolute path.
// Names must be plain file names.
func (w *FileAssetWriter) WriteAsset(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", domain.NewDomainError("FileAssetWriter.WriteAsset", domain.ErrPathEscape, name)
	}

	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", domain.NewDomainError("FileAssetWriter.WriteAsset", domain.ErrStore, err.Error())
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

var _ domain.AssetWriter = (*FileAssetWriter)(nil)
