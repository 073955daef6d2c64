package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"chatengine/internal/domain"
	"chatengine/internal/infra/tracer"
)

const (
	defaultFilesMaxResults = 50
	maxGrepFileSize        = 1 << 20
	maxSnippetLength       = 200
)

// FileMatch is one search_files hit. Line is zero for name-only matches.
type FileMatch struct {
	Path    string `json:"path"`
	Line    int    `json:"line,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// FilesTool searches file names and contents below a root directory.
// Paths are always relative to the root; nothing outside it is reachable.
type FilesTool struct {
	root       fs.FS
	maxResults int
	logger     *slog.Logger
}

// NewFilesTool creates the search_files tool over root, typically
// os.DirFS of the configured directory.
func NewFilesTool(root fs.FS, maxResults int, logger *slog.Logger) *FilesTool {
	if maxResults <= 0 {
		maxResults = defaultFilesMaxResults
	}
	return &FilesTool{root: root, maxResults: maxResults, logger: logger}
}

func (t *FilesTool) ID() domain.ToolID { return domain.ToolSearchFiles }
func (t *FilesTool) Description() string {
	return "Search the user's files by name pattern and contents"
}

func (t *FilesTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        string(t.ID()),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "Glob matched against file names, e.g. *.md (default: *)"},
				"contains": {"type": "string", "description": "Case-insensitive text the file must contain"},
				"path": {"type": "string", "description": "Subdirectory to search, relative to the root"}
			}
		}`),
	}
}

type filesParams struct {
	Pattern  string `json:"pattern,omitempty"`
	Contains string `json:"contains,omitempty"`
	Path     string `json:"path,omitempty"`
}

func (t *FilesTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.search_files", t.logger, params,
		func(ctx context.Context, span trace.Span, p filesParams) (any, error) {
			dir, err := cleanSearchPath(p.Path)
			if err != nil {
				return nil, err
			}
			pattern := p.Pattern
			if pattern == "" {
				pattern = "*"
			}
			if _, err := path.Match(pattern, ""); err != nil {
				return nil, fmt.Errorf("%w: invalid pattern %q", domain.ErrInvalidInput, pattern)
			}
			if p.Pattern == "" && p.Contains == "" {
				return nil, fmt.Errorf("%w: give a 'pattern' or 'contains'", domain.ErrInvalidInput)
			}
			span.SetAttributes(tracer.StringAttr("tool.path", dir))

			matches, truncated, err := t.search(ctx, dir, pattern, strings.ToLower(p.Contains))
			if err != nil {
				return nil, err
			}
			t.logger.Debug("file search completed", "path", dir, "matches", len(matches))

			if len(matches) == 0 {
				return "No matching files.", nil
			}
			return formatFileMatches(matches, truncated), nil
		},
	)
}

// cleanSearchPath turns a model-supplied directory into a path valid for
// fs.FS, rejecting anything that leaves the root.
func cleanSearchPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return ".", nil
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return "", domain.NewDomainError("FilesTool", domain.ErrPathEscape, p)
	}
	cleaned := path.Clean(strings.ReplaceAll(p, `\`, "/"))
	if !fs.ValidPath(cleaned) {
		return "", domain.NewDomainError("FilesTool", domain.ErrPathEscape, p)
	}
	return cleaned, nil
}

func (t *FilesTool) search(ctx context.Context, dir, pattern, contains string) ([]FileMatch, bool, error) {
	var matches []FileMatch
	truncated := false

	err := fs.WalkDir(t.root, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if ok, _ := path.Match(pattern, d.Name()); !ok {
			return nil
		}

		m := FileMatch{Path: p}
		if contains != "" {
			var ok bool
			if m, ok = t.grep(p, d, contains); !ok {
				return nil
			}
		}
		if len(matches) >= t.maxResults {
			truncated = true
			return fs.SkipAll
		}
		matches = append(matches, m)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, fmt.Errorf("%w: directory %q does not exist", domain.ErrInvalidInput, dir)
		}
		return nil, false, err
	}
	return matches, truncated, nil
}

// grep returns the first line of file p containing text. Large and binary
// files are skipped.
func (t *FilesTool) grep(p string, d fs.DirEntry, text string) (FileMatch, bool) {
	info, err := d.Info()
	if err != nil || info.Size() > maxGrepFileSize {
		return FileMatch{}, false
	}
	data, err := fs.ReadFile(t.root, p)
	if err != nil || isBinary(data) {
		return FileMatch{}, false
	}
	for i, line := range strings.Split(string(data), "\n") {
		if strings.Contains(strings.ToLower(line), text) {
			return FileMatch{Path: p, Line: i + 1, Snippet: snippet(line)}, true
		}
	}
	return FileMatch{}, false
}

func isBinary(data []byte) bool {
	head := data[:min(len(data), 512)]
	return strings.IndexByte(string(head), 0) >= 0
}

func snippet(line string) string {
	runes := []rune(strings.TrimSpace(line))
	if len(runes) <= maxSnippetLength {
		return string(runes)
	}
	return string(runes[:maxSnippetLength]) + "…"
}

func formatFileMatches(matches []FileMatch, truncated bool) string {
	var sb strings.Builder
	for _, m := range matches {
		if m.Line > 0 {
			fmt.Fprintf(&sb, "%s:%d: %s\n", m.Path, m.Line, m.Snippet)
		} else {
			fmt.Fprintf(&sb, "%s\n", m.Path)
		}
	}
	if truncated {
		fmt.Fprintf(&sb, "(results truncated at %d)\n", len(matches))
	}
	return sb.String()
}
