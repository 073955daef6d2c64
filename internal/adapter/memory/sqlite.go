package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chatengine/internal/domain"
)

// SQLiteMemory keeps remembered facts in a SQLite table and matches queries
// by keyword.
type SQLiteMemory struct {
	db *sql.DB
}

// NewSQLiteMemory opens (or creates) the memory database at dbPath.
func NewSQLiteMemory(dbPath string) (*SQLiteMemory, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id         TEXT PRIMARY KEY,
			content    TEXT NOT NULL,
			tags       TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory db: %w", err)
	}
	return &SQLiteMemory{db: db}, nil
}

// Close closes the underlying database.
func (m *SQLiteMemory) Close() error { return m.db.Close() }

func (m *SQLiteMemory) Store(ctx context.Context, e domain.MemoryEntry) error {
	if e.ID == "" || strings.TrimSpace(e.Content) == "" {
		return domain.NewDomainError("SQLiteMemory.Store", domain.ErrInvalidInput, "entry needs id and content")
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO memories (id, content, tags, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, tags = excluded.tags`,
		e.ID, e.Content, string(tagsJSON), e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.NewDomainError("SQLiteMemory.Store", domain.ErrMemoryStore, err.Error())
	}
	return nil
}

// Query ranks entries by how many query words appear in their content or
// tags, newest first among ties. An empty query returns the newest entries.
func (m *SQLiteMemory) Query(ctx context.Context, query string, limit int) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	terms := strings.Fields(strings.ToLower(query))
	var (
		score strings.Builder
		args  []any
	)
	score.WriteString("0")
	for _, term := range terms {
		score.WriteString(" + ((content || ' ' || tags) LIKE ? ESCAPE '\\')")
		args = append(args, "%"+escapeLike(term)+"%")
	}
	q := fmt.Sprintf(`
		SELECT id, content, tags, created_at FROM (
			SELECT *, (%s) AS score FROM memories
		)
		WHERE score > 0 OR ? = 0
		ORDER BY score DESC, created_at DESC
		LIMIT ?`, score.String())
	args = append(args, len(terms), limit)

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, domain.NewDomainError("SQLiteMemory.Query", domain.ErrMemoryStore, err.Error())
	}
	defer rows.Close()

	var out []domain.MemoryEntry
	for rows.Next() {
		var e domain.MemoryEntry
		var tags, created string
		if err := rows.Scan(&e.ID, &e.Content, &tags, &created); err != nil {
			return nil, domain.NewDomainError("SQLiteMemory.Query", domain.ErrMemoryStore, err.Error())
		}
		_ = json.Unmarshal([]byte(tags), &e.Tags)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDomainError("SQLiteMemory.Query", domain.ErrMemoryStore, err.Error())
	}
	return out, nil
}

func (m *SQLiteMemory) Delete(ctx context.Context, id string) error {
	res, err := m.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return domain.NewDomainError("SQLiteMemory.Delete", domain.ErrMemoryStore, err.Error())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("SQLiteMemory.Delete", domain.ErrMemoryStore, "no entry "+id)
	}
	return nil
}

func (m *SQLiteMemory) Name() string { return "sqlite" }

func (m *SQLiteMemory) IsAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return m.db.PingContext(ctx) == nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

var _ domain.MemoryProvider = (*SQLiteMemory)(nil)
