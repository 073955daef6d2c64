package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"chatengine/internal/domain"
)

// SQLiteStore persists conversations in SQLite. Conversation metadata and
// messages live in separate tables; messages keep their timeline position.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates it.
// Use ":memory:" for a throwaway database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open conversation db: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:"
	// databases are per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate conversation db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id           TEXT PRIMARY KEY,
			title        TEXT NOT NULL DEFAULT '',
			subtitle     TEXT NOT NULL DEFAULT '',
			instructions TEXT NOT NULL DEFAULT '',
			model        TEXT NOT NULL DEFAULT '',
			tools        TEXT NOT NULL DEFAULT '[]',
			suggestions  TEXT NOT NULL DEFAULT '[]',
			state        TEXT NOT NULL DEFAULT 'idle',
			error        TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			modified_at  TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT NOT NULL,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			seq             INTEGER NOT NULL,
			data            TEXT NOT NULL,
			PRIMARY KEY (conversation_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_seq ON messages(conversation_id, seq);
	`)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, subtitle, instructions, model, tools, suggestions, state, error, created_at, modified_at
		FROM conversations WHERE id = ?`, id)

	var c domain.Conversation
	var tools, suggestions, state, created, modified string
	err := row.Scan(&c.ID, &c.Title, &c.Subtitle, &c.Instructions, &c.Model,
		&tools, &suggestions, &state, &c.Error, &created, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLiteStore.Get", domain.ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, storeErr("SQLiteStore.Get", err)
	}
	c.State = domain.GenerationState(state)
	if err := json.Unmarshal([]byte(tools), &c.Tools); err != nil {
		return nil, storeErr("SQLiteStore.Get", fmt.Errorf("unmarshal tools: %w", err))
	}
	if err := json.Unmarshal([]byte(suggestions), &c.Suggestions); err != nil {
		return nil, storeErr("SQLiteStore.Get", fmt.Errorf("unmarshal suggestions: %w", err))
	}
	c.CreatedAt = parseTime(created)
	c.ModifiedAt = parseTime(modified)

	msgs, err := s.messages(ctx, id)
	if err != nil {
		return nil, storeErr("SQLiteStore.Get", err)
	}
	c.Messages = msgs
	return &c, nil
}

func (s *SQLiteStore) messages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM messages WHERE conversation_id = ? ORDER BY seq", conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []domain.Message{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m domain.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Upsert writes conv and replaces its whole timeline.
func (s *SQLiteStore) Upsert(ctx context.Context, conv *domain.Conversation) error {
	if conv == nil || conv.ID == "" {
		return domain.NewDomainError("SQLiteStore.Upsert", domain.ErrInvalidInput, "conversation without id")
	}
	tools, err := json.Marshal(nonNil(conv.Tools))
	if err != nil {
		return fmt.Errorf("marshal tools: %w", err)
	}
	suggestions, err := json.Marshal(nonNil(conv.Suggestions))
	if err != nil {
		return fmt.Errorf("marshal suggestions: %w", err)
	}

	return s.inTx(ctx, "SQLiteStore.Upsert", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, title, subtitle, instructions, model, tools, suggestions, state, error, created_at, modified_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				subtitle = excluded.subtitle,
				instructions = excluded.instructions,
				model = excluded.model,
				tools = excluded.tools,
				suggestions = excluded.suggestions,
				state = excluded.state,
				error = excluded.error,
				created_at = excluded.created_at,
				modified_at = excluded.modified_at`,
			conv.ID, conv.Title, conv.Subtitle, conv.Instructions, conv.Model,
			string(tools), string(suggestions), string(conv.State), conv.Error,
			formatTime(conv.CreatedAt), formatTime(conv.ModifiedAt),
		)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conv.ID); err != nil {
			return err
		}
		for i, m := range conv.Messages {
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal message %s: %w", m.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO messages (id, conversation_id, seq, data) VALUES (?, ?, ?, ?)",
				m.ID, conv.ID, i, string(data),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) UpsertMessage(ctx context.Context, conversationID string, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}

	return s.inTx(ctx, "SQLiteStore.UpsertMessage", func(tx *sql.Tx) error {
		var modified string
		err := tx.QueryRowContext(ctx, "SELECT modified_at FROM conversations WHERE id = ?", conversationID).Scan(&modified)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NewDomainError("SQLiteStore.UpsertMessage", domain.ErrConversationNotFound, conversationID)
		}
		if err != nil {
			return err
		}

		// A replaced message keeps its position in the timeline.
		res, err := tx.ExecContext(ctx,
			"UPDATE messages SET data = ? WHERE conversation_id = ? AND id = ?",
			string(data), conversationID, msg.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages (id, conversation_id, seq, data)
				VALUES (?, ?, (SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE conversation_id = ?), ?)`,
				msg.ID, conversationID, conversationID, string(data),
			); err != nil {
				return err
			}
		}

		if msg.ModifiedAt.After(parseTime(modified)) {
			if _, err := tx.ExecContext(ctx,
				"UPDATE conversations SET modified_at = ? WHERE id = ?",
				formatTime(msg.ModifiedAt), conversationID,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return storeErr("SQLiteStore.Delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("SQLiteStore.Delete", domain.ErrConversationNotFound, id)
	}
	return nil
}

// List returns summaries, most recently modified first.
func (s *SQLiteStore) List(ctx context.Context) ([]domain.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.model, c.state, c.modified_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c`)
	if err != nil {
		return nil, storeErr("SQLiteStore.List", err)
	}
	defer rows.Close()

	out := []domain.ConversationSummary{}
	for rows.Next() {
		var sum domain.ConversationSummary
		var state, modified string
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Model, &state, &modified, &sum.MessageCount); err != nil {
			return nil, storeErr("SQLiteStore.List", err)
		}
		sum.State = domain.GenerationState(state)
		sum.ModifiedAt = parseTime(modified)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("SQLiteStore.List", err)
	}
	sortSummaries(out)
	return out, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		var de *domain.DomainError
		if errors.As(err, &de) {
			return err
		}
		return storeErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op, err)
	}
	return nil
}

func storeErr(op string, err error) error {
	return domain.NewDomainError(op, domain.ErrStore, err.Error())
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

var _ domain.ConversationStore = (*SQLiteStore)(nil)
