package binding

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const schema = `CREATE TABLE IF NOT EXISTS ragflow (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id  TEXT NOT NULL UNIQUE,
	chat_id    TEXT,
	session_id TEXT,
	create_at  TEXT NOT NULL,
	update_at  TEXT NOT NULL
)`

// SQLiteStore keeps bindings in the `ragflow` table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the table if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create ragflow table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, threadID string) (Binding, error) {
	var (
		b         Binding
		chatID    sql.NullString
		sessionID sql.NullString
		createAt  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, chat_id, session_id, create_at FROM ragflow WHERE thread_id = ?`,
		threadID).Scan(&b.ThreadID, &chatID, &sessionID, &createAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Binding{}, ErrNotFound
	}
	if err != nil {
		return Binding{}, fmt.Errorf("query binding: %w", err)
	}
	b.ChatID = chatID.String
	b.SessionID = sessionID.String
	if t, err := time.Parse(time.RFC3339Nano, createAt); err == nil {
		b.CreatedAt = t
	}
	return b, nil
}

func (s *SQLiteStore) Put(ctx context.Context, b Binding) (Binding, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	ts := b.CreatedAt.UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ragflow (thread_id, chat_id, session_id, create_at, update_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id) DO NOTHING`,
		b.ThreadID, b.ChatID, b.SessionID, ts, ts)
	if err != nil {
		return Binding{}, fmt.Errorf("insert binding: %w", err)
	}
	return s.Get(ctx, b.ThreadID)
}
