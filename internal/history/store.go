// Package history persists finished relay turns and serves them back per thread.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

const schema = `CREATE TABLE IF NOT EXISTS history (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT,
	user_id   TEXT,
	agent_id  TEXT,
	role      TEXT,
	content   TEXT,
	reference TEXT,
	create_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TurnRecord is one completed exchange.
type TurnRecord struct {
	ThreadID         string
	UserID           string
	AgentID          string
	UserMessage      string
	AssistantMessage string
	// Reference is stored on the assistant row only; nil stores NULL.
	Reference json.RawMessage
}

// Entry is a stored history row as returned to clients.
type Entry struct {
	Role      string          `json:"role"`
	Type      string          `json:"type"`
	Content   string          `json:"content"`
	Reference json.RawMessage `json:"reference"`
	CreateAt  string          `json:"create_at"`
}

// Store writes history rows to a sqlite database, one writer at a time.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	ensured bool
}

const timeLayout = "2006-01-02 15:04:05"

// NewStore wraps db. The history table is created on first use.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) ensureTable(ctx context.Context) error {
	if s.ensured {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create history table: %w", err)
	}
	s.ensured = true
	return nil
}

// RecordTurn writes the user and assistant rows of one turn in a single transaction.
func (s *Store) RecordTurn(ctx context.Context, rec TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureTable(ctx); err != nil {
		return err
	}

	var reference sql.NullString
	if len(rec.Reference) > 0 && string(rec.Reference) != "null" {
		if !json.Valid(rec.Reference) {
			return errors.New("reference is not valid JSON")
		}
		reference = sql.NullString{String: string(rec.Reference), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	const insert = `INSERT INTO history (thread_id, user_id, agent_id, role, content, reference, create_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert, rec.ThreadID, rec.UserID, rec.AgentID, RoleUser, rec.UserMessage, nil, now); err != nil {
		return fmt.Errorf("insert user row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insert, rec.ThreadID, rec.UserID, rec.AgentID, RoleAssistant, rec.AssistantMessage, reference, now); err != nil {
		return fmt.Errorf("insert assistant row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history transaction: %w", err)
	}
	return nil
}

// List returns the thread's rows for user and agent in insertion order.
func (s *Store) List(ctx context.Context, threadID, userID, agentID string) ([]Entry, error) {
	s.mu.Lock()
	err := s.ensureTable(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, reference, create_at FROM history
		 WHERE thread_id = ? AND user_id = ? AND agent_id = ?
		 ORDER BY id ASC`,
		threadID, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e        Entry
			content  sql.NullString
			ref      sql.NullString
			createAt sql.NullString
		)
		if err := rows.Scan(&e.Role, &content, &ref, &createAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Type = TypeForRole(e.Role)
		e.Content = content.String
		e.CreateAt = createAt.String
		if ref.Valid && json.Valid([]byte(ref.String)) {
			e.Reference = json.RawMessage(ref.String)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return entries, nil
}

// TypeForRole maps a stored role to the message type clients render.
func TypeForRole(role string) string {
	if role == RoleUser {
		return "human"
	}
	return "ai"
}
