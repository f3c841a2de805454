// Package binding maps conversation threads to RAGFlow sessions, creating the upstream
// session lazily on a thread's first turn.
package binding

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoThread is returned by Bind when no thread id is given.
	ErrNoThread = errors.New("binding: thread id is required")
	// ErrNotFound is returned by Store.Get for an unbound thread.
	ErrNotFound = errors.New("binding: not found")
)

// Binding relates a thread to its upstream chat and session.
type Binding struct {
	ThreadID  string    `json:"thread_id"`
	ChatID    string    `json:"chat_id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"create_at"`
}

// IsZero reports whether b is the empty binding used for thread-less turns.
func (b Binding) IsZero() bool {
	return b.SessionID == "" && b.ChatID == ""
}

// Store persists bindings. Put never overwrites: when a binding for the thread
// already exists it returns that one.
type Store interface {
	Get(ctx context.Context, threadID string) (Binding, error)
	Put(ctx context.Context, b Binding) (Binding, error)
}
