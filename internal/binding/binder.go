package binding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dvcrn/ragflow-relay/internal/metrics"
	"github.com/dvcrn/ragflow-relay/internal/ragflow"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// SessionCreator creates upstream sessions.
type SessionCreator interface {
	CreateSession(ctx context.Context, name string) (ragflow.Session, error)
}

// Binder resolves threads to sessions. Lookups hit an in-memory cache first; creation
// for one thread runs at most once at a time within the process.
type Binder struct {
	store       Store
	creator     SessionCreator
	defaultName string
	metrics     *metrics.Relay
	logger      zerolog.Logger

	cache sync.Map // thread id -> Binding
	group singleflight.Group
}

func NewBinder(store Store, creator SessionCreator, defaultName string, m *metrics.Relay, logger zerolog.Logger) *Binder {
	return &Binder{
		store:       store,
		creator:     creator,
		defaultName: defaultName,
		metrics:     m,
		logger:      logger.With().Str("component", "binder").Logger(),
	}
}

// Resolve returns the thread's binding, creating an upstream session on first use.
// An empty threadID yields the zero Binding: the turn runs without a session.
func (b *Binder) Resolve(ctx context.Context, threadID string) (Binding, error) {
	if threadID == "" {
		return Binding{}, nil
	}
	return b.bind(ctx, threadID, b.defaultName)
}

// Bind eagerly binds threadID, naming the upstream session after the thread's title.
// An existing binding is returned unchanged.
func (b *Binder) Bind(ctx context.Context, threadID, title string) (Binding, error) {
	if threadID == "" {
		return Binding{}, ErrNoThread
	}
	if title == "" {
		title = b.defaultName
	}
	return b.bind(ctx, threadID, title)
}

func (b *Binder) bind(ctx context.Context, threadID, name string) (Binding, error) {
	if v, ok := b.cache.Load(threadID); ok {
		return v.(Binding), nil
	}

	v, err, _ := b.group.Do(threadID, func() (interface{}, error) {
		existing, err := b.store.Get(ctx, threadID)
		if err == nil {
			b.cache.Store(threadID, existing)
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		session, err := b.creator.CreateSession(ctx, name)
		b.metrics.SessionCreated(err)
		if err != nil {
			return nil, err
		}

		stored, err := b.store.Put(ctx, Binding{
			ThreadID:  threadID,
			ChatID:    session.ChatID,
			SessionID: session.ID,
		})
		if err != nil {
			return nil, err
		}
		if stored.SessionID != session.ID {
			b.logger.Warn().
				Str("thread_id", threadID).
				Str("session_id", session.ID).
				Str("bound_session_id", stored.SessionID).
				Msg("Thread was bound concurrently, upstream session left unused")
		} else {
			b.logger.Info().
				Str("thread_id", threadID).
				Str("session_id", stored.SessionID).
				Str("chat_id", stored.ChatID).
				Msg("Bound thread to ragflow session")
		}
		b.cache.Store(threadID, stored)
		return stored, nil
	})
	if err != nil {
		return Binding{}, fmt.Errorf("resolve session for thread %s: %w", threadID, err)
	}
	return v.(Binding), nil
}
