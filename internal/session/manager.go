package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// loadTimeout bounds the initial persistence read when attaching to an
// existing conversation, so an unreachable backend cannot hang a request
// indefinitely. It applies only to the load, not to commit writes.
const loadTimeout = 5 * time.Second

var ErrConversationNotFound = errors.New("conversation not found")

// Manager hands out one Session per conversation, creating or rehydrating
// it on demand. Sessions are cached so the per-conversation concurrency
// guards hold across requests.
type Manager struct {
	deps Deps

	mu       sync.Mutex
	sessions map[int64]*Session
}

func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:     deps,
		sessions: make(map[int64]*Session),
	}
}

// Create starts a new conversation and its session.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	conv, err := m.deps.Conversations.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	s := New(m.deps, conv, false)

	m.mu.Lock()
	m.sessions[conv.ID] = s
	m.mu.Unlock()

	return s, nil
}

// Get returns the cached session for id, rehydrating from the store when
// this process has not seen the conversation yet.
func (m *Manager) Get(ctx context.Context, id int64) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	conv, err := m.deps.Conversations.GetByID(loadCtx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}

	messages, err := m.deps.Messages.ListByConversationID(loadCtx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	s := New(m.deps, conv, len(messages) > 0)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		// Lost a race with a concurrent Get; keep the first session so
		// its guards stay authoritative.
		return existing, nil
	}
	m.sessions[id] = s
	return s, nil
}
