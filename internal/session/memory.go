package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the single-process Store backend. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, runID string, ttl time.Duration) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := &Session{
		RunID:     runID,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	m.sessions[runID] = s
	return copySession(s), nil
}

func (m *MemoryStore) Get(_ context.Context, runID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[runID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.ExpiredAt(m.now()) && s.Status != StatusExpired {
		s.Status = StatusExpired
	}
	return copySession(s), nil
}

func (m *MemoryStore) SetAuthorizationURL(_ context.Context, runID, authURL, originalState string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[runID]
	if !ok {
		return ErrNotFound
	}
	s.AuthorizationURL = authURL
	s.OriginalState = originalState
	return nil
}

func (m *MemoryStore) UpdateWithCallback(_ context.Context, runID, code, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[runID]
	if !ok {
		return ErrNotFound
	}
	if s.Status == StatusExpired || s.ExpiredAt(m.now()) {
		s.Status = StatusExpired
		return ErrExpired
	}
	s.Status = StatusCallbackReceived
	s.Callback = &CallbackData{Code: code, State: state}
	return nil
}

func (m *MemoryStore) UpdateWithError(_ context.Context, runID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[runID]
	if !ok {
		return ErrNotFound
	}
	s.Status = StatusError
	s.Error = message
	return nil
}

func (m *MemoryStore) MarkExpired(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[runID]
	if !ok {
		return ErrNotFound
	}
	s.Status = StatusExpired
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, runID)
	return nil
}

func copySession(s *Session) *Session {
	out := *s
	if s.Callback != nil {
		cb := *s.Callback
		out.Callback = &cb
	}
	return &out
}
