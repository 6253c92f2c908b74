package engine

import (
	"context"
	"sync"
)

// InMemorySessionStore is an in-process checkpoint store for local/dev use.
type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[string]Session)}
}

func (s *InMemorySessionStore) SaveSession(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *InMemorySessionStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrStoreNotFound
	}
	return sess.Clone(), nil
}

func (s *InMemorySessionStore) ListOpenSessions(_ context.Context) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Terminal() {
			continue
		}
		out = append(out, sess.Clone())
	}
	return out, nil
}

func (s *InMemorySessionStore) Close() error { return nil }
