package engine

import (
	"context"
	"errors"
	"strings"
)

var ErrStoreNotFound = errors.New("session not found in store")

// SessionStore is the durable checkpoint collaborator. The coordinator
// writes to it asynchronously after each transition and reads from it only
// at boot, to rehydrate sessions into the exact state of the last
// checkpoint. Store failures never roll back in-memory state.
type SessionStore interface {
	SaveSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	ListOpenSessions(ctx context.Context) ([]Session, error)
	Close() error
}

// NewSessionStore creates a postgres-backed store when configured, otherwise in-memory.
func NewSessionStore(ctx context.Context, databaseURL string) (SessionStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemorySessionStore(), nil
	}
	return NewPostgresSessionStore(ctx, databaseURL)
}
