package routine

import (
	"context"
	"errors"
	"strings"
)

var ErrStoreNotFound = errors.New("routine not found in store")

// Store persists routine definitions. The engine only ever reads from it;
// writes happen between sessions.
type Store interface {
	SaveRoutine(ctx context.Context, r Routine) error
	GetRoutine(ctx context.Context, routineID string) (Routine, error)
	ListRoutines(ctx context.Context, limit int) ([]Routine, error)
	DeleteRoutine(ctx context.Context, routineID string) error
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
