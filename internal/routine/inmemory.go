package routine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process routine store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	routines map[string]Routine
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{routines: make(map[string]Routine)}
}

func (s *InMemoryStore) SaveRoutine(_ context.Context, r Routine) error {
	if err := r.Validate(); err != nil {
		return err
	}
	// Clone before assigning ids: the activities slice header is shared with
	// the caller and must not be written through.
	r = r.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	for i := range r.Activities {
		if r.Activities[i].ID == "" {
			r.Activities[i].ID = uuid.NewString()
		}
	}
	s.routines[r.ID] = r
	return nil
}

func (s *InMemoryStore) GetRoutine(_ context.Context, routineID string) (Routine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routines[routineID]
	if !ok {
		return Routine{}, ErrStoreNotFound
	}
	return r.Clone(), nil
}

func (s *InMemoryStore) ListRoutines(_ context.Context, limit int) ([]Routine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Routine, 0, len(s.routines))
	for _, r := range s.routines {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) DeleteRoutine(_ context.Context, routineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routines[routineID]; !ok {
		return ErrStoreNotFound
	}
	delete(s.routines, routineID)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
