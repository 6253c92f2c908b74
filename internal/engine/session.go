package engine

import (
	"time"

	"github.com/google/uuid"
)

// NewSession creates a Running session for the given routine, positioned at
// the first activity. StartTime is set once here and never changes.
func NewSession(routineID string, now time.Time) *Session {
	return &Session{
		ID:          uuid.NewString(),
		RoutineID:   routineID,
		Status:      StatusRunning,
		StartTime:   now,
		CompletedAt: make(map[int]time.Time),
		Skipped:     make(map[int]bool),
		UpdatedAt:   now,
	}
}

// MarkDone records the current activity as completed at now and advances the
// index. Completing the last activity transitions the session to Completed
// and sets EndTime. total is the activity count of the session's routine.
func (s *Session) MarkDone(total int, now time.Time) error {
	return s.advance(total, now, false)
}

// SkipCurrent behaves like MarkDone but flags the activity as skipped.
// Skipping the last activity also completes the session.
func (s *Session) SkipCurrent(total int, now time.Time) error {
	return s.advance(total, now, true)
}

func (s *Session) advance(total int, now time.Time, skipped bool) error {
	if s.Status != StatusRunning {
		return ErrSessionNotActive
	}
	if s.CurrentIndex < 0 || s.CurrentIndex >= total {
		return ErrInconsistentState
	}
	if s.CompletedAt == nil {
		s.CompletedAt = make(map[int]time.Time)
	}
	s.CompletedAt[s.CurrentIndex] = now
	if skipped {
		if s.Skipped == nil {
			s.Skipped = make(map[int]bool)
		}
		s.Skipped[s.CurrentIndex] = true
	}
	s.CurrentIndex++
	s.UpdatedAt = now
	if s.CurrentIndex >= total {
		s.Status = StatusCompleted
		s.EndTime = &now
	}
	return nil
}

// Cancel moves the session to the terminal Cancelled state regardless of the
// current index. Always accepted while Running.
func (s *Session) Cancel(now time.Time) error {
	if s.Status != StatusRunning {
		return ErrSessionNotActive
	}
	s.Status = StatusCancelled
	s.EndTime = &now
	s.UpdatedAt = now
	return nil
}
