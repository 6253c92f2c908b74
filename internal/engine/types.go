package engine

import (
	"errors"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyActive = errors.New("routine already has a running session")
	ErrSessionNotActive     = errors.New("session is not running")
	ErrInconsistentState    = errors.New("session state is inconsistent")
)

// Session is the mutable runtime state of one live routine execution. It is
// owned exclusively by the Coordinator; copies handed out of the coordinator
// are clones.
type Session struct {
	ID           string     `json:"id"`
	RoutineID    string     `json:"routine_id"`
	Status       Status     `json:"status"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	CurrentIndex int        `json:"current_index"`

	// CompletedAt records the actual instant each activity was marked done
	// or skipped, keyed by activity index. These instants are the baselines
	// from which everything after them is measured.
	CompletedAt map[int]time.Time `json:"completed_at"`
	// Skipped marks which completed indices were skipped rather than done.
	Skipped map[int]bool `json:"skipped,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (s Session) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Session) Clone() Session {
	out := s
	if s.CompletedAt != nil {
		out.CompletedAt = make(map[int]time.Time, len(s.CompletedAt))
		for k, v := range s.CompletedAt {
			out.CompletedAt[k] = v
		}
	}
	if s.Skipped != nil {
		out.Skipped = make(map[int]bool, len(s.Skipped))
		for k, v := range s.Skipped {
			out.Skipped[k] = v
		}
	}
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	return out
}

// ProgressSnapshot is a point-in-time projection of session progress. Safe
// to hand to any display surface; never persisted.
type ProgressSnapshot struct {
	SessionID            string     `json:"session_id"`
	RoutineID            string     `json:"routine_id"`
	Status               Status     `json:"status"`
	CurrentActivityIndex int        `json:"current_activity_index"`
	CurrentActivityName  string     `json:"current_activity_name,omitempty"`
	TimeRemainingSeconds int64      `json:"time_remaining_seconds"`
	DriftSeconds         int64      `json:"drift_seconds"`
	NextActivityName     string     `json:"next_activity_name,omitempty"`
	NextActivityStart    *time.Time `json:"next_activity_estimated_start,omitempty"`
	CompletedCount       int        `json:"completed_count"`
	TotalCount           int        `json:"total_count"`
	GeneratedAt          time.Time  `json:"generated_at"`
}
