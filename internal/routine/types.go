package routine

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrInvalidRoutine = errors.New("invalid routine")

// Activity is one timed step of a routine. Activities are value types owned
// by their Routine; the engine never navigates from an Activity back to its
// parent.
type Activity struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes"`
	SortIndex       int    `json:"sort_index"`
}

// Routine is an ordered list of activities. It is treated as immutable for
// the lifetime of any running session; edits between sessions go through the
// store.
type Routine struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Activities []Activity `json:"activities"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (r Routine) Clone() Routine {
	out := r
	if r.Activities != nil {
		out.Activities = make([]Activity, len(r.Activities))
		copy(out.Activities, r.Activities)
	}
	return out
}

// Ordered returns the activities sorted by SortIndex without mutating the
// receiver.
func (r Routine) Ordered() []Activity {
	out := make([]Activity, len(r.Activities))
	copy(out, r.Activities)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SortIndex < out[j].SortIndex
	})
	return out
}

// TotalDuration is the planned duration of the whole routine.
func (r Routine) TotalDuration() time.Duration {
	var minutes int
	for _, a := range r.Activities {
		minutes += a.DurationMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// Validate enforces the structural invariants a routine must satisfy before
// a session can be started on it: at least one activity, non-empty names,
// positive durations, and sort indices that form a contiguous 0-based total
// order with no duplicates.
func (r Routine) Validate() error {
	if len(r.Activities) == 0 {
		return fmt.Errorf("%w: routine has no activities", ErrInvalidRoutine)
	}
	seen := make(map[int]bool, len(r.Activities))
	for _, a := range r.Activities {
		if a.Name == "" {
			return fmt.Errorf("%w: activity %q has an empty name", ErrInvalidRoutine, a.ID)
		}
		if a.DurationMinutes <= 0 {
			return fmt.Errorf("%w: activity %q duration must be positive, got %d", ErrInvalidRoutine, a.Name, a.DurationMinutes)
		}
		if a.SortIndex < 0 || a.SortIndex >= len(r.Activities) {
			return fmt.Errorf("%w: activity %q sort index %d out of range", ErrInvalidRoutine, a.Name, a.SortIndex)
		}
		if seen[a.SortIndex] {
			return fmt.Errorf("%w: duplicate sort index %d", ErrInvalidRoutine, a.SortIndex)
		}
		seen[a.SortIndex] = true
	}
	return nil
}
