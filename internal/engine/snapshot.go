package engine

import (
	"fmt"
	"time"

	"github.com/fcasoni/cadence/internal/routine"
)

// DriftPolicy controls how an early or late finish affects the displayed
// start times of later activities.
type DriftPolicy string

const (
	// DriftCumulative chains baselines through every actual completion
	// instant, so drift compounds forward: the next activity is expected to
	// start the moment the current one is planned to end in real time.
	DriftCumulative DriftPolicy = "cumulative"
	// DriftSingle measures only the current activity against its real
	// baseline; later activities keep their originally planned start times.
	DriftSingle DriftPolicy = "single"
)

func ParseDriftPolicy(v string) (DriftPolicy, error) {
	switch DriftPolicy(v) {
	case DriftCumulative, DriftSingle:
		return DriftPolicy(v), nil
	case "":
		return DriftCumulative, nil
	default:
		return "", fmt.Errorf("invalid drift policy %q (expected cumulative|single)", v)
	}
}

// BuildSnapshot projects session state at now into a ProgressSnapshot. Pure
// and idempotent for identical inputs; callable at arbitrary frequency.
//
// The countdown for the current activity runs from its baseline: the actual
// instant the previous activity ended, or session start for the first one.
// The original schedule is never rewritten; drift is reported against it.
func BuildSnapshot(sched []routine.ScheduledActivity, s Session, now time.Time, policy DriftPolicy) (ProgressSnapshot, error) {
	total := len(sched)
	snap := ProgressSnapshot{
		SessionID:            s.ID,
		RoutineID:            s.RoutineID,
		Status:               s.Status,
		CurrentActivityIndex: s.CurrentIndex,
		TotalCount:           total,
		CompletedCount:       s.CurrentIndex,
		GeneratedAt:          now,
	}
	if snap.CompletedCount > total {
		snap.CompletedCount = total
	}

	if s.Status != StatusRunning {
		// Terminal snapshot: zero remaining, no next activity. Callers use
		// Status to decide whether to keep polling.
		if s.CurrentIndex < total {
			snap.CurrentActivityName = sched[s.CurrentIndex].Activity.Name
		}
		return snap, nil
	}

	i := s.CurrentIndex
	if i < 0 || i >= total {
		return ProgressSnapshot{}, fmt.Errorf("%w: running session %s at index %d of %d", ErrInconsistentState, s.ID, i, total)
	}

	baseline := s.StartTime
	if i > 0 {
		if done, ok := s.CompletedAt[i-1]; ok {
			baseline = done
		}
	}
	effectiveStart := baseline

	plannedDuration := sched[i].PlannedSeconds()
	elapsed := int64(now.Sub(effectiveStart) / time.Second)
	plannedAbsoluteStart := s.StartTime.Add(time.Duration(sched[i].StartOffsetSeconds) * time.Second)

	snap.CurrentActivityName = sched[i].Activity.Name
	// Not clamped: negative means overrun and the display is expected to
	// show "behind schedule".
	snap.TimeRemainingSeconds = plannedDuration - elapsed
	snap.DriftSeconds = int64(plannedAbsoluteStart.Sub(effectiveStart) / time.Second)

	if i+1 < total {
		snap.NextActivityName = sched[i+1].Activity.Name
		var next time.Time
		switch policy {
		case DriftSingle:
			next = s.StartTime.Add(time.Duration(sched[i+1].StartOffsetSeconds) * time.Second)
		default:
			next = effectiveStart.Add(time.Duration(plannedDuration) * time.Second)
		}
		snap.NextActivityStart = &next
	}
	return snap, nil
}
