package routine

// ScheduledActivity is an activity with its planned start and end expressed
// as offsets from session start. Derived, never persisted.
type ScheduledActivity struct {
	Activity           Activity `json:"activity"`
	StartOffsetSeconds int64    `json:"start_offset_seconds"`
	EndOffsetSeconds   int64    `json:"end_offset_seconds"`
}

func (s ScheduledActivity) PlannedSeconds() int64 {
	return s.EndOffsetSeconds - s.StartOffsetSeconds
}

// ComputeSchedule lays the routine's activities out on a timeline as a
// running prefix sum of their durations, in sort-index order. The result is
// contiguous: each activity's end offset equals the next one's start offset.
// Pure; fails with ErrInvalidRoutine on an empty or malformed routine.
func ComputeSchedule(r Routine) ([]ScheduledActivity, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	ordered := r.Ordered()
	out := make([]ScheduledActivity, 0, len(ordered))
	var offset int64
	for _, a := range ordered {
		duration := int64(a.DurationMinutes) * 60
		out = append(out, ScheduledActivity{
			Activity:           a,
			StartOffsetSeconds: offset,
			EndOffsetSeconds:   offset + duration,
		})
		offset += duration
	}
	return out, nil
}
