package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

const defaultDriftWindowSize = 256

// DriftStats summarizes the recent signed drift samples for one routine.
// Positive values mean the runner is ahead of plan, negative behind.
type DriftStats struct {
	RoutineID  string  `json:"routine_id"`
	Samples    int     `json:"samples"`
	LastSec    float64 `json:"last_sec"`
	AvgSec     float64 `json:"avg_sec"`
	P50Sec     float64 `json:"p50_sec"`
	P95Sec     float64 `json:"p95_sec"`
	WorstSec   float64 `json:"worst_sec"`
	ObservedAt string  `json:"observed_at"`
}

// DriftWindowSnapshot is the read model served by the stats endpoint.
type DriftWindowSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Routines    []DriftStats   `json:"routines"`
	Events      map[string]int `json:"events"`
}

type driftRing struct {
	values     []float64
	head       int
	filled     bool
	last       float64
	observedAt time.Time
}

// DriftWindow keeps a sliding window of drift observations per routine so
// operators can see how recent runs track their plan without scraping the
// Prometheus histogram.
type DriftWindow struct {
	mu     sync.Mutex
	size   int
	rings  map[string]*driftRing
	events map[string]int
}

func NewDriftWindow(size int) *DriftWindow {
	if size <= 0 {
		size = defaultDriftWindowSize
	}
	return &DriftWindow{
		size:   size,
		rings:  make(map[string]*driftRing),
		events: make(map[string]int),
	}
}

// Observe records one signed drift sample for the routine. Older samples
// beyond the window size are overwritten.
func (w *DriftWindow) Observe(routineID string, driftSec float64, at time.Time) {
	if routineID == "" || math.IsNaN(driftSec) || math.IsInf(driftSec, 0) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ring, ok := w.rings[routineID]
	if !ok {
		ring = &driftRing{values: make([]float64, w.size)}
		w.rings[routineID] = ring
	}
	ring.values[ring.head] = driftSec
	ring.head++
	if ring.head == len(ring.values) {
		ring.head = 0
		ring.filled = true
	}
	ring.last = driftSec
	ring.observedAt = at
}

// CountEvent bumps the per-event counter shown alongside the drift stats.
func (w *DriftWindow) CountEvent(event string) {
	if event == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events[event]++
}

func (w *DriftWindow) Snapshot() DriftWindowSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := DriftWindowSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Events:      make(map[string]int, len(w.events)),
	}
	for event, n := range w.events {
		snap.Events[event] = n
	}

	for routineID, ring := range w.rings {
		samples := ring.samples()
		if len(samples) == 0 {
			continue
		}
		var sum float64
		worst := samples[0]
		for _, v := range samples {
			sum += v
			if v < worst {
				worst = v
			}
		}
		sorted := append([]float64(nil), samples...)
		sort.Float64s(sorted)
		snap.Routines = append(snap.Routines, DriftStats{
			RoutineID:  routineID,
			Samples:    len(samples),
			LastSec:    round2(ring.last),
			AvgSec:     round2(sum / float64(len(samples))),
			P50Sec:     round2(quantile(sorted, 0.50)),
			P95Sec:     round2(quantile(sorted, 0.95)),
			WorstSec:   round2(worst),
			ObservedAt: ring.observedAt.UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(snap.Routines, func(i, j int) bool {
		return snap.Routines[i].RoutineID < snap.Routines[j].RoutineID
	})
	return snap
}

func (w *DriftWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rings = make(map[string]*driftRing)
	w.events = make(map[string]int)
}

func (r *driftRing) samples() []float64 {
	if r.filled {
		return r.values
	}
	return r.values[:r.head]
}

// quantile interpolates linearly between the two nearest sorted samples.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
