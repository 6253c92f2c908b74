package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fcasoni/cadence/internal/routine"
)

// Notifier is the display-adapter boundary. Deliveries are fire-and-forget:
// a slow or failing display never blocks or rolls back a state transition.
type Notifier interface {
	Deliver(snapshot ProgressSnapshot)
}

// Coordinator is the single authoritative owner of all live sessions. Every
// event for a session goes through its mutex, which is what enforces the
// at-most-one-running-session-per-routine rule without optimistic retries.
type Coordinator struct {
	mu sync.RWMutex

	policy   DriftPolicy
	routines routine.Store
	store    SessionStore
	notifier Notifier

	sessions         map[string]*Session
	runningByRoutine map[string]string
	schedules        map[string][]routine.ScheduledActivity

	subscribers map[string]map[int]chan ProgressSnapshot
	nextSubID   int
}

func NewCoordinator(routines routine.Store, store SessionStore, notifier Notifier, policy DriftPolicy) *Coordinator {
	if policy == "" {
		policy = DriftCumulative
	}
	return &Coordinator{
		policy:           policy,
		routines:         routines,
		store:            store,
		notifier:         notifier,
		sessions:         make(map[string]*Session),
		runningByRoutine: make(map[string]string),
		schedules:        make(map[string][]routine.ScheduledActivity),
		subscribers:      make(map[string]map[int]chan ProgressSnapshot),
	}
}

// StartSession validates the routine, freezes its schedule, and creates a
// Running session positioned at the first activity. Fails with
// ErrSessionAlreadyActive if the routine already has a running session, and
// with routine.ErrInvalidRoutine if the definition cannot be scheduled.
func (c *Coordinator) StartSession(ctx context.Context, routineID string, now time.Time) (Session, ProgressSnapshot, error) {
	rt, err := c.routines.GetRoutine(ctx, routineID)
	if err != nil {
		return Session{}, ProgressSnapshot{}, err
	}
	sched, err := routine.ComputeSchedule(rt)
	if err != nil {
		return Session{}, ProgressSnapshot{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if id := c.runningByRoutine[routineID]; id != "" {
		return Session{}, ProgressSnapshot{}, fmt.Errorf("%w: session %s", ErrSessionAlreadyActive, id)
	}

	sess := NewSession(routineID, now)
	c.sessions[sess.ID] = sess
	c.runningByRoutine[routineID] = sess.ID
	c.schedules[sess.ID] = sched

	snap, err := BuildSnapshot(sched, *sess, now, c.policy)
	if err != nil {
		return Session{}, ProgressSnapshot{}, err
	}
	c.persistSession(sess.Clone())
	c.publishLocked(sess.ID, snap)
	return sess.Clone(), snap, nil
}

// MarkDone records the current activity as completed at now and advances.
func (c *Coordinator) MarkDone(sessionID string, now time.Time) (Session, ProgressSnapshot, error) {
	return c.advance(sessionID, now, false)
}

// Skip advances past the current activity without requiring it to be due.
func (c *Coordinator) Skip(sessionID string, now time.Time) (Session, ProgressSnapshot, error) {
	return c.advance(sessionID, now, true)
}

func (c *Coordinator) advance(sessionID string, now time.Time, skip bool) (Session, ProgressSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[sessionID]
	if !ok {
		return Session{}, ProgressSnapshot{}, ErrSessionNotFound
	}
	sched := c.schedules[sessionID]

	var err error
	if skip {
		err = sess.SkipCurrent(len(sched), now)
	} else {
		err = sess.MarkDone(len(sched), now)
	}
	if err != nil {
		return sess.Clone(), ProgressSnapshot{}, c.guardLocked(sess, now, err)
	}
	if sess.Terminal() {
		delete(c.runningByRoutine, sess.RoutineID)
	}

	snap, err := BuildSnapshot(sched, *sess, now, c.policy)
	if err != nil {
		return sess.Clone(), ProgressSnapshot{}, c.guardLocked(sess, now, err)
	}
	c.persistSession(sess.Clone())
	c.publishLocked(sessionID, snap)
	return sess.Clone(), snap, nil
}

// Cancel terminates the session immediately. Always accepted while Running.
func (c *Coordinator) Cancel(sessionID string, now time.Time) (Session, ProgressSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[sessionID]
	if !ok {
		return Session{}, ProgressSnapshot{}, ErrSessionNotFound
	}
	if err := sess.Cancel(now); err != nil {
		return sess.Clone(), ProgressSnapshot{}, err
	}
	delete(c.runningByRoutine, sess.RoutineID)

	snap, err := BuildSnapshot(c.schedules[sessionID], *sess, now, c.policy)
	if err != nil {
		return sess.Clone(), ProgressSnapshot{}, err
	}
	c.persistSession(sess.Clone())
	c.publishLocked(sessionID, snap)
	return sess.Clone(), snap, nil
}

// Tick rebuilds and publishes a snapshot for a running session. A tick that
// races a user-initiated cancel is a benign no-op, not an error: the timer
// has no way to know the session just ended.
func (c *Coordinator) Tick(sessionID string, now time.Time) (ProgressSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[sessionID]
	if !ok {
		return ProgressSnapshot{}, ErrSessionNotFound
	}
	snap, err := BuildSnapshot(c.schedules[sessionID], *sess, now, c.policy)
	if err != nil {
		return ProgressSnapshot{}, c.guardLocked(sess, now, err)
	}
	if sess.Status == StatusRunning {
		c.publishLocked(sessionID, snap)
	}
	return snap, nil
}

// Snapshot is the read-only query form of Tick: same projection, no publish.
func (c *Coordinator) Snapshot(sessionID string, now time.Time) (ProgressSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sess, ok := c.sessions[sessionID]
	if !ok {
		return ProgressSnapshot{}, ErrSessionNotFound
	}
	return BuildSnapshot(c.schedules[sessionID], *sess, now, c.policy)
}

// Get returns a copy of the session's current state.
func (c *Coordinator) Get(sessionID string) (Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// RunningCount reports how many sessions are currently Running.
func (c *Coordinator) RunningCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.runningByRoutine)
}

// Subscribe returns a channel carrying every snapshot published for the
// session, plus a cancel func. Sends are non-blocking; a stalled subscriber
// misses snapshots rather than stalling the engine.
func (c *Coordinator) Subscribe(sessionID string) (<-chan ProgressSnapshot, func()) {
	ch := make(chan ProgressSnapshot, 64)
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	if _, ok := c.subscribers[sessionID]; !ok {
		c.subscribers[sessionID] = make(map[int]chan ProgressSnapshot)
	}
	c.subscribers[sessionID][id] = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.subscribers[sessionID]
		if subs == nil {
			return
		}
		if s, ok := subs[id]; ok {
			delete(subs, id)
			close(s)
		}
		if len(subs) == 0 {
			delete(c.subscribers, sessionID)
		}
	}
}

// StartTicker drives periodic snapshot publication for all running sessions
// until ctx is cancelled.
func (c *Coordinator) StartTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.tickAll(time.Now().UTC())
			}
		}
	}()
}

func (c *Coordinator) tickAll(now time.Time) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.runningByRoutine))
	for _, id := range c.runningByRoutine {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		if _, err := c.Tick(id, now); err != nil {
			log.Printf("tick session %s: %v", id, err)
		}
	}
}

// Rehydrate loads non-terminal checkpoints from the session store and
// resumes them at their persisted index and completion offsets. Sessions
// whose routine no longer schedules cleanly are force-cancelled rather than
// resumed in an unusable state.
func (c *Coordinator) Rehydrate(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	open, err := c.store.ListOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("list open sessions: %w", err)
	}

	for _, persisted := range open {
		rt, err := c.routines.GetRoutine(ctx, persisted.RoutineID)
		if err != nil {
			log.Printf("rehydrate session %s: routine %s: %v", persisted.ID, persisted.RoutineID, err)
			continue
		}
		sched, err := routine.ComputeSchedule(rt)
		if err != nil || persisted.CurrentIndex >= len(sched) {
			now := time.Now().UTC()
			_ = persisted.Cancel(now)
			c.persistSession(persisted)
			log.Printf("rehydrate session %s: force-cancelled (schedule error: %v)", persisted.ID, err)
			continue
		}

		sess := persisted.Clone()
		c.mu.Lock()
		if id := c.runningByRoutine[sess.RoutineID]; id != "" {
			// Async checkpointing can leave two Running rows for one
			// routine; only the first resumes, the duplicate is cancelled.
			c.mu.Unlock()
			now := time.Now().UTC()
			_ = persisted.Cancel(now)
			c.persistSession(persisted)
			log.Printf("rehydrate session %s: routine %s already running as %s, force-cancelled", persisted.ID, persisted.RoutineID, id)
			continue
		}
		c.sessions[sess.ID] = &sess
		c.runningByRoutine[sess.RoutineID] = sess.ID
		c.schedules[sess.ID] = sched
		c.mu.Unlock()
	}
	return nil
}

// guardLocked handles invariant violations: the session is force-cancelled
// and flagged, never silently patched. Other errors pass through.
func (c *Coordinator) guardLocked(sess *Session, now time.Time, err error) error {
	if !errors.Is(err, ErrInconsistentState) {
		return err
	}
	log.Printf("session %s inconsistent, force-cancelling: %v", sess.ID, err)
	sess.Status = StatusCancelled
	sess.EndTime = &now
	sess.UpdatedAt = now
	delete(c.runningByRoutine, sess.RoutineID)
	c.persistSession(sess.Clone())
	return err
}

func (c *Coordinator) persistSession(sess Session) {
	store := c.store
	if store == nil {
		return
	}
	go func(snapshot Session) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.SaveSession(ctx, snapshot); err != nil {
			log.Printf("persist session %s: %v", snapshot.ID, err)
		}
	}(sess)
}

func (c *Coordinator) publishLocked(sessionID string, snap ProgressSnapshot) {
	if c.notifier != nil {
		go c.notifier.Deliver(snap)
	}
	subs := c.subscribers[sessionID]
	if len(subs) == 0 {
		return
	}
	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
