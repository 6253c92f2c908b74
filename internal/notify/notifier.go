// Package notify holds display-adapter implementations of the engine's
// Notifier boundary. The real lock-screen / widget surface lives outside
// this process; everything here is a stand-in with the same contract.
package notify

import (
	"log"

	"github.com/fcasoni/cadence/internal/engine"
)

// LogNotifier writes each snapshot to the process log. Default adapter when
// no display surface is attached.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) Deliver(snap engine.ProgressSnapshot) {
	if snap.Status != engine.StatusRunning {
		log.Printf("session %s %s (%d/%d activities)", snap.SessionID, snap.Status, snap.CompletedCount, snap.TotalCount)
		return
	}
	log.Printf("session %s: %q remaining=%ds drift=%ds (%d/%d)",
		snap.SessionID, snap.CurrentActivityName, snap.TimeRemainingSeconds, snap.DriftSeconds, snap.CompletedCount, snap.TotalCount)
}

// FuncNotifier adapts a plain function to the Notifier contract.
type FuncNotifier func(engine.ProgressSnapshot)

func (f FuncNotifier) Deliver(snap engine.ProgressSnapshot) { f(snap) }

// Fanout delivers each snapshot to every wrapped notifier in order.
type Fanout []engine.Notifier

func (f Fanout) Deliver(snap engine.ProgressSnapshot) {
	for _, n := range f {
		n.Deliver(snap)
	}
}
