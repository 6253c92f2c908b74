package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fcasoni/cadence/internal/engine"
	"github.com/fcasoni/cadence/internal/protocol"
)

type sessionResponse struct {
	Session  engine.Session          `json:"session"`
	Snapshot engine.ProgressSnapshot `json:"snapshot"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	routineID := chi.URLParam(r, "id")
	sess, snap, err := s.coordinator.StartSession(r.Context(), routineID, now())
	if err != nil {
		respondEngineError(w, err)
		return
	}
	s.observeEvent("started", snap)
	respondJSON(w, http.StatusCreated, sessionResponse{Session: sess, Snapshot: snap})
}

func (s *Server) handleMarkDone(w http.ResponseWriter, r *http.Request) {
	s.applyEvent(w, r, "done", s.coordinator.MarkDone)
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	s.applyEvent(w, r, "skipped", s.coordinator.Skip)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.applyEvent(w, r, "cancelled", s.coordinator.Cancel)
}

func (s *Server) applyEvent(w http.ResponseWriter, r *http.Request, event string, apply func(string, time.Time) (engine.Session, engine.ProgressSnapshot, error)) {
	id := chi.URLParam(r, "id")
	sess, snap, err := apply(id, now())
	if err != nil {
		respondEngineError(w, err)
		return
	}
	s.observeEvent(event, snap)
	respondJSON(w, http.StatusOK, sessionResponse{Session: sess, Snapshot: snap})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.coordinator.Get(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.coordinator.Snapshot(id, now())
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) observeEvent(event string, snap engine.ProgressSnapshot) {
	if s.metrics == nil {
		return
	}
	// Snapshot delivery counts (histogram + counter) belong to the notifier,
	// which sees every published snapshot including ticks. Counting here too
	// would double each user event.
	s.metrics.SessionEvents.WithLabelValues(event).Inc()
	s.metrics.RunningSessions.Set(float64(s.coordinator.RunningCount()))
	if s.metrics.Window != nil {
		s.metrics.Window.CountEvent(event)
		s.metrics.Window.Observe(snap.RoutineID, float64(snap.DriftSeconds), now())
	}
}

// handleSessionWS streams snapshots to a display client and accepts control
// frames (done/skip/cancel) back from it.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := s.coordinator.Get(sessionID); err != nil {
		respondEngineError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	}

	snapshots, unsubscribe := s.coordinator.Subscribe(sessionID)
	defer unsubscribe()

	// Prime the stream so a freshly connected display is not stale until
	// the next tick.
	if snap, err := s.coordinator.Snapshot(sessionID, now()); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(protocol.SnapshotEvent{Type: protocol.TypeSnapshotEvent, Snapshot: snap}); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for snap := range snapshots {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(protocol.SnapshotEvent{Type: protocol.TypeSnapshotEvent, Snapshot: snap}); err != nil {
				return
			}
			if s.metrics != nil {
				s.metrics.WSMessages.WithLabelValues("outbound", string(protocol.TypeSnapshotEvent)).Inc()
			}
			if snap.Status != engine.StatusRunning {
				// Announce the terminal transition before closing the stream.
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				_ = conn.WriteJSON(protocol.SessionEvent{
					Type:      protocol.TypeSessionEvent,
					SessionID: snap.SessionID,
					RoutineID: snap.RoutineID,
					Status:    snap.Status,
					At:        snap.GeneratedAt,
				})
				return
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			_ = conn.WriteJSON(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			})
			continue
		}
		control, ok := parsed.(protocol.ClientControl)
		if !ok || control.SessionID != sessionID {
			continue
		}
		if s.metrics != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeClientControl)).Inc()
		}

		var (
			snap  engine.ProgressSnapshot
			label string
		)
		switch control.Action {
		case protocol.ActionDone:
			label = "done"
			_, snap, err = s.coordinator.MarkDone(sessionID, now())
		case protocol.ActionSkip:
			label = "skipped"
			_, snap, err = s.coordinator.Skip(sessionID, now())
		case protocol.ActionCancel:
			label = "cancelled"
			_, snap, err = s.coordinator.Cancel(sessionID, now())
		}
		if err != nil {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			_ = conn.WriteJSON(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "event_rejected",
				Detail:    err.Error(),
			})
			continue
		}
		s.observeEvent(label, snap)
	}

	unsubscribe()
	<-done
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	}
}
