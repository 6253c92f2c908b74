package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fcasoni/cadence/internal/config"
	"github.com/fcasoni/cadence/internal/engine"
	"github.com/fcasoni/cadence/internal/observability"
	"github.com/fcasoni/cadence/internal/routine"
)

type Server struct {
	cfg         config.Config
	coordinator *engine.Coordinator
	routines    routine.Store
	metrics     *observability.Metrics
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, coordinator *engine.Coordinator, routines routine.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:         cfg,
		coordinator: coordinator,
		routines:    routines,
		metrics:     metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only same-origin browser connections. Prevents
				// another website from driving or observing a user's live
				// session if the service is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/routines", s.handleCreateRoutine)
	r.Get("/v1/routines", s.handleListRoutines)
	r.Get("/v1/routines/{id}", s.handleGetRoutine)
	r.Delete("/v1/routines/{id}", s.handleDeleteRoutine)
	r.Get("/v1/routines/{id}/schedule", s.handleGetSchedule)
	r.Post("/v1/routines/{id}/sessions", s.handleStartSession)

	r.Get("/v1/stats/drift", s.handleDriftStats)

	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/sessions/{id}/snapshot", s.handleGetSnapshot)
	r.Post("/v1/sessions/{id}/done", s.handleMarkDone)
	r.Post("/v1/sessions/{id}/skip", s.handleSkip)
	r.Post("/v1/sessions/{id}/cancel", s.handleCancel)
	r.Get("/v1/sessions/{id}/ws", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"running_sessions": s.coordinator.RunningCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (s *Server) handleDriftStats(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil || s.metrics.Window == nil {
		respondJSON(w, http.StatusOK, observability.DriftWindowSnapshot{})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Window.Snapshot())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondEngineError maps the engine/routine error taxonomy onto HTTP codes.
func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, routine.ErrInvalidRoutine):
		respondError(w, http.StatusUnprocessableEntity, "invalid_routine", err.Error())
	case errors.Is(err, routine.ErrStoreNotFound):
		respondError(w, http.StatusNotFound, "routine_not_found", err.Error())
	case errors.Is(err, engine.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, engine.ErrSessionAlreadyActive):
		respondError(w, http.StatusConflict, "session_already_active", err.Error())
	case errors.Is(err, engine.ErrSessionNotActive):
		respondError(w, http.StatusConflict, "session_not_active", err.Error())
	case errors.Is(err, engine.ErrInconsistentState):
		respondError(w, http.StatusInternalServerError, "inconsistent_state", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func now() time.Time {
	return time.Now().UTC()
}
