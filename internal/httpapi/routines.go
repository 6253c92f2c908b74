package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fcasoni/cadence/internal/routine"
)

type createRoutineRequest struct {
	Name       string                  `json:"name"`
	Activities []createActivityRequest `json:"activities"`
}

type createActivityRequest struct {
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (s *Server) handleCreateRoutine(w http.ResponseWriter, r *http.Request) {
	var req createRoutineRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	ts := now()
	rt := routine.Routine{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(req.Name),
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	for i, a := range req.Activities {
		rt.Activities = append(rt.Activities, routine.Activity{
			ID:              uuid.NewString(),
			Name:            strings.TrimSpace(a.Name),
			DurationMinutes: a.DurationMinutes,
			SortIndex:       i,
		})
	}
	if err := rt.Validate(); err != nil {
		respondEngineError(w, err)
		return
	}

	if err := s.routines.SaveRoutine(r.Context(), rt); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rt)
}

func (s *Server) handleListRoutines(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	routines, err := s.routines.ListRoutines(r.Context(), limit)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"routines": routines})
}

func (s *Server) handleGetRoutine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rt, err := s.routines.GetRoutine(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rt)
}

func (s *Server) handleDeleteRoutine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.routines.DeleteRoutine(r.Context(), id); err != nil {
		respondEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetSchedule previews the planned timeline without starting a session.
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rt, err := s.routines.GetRoutine(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	sched, err := routine.ComputeSchedule(rt)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"routine_id":           rt.ID,
		"total_seconds":        int64(rt.TotalDuration().Seconds()),
		"scheduled_activities": sched,
	})
}
