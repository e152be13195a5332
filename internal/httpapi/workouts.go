package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/julia-epshtein/umunch/internal/workout"
	"github.com/julia-epshtein/umunch/internal/worklog"
)

func (s *Server) handleListWorkouts(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "store_disabled", "workout store not configured")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("list workouts", "error", err)
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if entries == nil {
		entries = []worklog.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"workouts": entries})
}

// handleSaveWorkout logs a workout manually, without a conversation.
func (s *Server) handleSaveWorkout(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "store_disabled", "workout store not configured")
		return
	}
	var in workout.Intent
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	kind := worklog.Kind(s.store)
	saved, err := s.store.Save(r.Context(), worklog.NewEntry(in, "manual", "", time.Now().UTC()))
	if err != nil {
		s.metrics.ObserveWorkoutSaved(kind, "error")
		s.respondActionError(w, err)
		return
	}
	s.metrics.ObserveWorkoutSaved(kind, "ok")
	respondJSON(w, http.StatusCreated, saved)
}
