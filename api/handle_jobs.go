package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	state, err := s.db.GetJobState(r.Context(), name)
	if err != nil {
		ERROR(w, http.StatusInternalServerError, err)
		return
	}

	JSON(w, http.StatusOK, state)
}

func (s *Server) handleJobEnable(w http.ResponseWriter, r *http.Request) {
	s.setJobEnabled(w, r, true)
}

func (s *Server) handleJobDisable(w http.ResponseWriter, r *http.Request) {
	s.setJobEnabled(w, r, false)
}

// setJobEnabled flips the persisted enable flag. The scheduler reads the
// flag at the top of every tick, so the change takes effect without a
// restart. Disabling never touches queued records.
func (s *Server) setJobEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := chi.URLParam(r, "name")

	if s.scheduler != nil && name != s.scheduler.JobName() {
		ERROR(w, http.StatusNotFound, fmt.Errorf("unknown job %q", name))
		return
	}

	if err := s.db.SetJobEnabled(r.Context(), name, enabled); err != nil {
		ERROR(w, http.StatusInternalServerError, err)
		return
	}

	s.log.Info("job state changed", "job", name, "enabled", enabled)
	JSON(w, http.StatusOK, map[string]interface{}{"job": name, "enabled": enabled})
}
