package api

import (
	"net/http"
)

// healthResponse reports liveness plus a coarse view of pipeline load so
// probes can tell a busy instance from an idle one.
type healthResponse struct {
	Status     string `json:"status"`
	ActiveJobs int    `json:"active_jobs"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		ActiveJobs: len(s.store.Active()),
	})
}
