package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/LyKhan77/protoscale/internal/model"
	"github.com/LyKhan77/protoscale/internal/store"
)

// listJobsResponse wraps the gallery listing.
type listJobsResponse struct {
	Jobs  []*model.Job `json:"jobs"`
	Total int          `json:"total"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, job)
}

// handleListJobs returns completed jobs with artifacts, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var jobs []*model.Job
	for _, j := range s.store.List() {
		if j.Status != model.StatusCompleted || j.ArtifactPath == "" {
			continue
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{Jobs: jobs, Total: len(jobs)})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("delete job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": "deleted"})
}

// historyResponse is the JSON response for GET /api/jobs/{id}/history.
type historyResponse struct {
	JobID       string             `json:"job_id"`
	Transitions []store.Transition `json:"transitions"`
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.Get(id); errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	history := s.store.History()
	if history == nil {
		s.writeJSON(w, http.StatusOK, historyResponse{JobID: id, Transitions: []store.Transition{}})
		return
	}

	transitions, err := history.List(r.Context(), id)
	if err != nil {
		s.logger.Error("list job history", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if transitions == nil {
		transitions = []store.Transition{}
	}

	s.writeJSON(w, http.StatusOK, historyResponse{JobID: id, Transitions: transitions})
}

// handleResult serves the generated model. The durable record wins; when it
// carries no artifact path yet the conventional output location is tried so
// a completed artifact survives a lost record update.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	path := ""
	if job, err := s.store.Get(id); err == nil && job.ArtifactPath != "" {
		path = job.ArtifactPath
	} else {
		path = s.store.ArtifactPath(id)
	}

	if _, err := os.Stat(path); err != nil {
		s.writeError(w, http.StatusNotFound, "model not generated yet")
		return
	}

	w.Header().Set("Content-Type", "model/gltf-binary")
	http.ServeFile(w, r, path)
}

// handleThumbnail serves the processed input image, falling back to the
// original upload.
func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	path := job.ProcessedImagePath
	if path == "" {
		path = job.ImagePath
	}
	if _, err := os.Stat(path); err != nil {
		s.writeError(w, http.StatusNotFound, "no input image stored")
		return
	}

	http.ServeFile(w, r, path)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
