package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/LyKhan77/protoscale/internal/meshy"
	"github.com/LyKhan77/protoscale/internal/model"
	"github.com/LyKhan77/protoscale/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// generateResponse is the JSON response for POST /api/jobs/{id}/generate-3d.
type generateResponse struct {
	JobID  string `json:"job_id"`
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// handleGenerate3D submits the job's images to the provider. The request
// body may carry setting overrides which are merged over the upload-time
// settings before submission.
func (s *Server) handleGenerate3D(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for generation", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if job.Status == model.StatusProcessing || job.Status == model.StatusQueued {
		s.writeError(w, http.StatusConflict, "generation already in progress")
		return
	}

	// An empty body means "use upload-time settings unchanged".
	overrides := model.Settings{}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	settings := job.Settings
	if settings == nil {
		settings = model.Settings{}
	}
	for k, v := range overrides {
		settings[k] = v
	}

	queued := model.StatusQueued
	s.store.Update(id, store.JobUpdate{Status: &queued, Settings: settings})

	uris, err := s.imageURIs(job)
	if err != nil {
		s.failGeneration(w, id, "encode input images: "+err.Error())
		return
	}

	taskID, endpointKind, err := s.client.SubmitImageTo3D(r.Context(), uris, generateParams(settings))
	if err != nil {
		s.failGeneration(w, id, "provider submission failed: "+err.Error())
		return
	}

	processing := model.StatusProcessing
	stage := model.StageGeometry
	progress := 10
	s.store.Update(id, store.JobUpdate{
		Status:               &processing,
		Stage:                &stage,
		Progress:             &progress,
		ExternalTaskID:       &taskID,
		ExternalEndpointKind: &endpointKind,
	})
	s.logger.Info("generation submitted", "job_id", id, "task_id", taskID, "endpoint", endpointKind)

	s.writeJSON(w, http.StatusAccepted, generateResponse{
		JobID:  id,
		TaskID: taskID,
		Status: string(processing),
	})
}

// imageURIs encodes the job's input images as data URIs, preferring the
// background-removed image for the primary input.
func (s *Server) imageURIs(job *model.Job) ([]string, error) {
	paths := job.AllImagePaths
	if len(paths) == 0 {
		paths = []string{job.ImagePath}
	}
	if job.ProcessedImagePath != "" {
		paths = append([]string{job.ProcessedImagePath}, paths[1:]...)
	}

	uris := make([]string, 0, len(paths))
	for _, p := range paths {
		uri, err := meshy.ImageDataURI(p)
		if err != nil {
			return nil, err
		}
		uris = append(uris, uri)
	}
	return uris, nil
}

func (s *Server) failGeneration(w http.ResponseWriter, jobID, msg string) {
	failed := model.StatusFailed
	s.store.Update(jobID, store.JobUpdate{Status: &failed, Error: &msg})
	s.logger.Error("generation submission failed", "job_id", jobID, "error", msg)
	s.writeError(w, http.StatusBadGateway, msg)
}

// generateParams extracts provider parameters from job settings.
func generateParams(settings model.Settings) meshy.GenerateParams {
	p := meshy.GenerateParams{
		AIModel:       "meshy-4",
		ShouldTexture: true,
		SymmetryMode:  "auto",
	}
	if v, ok := settings["ai_model"].(string); ok && v != "" {
		p.AIModel = v
	}
	if v, ok := settings["should_texture"].(bool); ok {
		p.ShouldTexture = v
	}
	if v, ok := settings["enable_pbr"].(bool); ok {
		p.EnablePBR = v
	}
	if v, ok := settings["model_type"].(string); ok {
		p.ModelType = v
	}
	if v, ok := settings["symmetry_mode"].(string); ok && v != "" {
		p.SymmetryMode = v
	}
	return p
}
