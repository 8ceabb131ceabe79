package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/LyKhan77/protoscale/internal/meshy"
	"github.com/LyKhan77/protoscale/internal/retexture"
	"github.com/LyKhan77/protoscale/internal/store"
)

// retextureRequest is the JSON body for POST /api/jobs/{id}/retexture.
type retextureRequest struct {
	ObjectPrompt   string `json:"object_prompt"`
	StylePrompt    string `json:"style_prompt"`
	NegativePrompt string `json:"negative_prompt"`
	ArtStyle       string `json:"art_style"`
	AIModel        string `json:"ai_model"`
	EnablePBR      bool   `json:"enable_pbr"`
	Resolution     int    `json:"resolution"`
}

func (s *Server) handleRetextureSubmit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req retextureRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	params := meshy.RetextureParams{
		ObjectPrompt:   req.ObjectPrompt,
		StylePrompt:    req.StylePrompt,
		NegativePrompt: req.NegativePrompt,
		ArtStyle:       req.ArtStyle,
		AIModel:        req.AIModel,
		EnablePBR:      req.EnablePBR,
		Resolution:     req.Resolution,
	}

	err := s.retexture.Submit(r.Context(), id, params)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "no generated model to retexture")
		return
	case errors.Is(err, retexture.ErrConflict):
		s.writeError(w, http.StatusConflict, "a retexture is already in progress for this job")
		return
	case err != nil:
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, s.retexture.Task(id))
}

func (s *Server) handleRetextureStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.Get(id); errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	s.writeJSON(w, http.StatusOK, s.retexture.Task(id))
}

func (s *Server) handleRetextureCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.retexture.Cancel(r.Context(), id)
	if errors.Is(err, retexture.ErrConflict) {
		s.writeError(w, http.StatusConflict, "no cancellable retexture in progress")
		return
	}
	if err != nil {
		s.logger.Error("cancel retexture", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel retexture")
		return
	}

	s.writeJSON(w, http.StatusOK, task)
}
