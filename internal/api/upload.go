package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/LyKhan77/protoscale/internal/model"
	"github.com/LyKhan77/protoscale/internal/store"
)

const (
	maxUploadBytes = 32 << 20 // 32 MB across all images
	maxImages      = 4
)

var allowedImageExt = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

// uploadResponse is the JSON response for POST /api/upload.
type uploadResponse struct {
	JobID string `json:"job_id"`
}

// handleUpload accepts 1–4 input images plus optional generation settings,
// creates the job, and runs the local background-removal stage before
// returning. Removal failure falls back to the original image.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		files = r.MultipartForm.File["file"]
	}
	if len(files) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one image file is required")
		return
	}
	if len(files) > maxImages {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d images are allowed", maxImages))
		return
	}
	for _, fh := range files {
		if !allowedImageExt[strings.ToLower(filepath.Ext(fh.Filename))] {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported image type: %s", fh.Filename))
			return
		}
	}

	settings := model.Settings{}
	if raw := r.FormValue("settings"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			s.writeError(w, http.StatusBadRequest, "settings must be a JSON object")
			return
		}
	}

	jobID := model.NewID()
	dir := s.store.UploadDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Error("create upload dir", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	var paths []string
	for i, fh := range files {
		dst := filepath.Join(dir, fmt.Sprintf("input_%d%s", i, strings.ToLower(filepath.Ext(fh.Filename))))
		if err := saveUploadedFile(fh, dst); err != nil {
			s.logger.Error("save uploaded image", "job_id", jobID, "error", err)
			os.RemoveAll(dir)
			s.writeError(w, http.StatusInternalServerError, "failed to store upload")
			return
		}
		paths = append(paths, dst)
	}
	settings["all_image_paths"] = paths

	s.store.Create(jobID, paths[0], settings)
	s.runRembgStage(r, jobID, paths[0])

	s.writeJSON(w, http.StatusCreated, uploadResponse{JobID: jobID})
}

// runRembgStage strips the background from the primary input image while
// holding the rembg device slot. Every failure path falls back to the
// original image; upload never fails because of removal.
func (s *Server) runRembgStage(r *http.Request, jobID, imagePath string) {
	device := s.slots.DeviceForStage(model.StageRembg)
	if !s.slots.TryAcquire(device, jobID, model.StageRembg) {
		s.logger.Warn("rembg device busy, skipping background removal", "job_id", jobID, "device", device)
		return
	}
	start := time.Now()
	defer func() {
		s.slots.Release(device, jobID)
		s.slots.RecordCompletion(model.StageRembg, time.Since(start))
	}()

	s.store.UpdateStage(jobID, model.StageRembg, 0)

	out := filepath.Join(s.store.UploadDir(jobID), "processed.png")
	processed, err := s.remover.Remove(r.Context(), imagePath, out, func(p int) {
		s.store.UpdateStage(jobID, model.StageRembg, p/20) // rembg owns the 0–5 band
	})
	if err != nil {
		s.logger.Warn("background removal failed, using original image", "job_id", jobID, "error", err)
		s.store.UpdateStage(jobID, model.StageReady, 0)
		return
	}

	stage := model.StageReady
	s.store.Update(jobID, store.JobUpdate{Stage: &stage, ProcessedImagePath: &processed})
}

func saveUploadedFile(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
