// Package store owns job records for their full lifetime: an in-memory index
// backed by one durable JSON record per job, plus a sqlite transition history.
// It is the single source of truth for job status, stage, and progress.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/LyKhan77/protoscale/internal/events"
	"github.com/LyKhan77/protoscale/internal/model"
)

// recordFile is the durable record filename inside each job's upload dir.
const recordFile = "job_state.json"

// ErrNotFound is returned when a job is not found in memory or on disk.
var ErrNotFound = errors.New("job not found")

// JobUpdate describes a partial mutation of a job record. Nil fields are
// left unchanged.
type JobUpdate struct {
	Status               *model.Status
	Stage                *model.Stage
	Progress             *int
	Error                *string
	Settings             model.Settings
	ImagePath            *string
	AllImagePaths        []string
	ProcessedImagePath   *string
	ArtifactPath         *string
	ThumbnailPaths       []string
	ExternalTaskID       *string
	ExternalEndpointKind *string
}

// Store is the durable, thread-safe job store. One mutex covers every path;
// job counts are small and each operation is an in-memory mutation plus one
// synchronous file write, so coarse locking keeps the invariants simple.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*model.Job

	uploadsDir string
	outputsDir string

	bus     *events.Bus
	history *History
	logger  *slog.Logger
}

// New creates a store rooted at the given upload and output directories,
// creating them if needed. history may be nil to disable transition logging.
func New(uploadsDir, outputsDir string, bus *events.Bus, history *History, logger *slog.Logger) (*Store, error) {
	for _, dir := range []string{uploadsDir, outputsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return &Store{
		jobs:       make(map[string]*model.Job),
		uploadsDir: uploadsDir,
		outputsDir: outputsDir,
		bus:        bus,
		history:    history,
		logger:     logger,
	}, nil
}

// UploadDir returns the directory holding a job's input images and record.
func (s *Store) UploadDir(jobID string) string {
	return filepath.Join(s.uploadsDir, jobID)
}

// OutputDir returns the directory holding a job's generated artifacts.
func (s *Store) OutputDir(jobID string) string {
	return filepath.Join(s.outputsDir, jobID)
}

// ArtifactPath returns the canonical primary artifact location for a job.
func (s *Store) ArtifactPath(jobID string) string {
	return filepath.Join(s.outputsDir, jobID, "model.glb")
}

func (s *Store) recordPath(jobID string) string {
	return filepath.Join(s.uploadsDir, jobID, recordFile)
}

// Create initializes a new job record with status=pending, stage=ready,
// progress=0 and persists it synchronously. Duplicate IDs overwrite the
// existing record; callers guarantee uniqueness.
func (s *Store) Create(jobID, imagePath string, settings model.Settings) *model.Job {
	j := &model.Job{
		ID:            jobID,
		SchemaVersion: model.SchemaVersion,
		Status:        model.StatusPending,
		Stage:         model.StageReady,
		Progress:      0,
		Settings:      settings,
		ImagePath:     imagePath,
		CreatedAt:     time.Now().UTC(),
	}
	if paths, ok := settings["all_image_paths"].([]string); ok {
		j.AllImagePaths = paths
	} else {
		j.AllImagePaths = []string{imagePath}
	}

	s.mu.Lock()
	s.jobs[jobID] = j
	s.persistLocked(j)
	s.mu.Unlock()

	return j.Clone()
}

// Get returns a deep copy of the job. When the in-memory index misses, the
// durable record is loaded and re-admitted to the index (lazy cache warm).
func (s *Store) Get(jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[jobID]; ok {
		return j.Clone(), nil
	}

	j, err := s.loadRecord(jobID)
	if err != nil {
		return nil, ErrNotFound
	}
	s.jobs[jobID] = j
	return j.Clone(), nil
}

// Update merges the set fields into the record under the store lock, persists
// synchronously, appends a transition row, and publishes the derived event.
// Updating a job that does not exist is a no-op: no event, no write.
func (s *Store) Update(jobID string, u JobUpdate) {
	s.mu.Lock()

	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}

	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.Stage != nil {
		j.Stage = *u.Stage
	}
	if u.Progress != nil {
		j.Progress = *u.Progress
	}
	if u.Error != nil {
		j.Error = *u.Error
	}
	if u.Settings != nil {
		j.Settings = u.Settings
	}
	if u.ImagePath != nil {
		j.ImagePath = *u.ImagePath
	}
	if u.AllImagePaths != nil {
		j.AllImagePaths = u.AllImagePaths
	}
	if u.ProcessedImagePath != nil {
		j.ProcessedImagePath = *u.ProcessedImagePath
	}
	if u.ArtifactPath != nil {
		j.ArtifactPath = *u.ArtifactPath
	}
	if u.ThumbnailPaths != nil {
		j.ThumbnailPaths = u.ThumbnailPaths
	}
	if u.ExternalTaskID != nil {
		j.ExternalTaskID = *u.ExternalTaskID
	}
	if u.ExternalEndpointKind != nil {
		j.ExternalEndpointKind = *u.ExternalEndpointKind
	}

	s.persistLocked(j)

	ev := j.Event()
	if s.history != nil {
		if err := s.history.Append(context.Background(), jobID, ev); err != nil {
			s.logger.Warn("failed to append job transition", "job_id", jobID, "error", err)
		}
	}
	s.mu.Unlock()

	s.bus.Publish(jobID, ev)
	if ev.Status.Terminal() {
		s.bus.Close(jobID)
	}
}

// UpdateStage is a convenience for the common stage/progress transition.
func (s *Store) UpdateStage(jobID string, stage model.Stage, progress int) {
	s.Update(jobID, JobUpdate{Stage: &stage, Progress: &progress})
}

// Bus exposes the event bus used for job update fan-out.
func (s *Store) Bus() *events.Bus {
	return s.bus
}

// History exposes the transition history, nil when disabled.
func (s *Store) History() *History {
	return s.history
}

// RestoreAll loads every durable record under the uploads directory into the
// in-memory index, recovering in-flight jobs after a restart. A corrupt
// record is logged and skipped; it never fails the whole restore.
func (s *Store) RestoreAll() int {
	entries, err := os.ReadDir(s.uploadsDir)
	if err != nil {
		s.logger.Error("failed to scan uploads dir", "dir", s.uploadsDir, "error", err)
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		jobID := e.Name()
		j, err := s.loadRecord(jobID)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("skipping corrupt job record", "job_id", jobID, "error", err)
			}
			continue
		}
		s.jobs[jobID] = j
		restored++
	}

	s.logger.Info("restored jobs from disk", "count", restored)
	return restored
}

// Delete removes the in-memory record, the durable record, and all artifact
// files for the job. It returns ErrNotFound when neither memory nor disk held
// anything for the ID.
func (s *Store) Delete(jobID string) error {
	uploadDir := s.UploadDir(jobID)
	outputDir := s.OutputDir(jobID)

	s.mu.Lock()
	_, inMemory := s.jobs[jobID]
	delete(s.jobs, jobID)
	s.mu.Unlock()

	onDisk := false
	for _, dir := range []string{uploadDir, outputDir} {
		if _, err := os.Stat(dir); err == nil {
			onDisk = true
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("remove %s: %w", dir, err)
			}
		}
	}

	if !inMemory && !onDisk {
		return ErrNotFound
	}

	if s.history != nil {
		if err := s.history.DeleteJob(context.Background(), jobID); err != nil {
			s.logger.Warn("failed to delete job history", "job_id", jobID, "error", err)
		}
	}
	s.bus.Drop(jobID)
	return nil
}

// List returns clones of all jobs currently in the in-memory index.
func (s *Store) List() []*model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	return out
}

// Active returns clones of jobs the poller must track: status=processing
// with a provider task ID and a non-terminal stage.
func (s *Store) Active() []*model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Job
	for _, j := range s.jobs {
		if j.Status == model.StatusProcessing && j.ExternalTaskID != "" && j.Stage != model.StageCompleted {
			out = append(out, j.Clone())
		}
	}
	return out
}

// persistLocked writes the full record to disk. Persistence failures are
// logged and swallowed: losing one progress tick is recoverable, crashing
// the orchestration path is not.
func (s *Store) persistLocked(j *model.Job) {
	dir := s.UploadDir(j.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("failed to create job dir", "job_id", j.ID, "error", err)
		return
	}

	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		s.logger.Warn("failed to encode job record", "job_id", j.ID, "error", err)
		return
	}
	if err := os.WriteFile(s.recordPath(j.ID), data, 0o644); err != nil {
		s.logger.Warn("failed to persist job record", "job_id", j.ID, "error", err)
	}
}

// loadRecord reads and validates a durable record. Records carrying unknown
// status or stage encodings are rejected as corrupt.
func (s *Store) loadRecord(jobID string) (*model.Job, error) {
	data, err := os.ReadFile(s.recordPath(jobID))
	if err != nil {
		return nil, err
	}

	var j model.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job record: %w", err)
	}
	if _, err := model.ParseStatus(string(j.Status)); err != nil {
		return nil, err
	}
	if _, err := model.ParseStage(string(j.Stage)); err != nil {
		return nil, err
	}
	if j.ID == "" {
		j.ID = jobID
	}
	return &j, nil
}
