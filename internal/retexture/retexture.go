// Package retexture implements the replace-with-rollback workflow that swaps
// a completed job's textured artifact. The current artifact is backed up
// before anything is submitted, so a cancellation mid-flight can always
// restore the exact pre-submission bytes.
package retexture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/LyKhan77/protoscale/internal/meshy"
	"github.com/LyKhan77/protoscale/internal/model"
	"github.com/LyKhan77/protoscale/internal/store"
)

// ErrConflict is returned when a retexture is already in flight for the job,
// or when a cancel arrives with nothing cancellable.
var ErrConflict = errors.New("retexture conflict")

// backupSuffix names the cancellation backup next to the primary artifact.
const backupSuffix = ".bak"

// pristineName preserves the first-ever pre-retexture artifact permanently.
const pristineName = "model_original.glb"

// tempName is the staging file for a downloaded replacement.
const tempName = "retexture_temp.glb"

// Manager owns retexture task state per job. The poller reads and drives
// tasks exclusively through this type; nothing else mutates them.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*model.RetextureTask

	store  *store.Store
	client *meshy.Client
	logger *slog.Logger
}

// NewManager creates a retexture manager bound to the job store and the
// provider client.
func NewManager(s *store.Store, c *meshy.Client, logger *slog.Logger) *Manager {
	return &Manager{
		tasks:  make(map[string]*model.RetextureTask),
		store:  s,
		client: c,
		logger: logger,
	}
}

// Task returns a snapshot of the job's retexture task. Jobs that never
// submitted one report an idle task.
func (m *Manager) Task(jobID string) model.RetextureTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tasks[jobID]; ok {
		return *t
	}
	return model.RetextureTask{JobID: jobID, Status: model.RetextureIdle}
}

// Processing returns snapshots of tasks the poller must track: submitted
// tasks still in the processing state.
func (m *Manager) Processing() []model.RetextureTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.RetextureTask
	for _, t := range m.tasks {
		if t.Status == model.RetextureProcessing && t.TaskID != "" {
			out = append(out, *t)
		}
	}
	return out
}

// Submit starts a retexture for the job. It rejects with ErrConflict while
// a previous submission is still processing or cancelling, backs up the
// primary artifact before any external call, then submits to the provider.
// A submission failure lands in the failed state with no backup retained —
// the artifact was never modified, so rollback is unnecessary.
func (m *Manager) Submit(ctx context.Context, jobID string, params meshy.RetextureParams) error {
	job, err := m.store.Get(jobID)
	if err != nil {
		return err
	}

	artifact := job.ArtifactPath
	if artifact == "" {
		artifact = m.store.ArtifactPath(jobID)
	}
	if _, err := os.Stat(artifact); err != nil {
		return fmt.Errorf("%w: no generated model for job %s", store.ErrNotFound, jobID)
	}

	// Reserve the task slot atomically; everything after runs unlocked.
	m.mu.Lock()
	if t, ok := m.tasks[jobID]; ok && !t.Status.Terminal() && t.Status != model.RetextureIdle {
		m.mu.Unlock()
		return ErrConflict
	}
	m.tasks[jobID] = &model.RetextureTask{
		JobID:  jobID,
		Status: model.RetextureProcessing,
	}
	m.mu.Unlock()

	backup := artifact + backupSuffix
	if err := copyFile(artifact, backup); err != nil {
		m.fail(jobID, fmt.Sprintf("backup failed: %v", err))
		return fmt.Errorf("backup artifact: %w", err)
	}

	modelURI, err := meshy.ModelDataURI(artifact)
	if err != nil {
		os.Remove(backup)
		m.fail(jobID, err.Error())
		return err
	}

	taskID, err := m.client.SubmitRetexture(ctx, modelURI, params)
	if err != nil {
		os.Remove(backup)
		m.fail(jobID, err.Error())
		return err
	}

	m.mu.Lock()
	t := m.tasks[jobID]
	t.TaskID = taskID
	t.BackupPath = backup
	m.mu.Unlock()

	m.logger.Info("retexture submitted", "job_id", jobID, "task_id", taskID)
	return nil
}

// SetProgress records poller-observed progress for a processing task.
func (m *Manager) SetProgress(jobID string, progress int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[jobID]
	if !ok || t.Status != model.RetextureProcessing {
		return
	}
	t.Progress = progress
}

// Fail moves a processing task to the failed state with the given message.
// The primary artifact was never touched, so the cancellation backup is
// discarded rather than restored.
func (m *Manager) Fail(jobID, msg string) {
	m.mu.Lock()
	t, ok := m.tasks[jobID]
	if !ok || t.Status != model.RetextureProcessing {
		m.mu.Unlock()
		return
	}
	backup := t.BackupPath
	t.Status = model.RetextureFailed
	t.Progress = 0
	t.Error = msg
	t.BackupPath = ""
	m.mu.Unlock()

	if backup != "" {
		os.Remove(backup)
	}
}

// fail is the submission-path variant of Fail; at that point no backup
// reference has been recorded yet.
func (m *Manager) fail(jobID, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tasks[jobID]; ok {
		t.Status = model.RetextureFailed
		t.Progress = 0
		t.Error = msg
	}
}

// Finalize downloads the replacement artifact and swaps it in. The new file
// is staged to a temporary path first and renamed over the primary artifact
// under the manager lock, so the on-disk artifact is always either the
// pristine pre-retexture version or a fully written replacement. The first
// successful retexture also preserves a permanent pristine copy.
func (m *Manager) Finalize(ctx context.Context, jobID, glbURL string) error {
	m.mu.Lock()
	t, ok := m.tasks[jobID]
	if !ok || t.Status != model.RetextureProcessing {
		m.mu.Unlock()
		return nil
	}
	t.Progress = 95
	m.mu.Unlock()

	artifact := m.store.ArtifactPath(jobID)
	outputDir := m.store.OutputDir(jobID)
	temp := filepath.Join(outputDir, tempName)

	if err := m.client.Download(ctx, glbURL, temp); err != nil {
		m.Fail(jobID, fmt.Sprintf("download failed: %v", err))
		return err
	}

	pristine := filepath.Join(outputDir, pristineName)
	if _, err := os.Stat(pristine); os.IsNotExist(err) {
		if err := copyFile(artifact, pristine); err != nil {
			m.logger.Warn("failed to preserve pristine artifact", "job_id", jobID, "error", err)
		}
	}

	m.mu.Lock()
	// The task may have been cancelled while the download ran; the restored
	// artifact must not be overwritten in that case.
	if t.Status != model.RetextureProcessing {
		m.mu.Unlock()
		os.Remove(temp)
		return nil
	}
	if err := os.Rename(temp, artifact); err != nil {
		t.Status = model.RetextureFailed
		t.Progress = 0
		t.Error = fmt.Sprintf("replace artifact: %v", err)
		m.mu.Unlock()
		os.Remove(temp)
		return err
	}
	backup := t.BackupPath
	t.Status = model.RetextureCompleted
	t.Progress = 100
	t.Error = ""
	t.BackupPath = ""
	m.mu.Unlock()

	if backup != "" {
		os.Remove(backup)
	}
	m.store.Update(jobID, store.JobUpdate{ArtifactPath: &artifact})
	m.logger.Info("retexture completed", "job_id", jobID)
	return nil
}

// Cancel aborts an in-flight retexture. Only a task in the processing state
// may be cancelled — a repeat cancel while already cancelling or terminal is
// rejected with ErrConflict. The remote task is signalled best-effort, the
// primary artifact is restored from the cancellation backup, and temporary
// intermediates are removed.
func (m *Manager) Cancel(ctx context.Context, jobID string) (model.RetextureTask, error) {
	m.mu.Lock()
	t, ok := m.tasks[jobID]
	if !ok || t.Status != model.RetextureProcessing {
		m.mu.Unlock()
		return model.RetextureTask{}, ErrConflict
	}
	t.Status = model.RetextureCancelling
	taskID := t.TaskID
	backup := t.BackupPath
	m.mu.Unlock()

	if taskID != "" {
		if err := m.client.CancelTask(ctx, meshy.EndpointTextToTexture, taskID); err != nil {
			m.logger.Warn("remote cancel failed", "job_id", jobID, "task_id", taskID, "error", err)
		}
	}

	artifact := m.store.ArtifactPath(jobID)
	if backup != "" {
		if _, err := os.Stat(backup); err == nil {
			if err := copyFile(backup, artifact); err != nil {
				m.logger.Error("failed to restore artifact from backup", "job_id", jobID, "error", err)
			}
			os.Remove(backup)
		}
	}
	os.Remove(filepath.Join(m.store.OutputDir(jobID), tempName))

	if _, err := os.Stat(artifact); err == nil {
		m.store.Update(jobID, store.JobUpdate{ArtifactPath: &artifact})
	}

	m.mu.Lock()
	t.Status = model.RetextureCancelled
	t.Progress = 0
	t.Error = ""
	t.BackupPath = ""
	snapshot := *t
	m.mu.Unlock()

	m.logger.Info("retexture cancelled", "job_id", jobID)
	return snapshot, nil
}

// copyFile copies src to dst, truncating any existing dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
