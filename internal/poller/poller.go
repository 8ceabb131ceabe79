// Package poller drives remote task state into local job transitions. A
// single goroutine polls the provider on a fixed tick for every job with an
// outstanding external task, plus every in-flight retexture.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LyKhan77/protoscale/internal/meshy"
	"github.com/LyKhan77/protoscale/internal/model"
	"github.com/LyKhan77/protoscale/internal/retexture"
	"github.com/LyKhan77/protoscale/internal/store"
	"github.com/LyKhan77/protoscale/internal/thumbs"
)

// DefaultInterval is the poll tick when none is configured.
const DefaultInterval = 2 * time.Second

// Poller polls the provider and applies the resulting transitions. Remote
// progress maps into the local 0–100 scale so the early local stages keep
// their reserved band; local progress never decreases within a status.
type Poller struct {
	store     *store.Store
	client    *meshy.Client
	retexture *retexture.Manager
	thumbs    thumbs.Renderer
	logger    *slog.Logger
	interval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a poller. A zero interval selects DefaultInterval.
func New(s *store.Store, c *meshy.Client, rt *retexture.Manager, th thumbs.Renderer, logger *slog.Logger, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		store:     s,
		client:    c,
		retexture: rt,
		thumbs:    th,
		logger:    logger,
		interval:  interval,
	}
}

// Start launches the poll loop. It returns immediately.
func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the current tick to finish.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// tick polls every active job and every in-flight retexture once. Per-item
// errors are logged; one bad poll never stalls the rest.
func (p *Poller) tick(ctx context.Context) {
	for _, job := range p.store.Active() {
		if err := p.pollJob(ctx, job); err != nil {
			p.logger.Error("poll failed", "job_id", job.ID, "task_id", job.ExternalTaskID, "error", err)
		}
	}
	for _, task := range p.retexture.Processing() {
		if err := p.pollRetexture(ctx, task); err != nil {
			p.logger.Error("retexture poll failed", "job_id", task.JobID, "task_id", task.TaskID, "error", err)
		}
	}
}

func (p *Poller) pollJob(ctx context.Context, job *model.Job) error {
	result, err := p.client.PollTask(ctx, job.ExternalEndpointKind, job.ExternalTaskID)
	if err != nil {
		return err
	}

	switch result.Status {
	case meshy.TaskPending:
		p.store.UpdateStage(job.ID, model.StageGeometry, 5)
	case meshy.TaskInProgress:
		p.store.UpdateStage(job.ID, model.StageGeometry, generationProgress(job.Progress, result.Progress))
	case meshy.TaskSucceeded:
		return p.finalizeJob(ctx, job, result)
	case meshy.TaskFailed:
		msg := result.ErrorMessage()
		failed := model.StatusFailed
		p.store.Update(job.ID, store.JobUpdate{Status: &failed, Error: &msg})
		p.logger.Info("generation failed", "job_id", job.ID, "error", msg)
	}
	return nil
}

// finalizeJob downloads the finished model and completes the job. Thumbnail
// rendering runs after the download; a render failure is logged and the job
// still completes.
func (p *Poller) finalizeJob(ctx context.Context, job *model.Job, result *meshy.TaskResult) error {
	p.store.UpdateStage(job.ID, model.StagePostprocess, 95)

	glbURL := result.GLBURL()
	if glbURL == "" {
		msg := "task succeeded without a model URL"
		failed := model.StatusFailed
		p.store.Update(job.ID, store.JobUpdate{Status: &failed, Error: &msg})
		return fmt.Errorf("job %s: %s", job.ID, msg)
	}

	artifact := p.store.ArtifactPath(job.ID)
	if err := p.client.Download(ctx, glbURL, artifact); err != nil {
		msg := fmt.Sprintf("download model: %v", err)
		failed := model.StatusFailed
		p.store.Update(job.ID, store.JobUpdate{Status: &failed, Error: &msg})
		return fmt.Errorf("job %s: %s", job.ID, msg)
	}

	update := store.JobUpdate{ArtifactPath: &artifact}
	if thumbPaths, err := p.thumbs.Render(ctx, artifact, p.store.OutputDir(job.ID)); err != nil {
		p.logger.Warn("thumbnail render failed", "job_id", job.ID, "error", err)
	} else if len(thumbPaths) > 0 {
		update.ThumbnailPaths = thumbPaths
	}

	completed := model.StatusCompleted
	stage := model.StageCompleted
	progress := 100
	update.Status = &completed
	update.Stage = &stage
	update.Progress = &progress
	p.store.Update(job.ID, update)

	p.logger.Info("generation completed", "job_id", job.ID, "artifact", artifact)
	return nil
}

func (p *Poller) pollRetexture(ctx context.Context, task model.RetextureTask) error {
	result, err := p.client.PollRetexture(ctx, task.TaskID)
	if err != nil {
		return err
	}

	switch result.Status {
	case meshy.TaskPending:
		p.retexture.SetProgress(task.JobID, 5)
	case meshy.TaskInProgress:
		p.retexture.SetProgress(task.JobID, retextureProgress(result.Progress))
	case meshy.TaskSucceeded:
		return p.retexture.Finalize(ctx, task.JobID, result.GLBURL())
	case meshy.TaskFailed:
		p.retexture.Fail(task.JobID, result.ErrorMessage())
	}
	return nil
}

// generationProgress maps remote progress into the 10–95 band reserved for
// the remote stage, never below what the job already reports.
func generationProgress(current, remote int) int {
	mapped := 10 + int(float64(remote)*0.85)
	if mapped > 95 {
		mapped = 95
	}
	if mapped < 10 {
		mapped = 10
	}
	if mapped < current {
		return current
	}
	return mapped
}

// retextureProgress maps remote retexture progress into the 10+ band; the
// submission phase owns everything below.
func retextureProgress(remote int) int {
	mapped := 10 + int(float64(remote)*0.8)
	if mapped < 10 {
		return 10
	}
	return mapped
}
