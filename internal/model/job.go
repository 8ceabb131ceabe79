package model

import (
	"fmt"
	"time"
)

// Status is a job's lifecycle status.
type Status string

// Job status constants.
const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Stage is a named phase of the generation pipeline.
type Stage string

// Pipeline stage constants.
const (
	StageUpload      Stage = "upload"
	StageReady       Stage = "ready"
	StageRembg       Stage = "rembg"
	StageGeometry    Stage = "geometry"
	StageTexture     Stage = "texture"
	StagePostprocess Stage = "postprocess"
	StageCompleted   Stage = "completed"
)

// Provider endpoint kind constants. The provider exposes separate endpoints
// for single-image and multi-image generation; the kind chosen at submission
// is recorded on the job so the poller queries the matching endpoint.
const (
	EndpointImageTo3D      = "image-to-3d"
	EndpointMultiImageTo3D = "multi-image-to-3d"
)

// SchemaVersion is the durable record format version written with every job.
const SchemaVersion = 1

var validStatuses = map[Status]bool{
	StatusPending:    true,
	StatusQueued:     true,
	StatusProcessing: true,
	StatusCompleted:  true,
	StatusFailed:     true,
}

var validStages = map[Stage]bool{
	StageUpload:      true,
	StageReady:       true,
	StageRembg:       true,
	StageGeometry:    true,
	StageTexture:     true,
	StagePostprocess: true,
	StageCompleted:   true,
}

// ParseStatus validates a durable status encoding.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !validStatuses[st] {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// ParseStage validates a durable stage encoding.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !validStages[st] {
		return "", fmt.Errorf("unknown pipeline stage %q", s)
	}
	return st, nil
}

// Terminal reports whether the status is an end state for the job.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Settings holds the generation parameters chosen at upload time.
type Settings map[string]any

// Job represents one end-to-end request to turn input images into a 3D asset.
type Job struct {
	ID                   string    `json:"job_id"`
	SchemaVersion        int       `json:"schema_version"`
	Status               Status    `json:"status"`
	Stage                Stage     `json:"stage"`
	Progress             int       `json:"progress"`
	Error                string    `json:"error,omitempty"`
	Settings             Settings  `json:"settings,omitempty"`
	ImagePath            string    `json:"image_path,omitempty"`
	AllImagePaths        []string  `json:"all_image_paths,omitempty"`
	ProcessedImagePath   string    `json:"processed_image_path,omitempty"`
	ArtifactPath         string    `json:"artifact_path,omitempty"`
	ThumbnailPaths       []string  `json:"thumbnail_paths,omitempty"`
	ExternalTaskID       string    `json:"external_task_id,omitempty"`
	ExternalEndpointKind string    `json:"external_endpoint_kind,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// Clone returns a deep copy of the job. Callers receive clones from the
// store so that no two goroutines ever share a mutable record.
func (j *Job) Clone() *Job {
	c := *j
	if j.Settings != nil {
		c.Settings = make(Settings, len(j.Settings))
		for k, v := range j.Settings {
			c.Settings[k] = v
		}
	}
	if j.AllImagePaths != nil {
		c.AllImagePaths = append([]string(nil), j.AllImagePaths...)
	}
	if j.ThumbnailPaths != nil {
		c.ThumbnailPaths = append([]string(nil), j.ThumbnailPaths...)
	}
	return &c
}

// Event derives the snapshot published to subscribers when the job mutates.
func (j *Job) Event() Event {
	return Event{
		Type:     EventStageUpdate,
		Stage:    j.Stage,
		Progress: j.Progress,
		Status:   j.Status,
		Error:    j.Error,
	}
}
