package model

// RetextureStatus is the retexture sub-workflow state.
type RetextureStatus string

// Retexture workflow status constants.
const (
	RetextureIdle       RetextureStatus = "idle"
	RetextureProcessing RetextureStatus = "processing"
	RetextureCancelling RetextureStatus = "cancelling"
	RetextureCancelled  RetextureStatus = "cancelled"
	RetextureCompleted  RetextureStatus = "completed"
	RetextureFailed     RetextureStatus = "failed"
)

// Terminal reports whether the retexture workflow has finished.
func (s RetextureStatus) Terminal() bool {
	return s == RetextureCancelled || s == RetextureCompleted || s == RetextureFailed
}

// RetextureTask tracks one retexture submission for a job. A new submission
// overwrites the previous task; BackupPath references the cancellation backup
// and is cleared once a restore or a successful finalize completes.
type RetextureTask struct {
	JobID      string          `json:"job_id"`
	Status     RetextureStatus `json:"status"`
	Progress   int             `json:"progress"`
	Error      string          `json:"error,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	BackupPath string          `json:"-"`
}
