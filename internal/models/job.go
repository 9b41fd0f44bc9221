package models

import "time"

// Cancellation reasons recorded on a job that was forced to failed.
const (
	CancelReasonCancelled      = "cancelled"
	CancelReasonSuperseded     = "superseded"
	CancelReasonProjectDeleted = "project deleted"
)

type JobParams struct {
	Prompt          string  `json:"prompt,omitempty"`
	Style           string  `json:"style,omitempty"`
	AspectRatio     string  `json:"aspect_ratio,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	ImagePath       string  `json:"image_path,omitempty"` // video input; defaults to the scene thumbnail
	Text            string  `json:"text,omitempty"`       // audio narration; defaults to the scene description
	VoiceID         string  `json:"voice_id,omitempty"`
}

// SceneResult is the per-scene outcome of a batch job.
type SceneResult struct {
	SceneID   string    `json:"scene_id"`
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	VideoPath string    `json:"video_path,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Job is the durable record of one generation attempt.
type Job struct {
	ID              string        `json:"job_id"`
	Type            JobType       `json:"type"`
	Status          JobStatus     `json:"status"`
	Progress        int           `json:"progress"`
	ProjectID       string        `json:"project_id"`
	SceneID         string        `json:"scene_id,omitempty"`
	SceneIDs        []string      `json:"scene_ids,omitempty"`
	UserID          string        `json:"user_id"`
	Params          JobParams     `json:"params"`
	ForceRegenerate bool          `json:"force_regenerate,omitempty"`
	ParentJobID     string        `json:"parent_job_id,omitempty"`
	OutputPath      string        `json:"output_path,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	CancelReason    string        `json:"cancel_reason,omitempty"`
	RetryCount      int           `json:"retry_count"`
	Attempts        int           `json:"attempts"`
	Results         []SceneResult `json:"results,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
}

// IsStale reports whether the job is in flight and has not been updated within threshold.
func (j *Job) IsStale(now time.Time, threshold time.Duration) bool {
	return j.Status.Active() && now.Sub(j.UpdatedAt) > threshold
}

// Cancelled reports whether the job was forced to failed by a cancel or supersede.
func (j *Job) Cancelled() bool {
	return j.Status == JobStatusFailed && j.CancelReason != ""
}

// SetProgress raises progress, never lowering it while the job is processing.
func (j *Job) SetProgress(p int, now time.Time) bool {
	p = ClampProgress(p)
	if p <= j.Progress {
		return false
	}
	j.Progress = p
	j.UpdatedAt = now
	return true
}

// Complete moves the job to completed with progress forced to 100.
func (j *Job) Complete(outputPath string, now time.Time) {
	j.Status = JobStatusCompleted
	j.Progress = 100
	j.OutputPath = outputPath
	j.ErrorMessage = ""
	j.UpdatedAt = now
	j.FinishedAt = &now
}

// Fail moves the job to failed. Progress is reset to 0.
func (j *Job) Fail(message string, now time.Time) {
	j.Status = JobStatusFailed
	j.Progress = 0
	j.ErrorMessage = message
	j.UpdatedAt = now
	j.FinishedAt = &now
}

// Cancel is a forced failure carrying a distinguishing reason.
func (j *Job) Cancel(reason string, now time.Time) {
	j.Fail("cancelled: "+reason, now)
	j.CancelReason = reason
}

// Snapshot builds the scene-embedded view of this job.
func (j *Job) Snapshot() *ActiveJob {
	started := j.CreatedAt
	if j.StartedAt != nil {
		started = *j.StartedAt
	}
	return &ActiveJob{
		JobID:        j.ID,
		Type:         j.Type,
		Status:       j.Status,
		Progress:     j.Progress,
		StartedAt:    started,
		LastUpdate:   j.UpdatedAt,
		ErrorMessage: j.ErrorMessage,
	}
}
