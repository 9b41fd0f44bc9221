package models

import "time"

// DTOs for API requests and responses

type CreateProjectRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Storyboard  *EmbeddedStoryboard `json:"storyboard,omitempty"`
}

type UpdateProjectRequest struct {
	Name        *string             `json:"name,omitempty"`
	Description *string             `json:"description,omitempty"`
	Storyboard  *EmbeddedStoryboard `json:"storyboard,omitempty"`
}

type AddSceneRequest struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

type UpdateSceneRequest struct {
	Title           *string  `json:"title,omitempty"`
	Description     *string  `json:"description,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

type GenerateRequest struct {
	JobParams
	ForceRegenerate bool `json:"force_regenerate,omitempty"`
}

type BatchGenerateRequest struct {
	JobParams
	SceneIDs        []string `json:"scene_ids,omitempty"`
	ForceRegenerate bool     `json:"force_regenerate,omitempty"`
}

type GenerateResponse struct {
	JobID     string    `json:"job_id"`
	Type      JobType   `json:"type"`
	Status    JobStatus `json:"status"`
	ProjectID string    `json:"project_id"`
	SceneID   string    `json:"scene_id,omitempty"`
}

type JobStatusResponse struct {
	JobID        string        `json:"job_id"`
	Type         JobType       `json:"type"`
	Status       JobStatus     `json:"status"`
	Progress     int           `json:"progress"`
	ProjectID    string        `json:"project_id"`
	SceneID      string        `json:"scene_id,omitempty"`
	OutputPath   string        `json:"output_path,omitempty"`
	OutputURL    string        `json:"output_url,omitempty"`
	Error        string        `json:"error,omitempty"`
	CancelReason string        `json:"cancel_reason,omitempty"`
	Stale        bool          `json:"stale"`
	RetryCount   int           `json:"retry_count"`
	Results      []SceneResult `json:"results,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// SceneURLs are signed URLs resolved at read time from scene asset paths.
type SceneURLs struct {
	VideoURL       string `json:"video_url,omitempty"`
	CompositionURL string `json:"composition_url,omitempty"`
	AudioURL       string `json:"audio_url,omitempty"`
	ThumbnailURL   string `json:"thumbnail_url,omitempty"`
}

type SceneResponse struct {
	Scene
	State SceneState `json:"state"`
	Stale bool       `json:"stale"`
	URLs  SceneURLs  `json:"urls"`
}

type ProjectResponse struct {
	ID          string              `json:"id"`
	UserID      string              `json:"user_id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Storyboard  *EmbeddedStoryboard `json:"storyboard,omitempty"`
	Scenes      []SceneResponse     `json:"scenes"`
	Stats       ProjectStats        `json:"stats"`
	Progress    float64             `json:"progress"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// ProjectSummary is a lightweight DTO for the list endpoint, no scene array.
type ProjectSummary struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Stats     ProjectStats `json:"stats"`
	Progress  float64      `json:"progress"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type ListProjectsResponse struct {
	Projects []ProjectSummary `json:"projects"`
	Total    int              `json:"total"`
}
