package models

import (
	"time"
)

// Enums
type JobType string

const (
	JobTypeImage       JobType = "image"
	JobTypeVideo       JobType = "video"
	JobTypeComposition JobType = "composition"
	JobTypeAudio       JobType = "audio"
	JobTypeBatch       JobType = "batch"
)

// SceneJobTypes are the job types that target exactly one scene.
var SceneJobTypes = []JobType{JobTypeImage, JobTypeVideo, JobTypeComposition, JobTypeAudio}

func (t JobType) Valid() bool {
	switch t {
	case JobTypeImage, JobTypeVideo, JobTypeComposition, JobTypeAudio, JobTypeBatch:
		return true
	}
	return false
}

// IsSceneJob reports whether jobs of this type write into a single scene.
func (t JobType) IsSceneJob() bool {
	return t.Valid() && t != JobTypeBatch
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Active reports whether the status is pending or processing.
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// SceneState is the coarse stage of a scene shown to clients.
type SceneState string

const (
	SceneStateDraft      SceneState = "draft"
	SceneStateGenerating SceneState = "generating"
	SceneStateFailed     SceneState = "failed"
	SceneStateComplete   SceneState = "complete"
)

const (
	MinSceneDuration     = 0.0
	MaxSceneDuration     = 30.0
	DefaultSceneDuration = 5.0

	// StaleAfter is the default age after which an in-flight job is reported as stale.
	StaleAfter = 5 * time.Minute
)

// Models

type CreativeBrief struct {
	BrandName          string `json:"brand_name"`
	ProductDescription string `json:"product_description"`
	TargetAudience     string `json:"target_audience"`
	KeyMessage         string `json:"key_message"`
	Tone               string `json:"tone"`
	AdditionalNotes    string `json:"additional_notes,omitempty"`
}

type SelectedMood struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	VisualStyle  string   `json:"visual_style"`
	ColorPalette []string `json:"color_palette,omitempty"`
	MoodKeywords []string `json:"mood_keywords,omitempty"`
}

type EmbeddedStoryboard struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	CreativeBrief *CreativeBrief `json:"creative_brief,omitempty"`
	SelectedMood  *SelectedMood  `json:"selected_mood,omitempty"`
}

// SceneAssets holds blob storage paths, never URLs.
type SceneAssets struct {
	VideoPath       string     `json:"video_path,omitempty"`
	CompositionPath string     `json:"composition_path,omitempty"`
	AudioPath       string     `json:"audio_path,omitempty"`
	ThumbnailPath   string     `json:"thumbnail_path,omitempty"`
	GeneratedAt     *time.Time `json:"generated_at,omitempty"`
}

// Path returns the asset path written by jobs of the given type.
func (a *SceneAssets) Path(t JobType) string {
	switch t {
	case JobTypeVideo:
		return a.VideoPath
	case JobTypeComposition:
		return a.CompositionPath
	case JobTypeAudio:
		return a.AudioPath
	case JobTypeImage:
		return a.ThumbnailPath
	}
	return ""
}

// SetPath records path as the output of a job of type t.
func (a *SceneAssets) SetPath(t JobType, path string, at time.Time) {
	switch t {
	case JobTypeVideo:
		a.VideoPath = path
	case JobTypeComposition:
		a.CompositionPath = path
	case JobTypeAudio:
		a.AudioPath = path
	case JobTypeImage:
		a.ThumbnailPath = path
	default:
		return
	}
	a.GeneratedAt = &at
}

type Composition struct {
	Description string         `json:"description"`
	Styling     map[string]any `json:"styling,omitempty"`
	Animation   map[string]any `json:"animation,omitempty"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// ActiveJob is the scene-embedded snapshot of the latest job for that scene.
type ActiveJob struct {
	JobID        string    `json:"job_id"`
	Type         JobType   `json:"type"`
	Status       JobStatus `json:"status"`
	Progress     int       `json:"progress"`
	StartedAt    time.Time `json:"started_at"`
	LastUpdate   time.Time `json:"last_update"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// IsStale reports whether the job is in flight and has not been updated within threshold.
func (j *ActiveJob) IsStale(now time.Time, threshold time.Duration) bool {
	if j == nil || !j.Status.Active() {
		return false
	}
	return now.Sub(j.LastUpdate) > threshold
}

type Scene struct {
	ID              string       `json:"id"`
	SceneNumber     int          `json:"scene_number"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	DurationSeconds float64      `json:"duration_seconds"`
	Assets          SceneAssets  `json:"assets"`
	ActiveJob       *ActiveJob   `json:"active_job,omitempty"`
	Composition     *Composition `json:"composition,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// IsComplete reports whether both the video and the composition exist.
func (s *Scene) IsComplete() bool {
	return s.Assets.VideoPath != "" && s.Assets.CompositionPath != ""
}

func (s *Scene) State() SceneState {
	switch {
	case s.ActiveJob != nil && s.ActiveJob.Status.Active():
		return SceneStateGenerating
	case s.ActiveJob != nil && s.ActiveJob.Status == JobStatusFailed:
		return SceneStateFailed
	case s.IsComplete():
		return SceneStateComplete
	}
	return SceneStateDraft
}

type ProjectStats struct {
	TotalScenes     int       `json:"total_scenes"`
	CompletedScenes int       `json:"completed_scenes"`
	LastActivity    time.Time `json:"last_activity"`
}

type Project struct {
	ID          string              `json:"id"`
	UserID      string              `json:"user_id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Storyboard  *EmbeddedStoryboard `json:"storyboard,omitempty"`
	Scenes      []Scene             `json:"scenes"`
	Stats       ProjectStats        `json:"stats"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// FindScene returns the scene with the given id, or nil.
func (p *Project) FindScene(sceneID string) *Scene {
	for i := range p.Scenes {
		if p.Scenes[i].ID == sceneID {
			return &p.Scenes[i]
		}
	}
	return nil
}

// RecomputeStats derives stats from the scene list. Stats are never written any other way.
func (p *Project) RecomputeStats(now time.Time) {
	completed := 0
	for i := range p.Scenes {
		if p.Scenes[i].IsComplete() {
			completed++
		}
	}
	p.Stats = ProjectStats{
		TotalScenes:     len(p.Scenes),
		CompletedScenes: completed,
		LastActivity:    now,
	}
}

// Renumber sets scene_number to each scene's 1-indexed position.
func (p *Project) Renumber() {
	for i := range p.Scenes {
		p.Scenes[i].SceneNumber = i + 1
	}
}

// Progress returns the percentage of complete scenes.
func (p *Project) Progress() float64 {
	if len(p.Scenes) == 0 {
		return 0
	}
	return float64(p.Stats.CompletedScenes) / float64(len(p.Scenes)) * 100
}

// ClampProgress bounds a progress value to 0-100.
func ClampProgress(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ValidDuration reports whether d is inside (0, 30].
func ValidDuration(d float64) bool {
	return d > MinSceneDuration && d <= MaxSceneDuration
}
