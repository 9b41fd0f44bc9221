package api

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/bobarin/storyforge/internal/apperr"
	"github.com/bobarin/storyforge/internal/db"
	"github.com/bobarin/storyforge/internal/dispatcher"
	"github.com/bobarin/storyforge/internal/live"
	"github.com/bobarin/storyforge/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// initialSceneCount is how many placeholder scenes InitializeScenes creates.
const initialSceneCount = 6

// Signer turns a storage path into a time-limited URL.
type Signer interface {
	SignedURL(ctx context.Context, p string, ttl time.Duration) (string, error)
}

type Options struct {
	StaleAfter   time.Duration
	SignedURLTTL time.Duration
}

type Handler struct {
	db         *db.DB
	dispatcher *dispatcher.Dispatcher
	live       *live.Channel
	signer     Signer
	log        zerolog.Logger
	opts       Options
}

func NewHandler(database *db.DB, disp *dispatcher.Dispatcher, ch *live.Channel, signer Signer, log zerolog.Logger, opts Options) *Handler {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = models.StaleAfter
	}
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = time.Hour
	}
	return &Handler{
		db:         database,
		dispatcher: disp,
		live:       ch,
		signer:     signer,
		log:        log.With().Str("component", "api").Logger(),
		opts:       opts,
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	respondAppError(w, h.log, err)
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateProject handles POST /v1/projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req models.CreateProjectRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.fail(w, err)
		return
	}
	if req.Name == "" {
		h.fail(w, apperr.Validationf("name is required"))
		return
	}

	project := &models.Project{
		ID:          uuid.NewString(),
		UserID:      UserID(r.Context()),
		Name:        req.Name,
		Description: req.Description,
		Storyboard:  req.Storyboard,
	}
	if err := h.db.CreateProject(r.Context(), project); err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, h.projectResponse(r.Context(), project))
}

// ListProjects handles GET /v1/projects
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.db.ListUserProjects(r.Context(), UserID(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}

	summaries := make([]models.ProjectSummary, 0, len(projects))
	for i := range projects {
		p := &projects[i]
		summaries = append(summaries, models.ProjectSummary{
			ID:        p.ID,
			Name:      p.Name,
			Stats:     p.Stats,
			Progress:  p.Progress(),
			CreatedAt: p.CreatedAt,
			UpdatedAt: p.UpdatedAt,
		})
	}
	respondJSON(w, http.StatusOK, models.ListProjectsResponse{Projects: summaries, Total: len(summaries)})
}

// GetProject handles GET /v1/projects/{projectId}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.db.GetUserProject(r.Context(), chi.URLParam(r, "projectId"), UserID(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.projectResponse(r.Context(), project))
}

// UpdateProject handles PATCH /v1/projects/{projectId}
func (h *Handler) UpdateProject(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateProjectRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.fail(w, err)
		return
	}
	if req.Name != nil && *req.Name == "" {
		h.fail(w, apperr.Validationf("name cannot be empty"))
		return
	}

	userID := UserID(r.Context())
	project, err := h.db.MutateProject(r.Context(), chi.URLParam(r, "projectId"), func(p *models.Project) error {
		if err := db.CheckOwner(p, userID); err != nil {
			return err
		}
		if req.Name != nil {
			p.Name = *req.Name
		}
		if req.Description != nil {
			p.Description = *req.Description
		}
		if req.Storyboard != nil {
			p.Storyboard = req.Storyboard
		}
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.projectResponse(r.Context(), project))
}

// DeleteProject handles DELETE /v1/projects/{projectId}. In-flight jobs are cancelled
// first so no executor writes into a deleted project.
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	if _, err := h.db.GetUserProject(r.Context(), projectID, UserID(r.Context())); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.dispatcher.CancelProjectJobs(r.Context(), projectID); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.db.DeleteProject(r.Context(), projectID); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddScene handles POST /v1/projects/{projectId}/scenes
func (h *Handler) AddScene(w http.ResponseWriter, r *http.Request) {
	var req models.AddSceneRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.fail(w, err)
		return
	}
	duration := models.DefaultSceneDuration
	if req.DurationSeconds != nil {
		duration = *req.DurationSeconds
	}
	if !models.ValidDuration(duration) {
		h.fail(w, apperr.Validationf("duration_seconds must be in (0, %g]", models.MaxSceneDuration))
		return
	}

	userID := UserID(r.Context())
	now := h.db.Now()
	scene := models.Scene{
		ID:              uuid.NewString(),
		Title:           req.Title,
		Description:     req.Description,
		DurationSeconds: duration,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	project, err := h.db.MutateProject(r.Context(), chi.URLParam(r, "projectId"), func(p *models.Project) error {
		if err := db.CheckOwner(p, userID); err != nil {
			return err
		}
		p.Scenes = append(p.Scenes, scene)
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, h.sceneResponse(r.Context(), project.FindScene(scene.ID)))
}

// InitializeScenes handles POST /v1/projects/{projectId}/scenes/initialize. It gives an
// empty project a starting set of placeholder scenes.
func (h *Handler) InitializeScenes(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	now := h.db.Now()
	project, err := h.db.MutateProject(r.Context(), chi.URLParam(r, "projectId"), func(p *models.Project) error {
		if err := db.CheckOwner(p, userID); err != nil {
			return err
		}
		if len(p.Scenes) > 0 {
			return apperr.New(apperr.Conflict, "project %s already has %d scenes", p.ID, len(p.Scenes))
		}
		for i := 0; i < initialSceneCount; i++ {
			p.Scenes = append(p.Scenes, models.Scene{
				ID:              uuid.NewString(),
				Title:           fmt.Sprintf("Scene %d", i+1),
				DurationSeconds: models.DefaultSceneDuration,
				CreatedAt:       now,
				UpdatedAt:       now,
			})
		}
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, h.projectResponse(r.Context(), project))
}

// UpdateScene handles PATCH /v1/projects/{projectId}/scenes/{sceneId}
func (h *Handler) UpdateScene(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateSceneRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.fail(w, err)
		return
	}
	if req.DurationSeconds != nil && !models.ValidDuration(*req.DurationSeconds) {
		h.fail(w, apperr.Validationf("duration_seconds must be in (0, %g]", models.MaxSceneDuration))
		return
	}

	projectID, sceneID := chi.URLParam(r, "projectId"), chi.URLParam(r, "sceneId")
	if _, err := h.db.GetUserProject(r.Context(), projectID, UserID(r.Context())); err != nil {
		h.fail(w, err)
		return
	}
	var cleared []models.JobType
	project, err := h.db.MutateScene(r.Context(), projectID, sceneID, func(s *models.Scene) error {
		cleared = editScene(s, req)
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	if len(cleared) > 0 {
		if err := h.dispatcher.SupersedeSceneJobs(r.Context(), projectID, sceneID, cleared...); err != nil {
			h.fail(w, err)
			return
		}
		if project, err = h.db.GetProject(r.Context(), projectID); err != nil {
			h.fail(w, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, h.sceneResponse(r.Context(), project.FindScene(sceneID)))
}

// editScene applies an edit and clears every asset generated from the changed inputs.
// A finished active_job whose asset was cleared is dropped with it. It returns the job
// types whose output was invalidated.
func editScene(s *models.Scene, req models.UpdateSceneRequest) []models.JobType {
	var cleared []models.JobType

	if req.Title != nil {
		s.Title = *req.Title
	}
	if req.DurationSeconds != nil && *req.DurationSeconds != s.DurationSeconds {
		s.DurationSeconds = *req.DurationSeconds
		s.Assets.VideoPath = ""
		cleared = append(cleared, models.JobTypeVideo)
	}
	if req.Description != nil && *req.Description != s.Description {
		s.Description = *req.Description
		s.Assets.VideoPath = ""
		s.Assets.AudioPath = ""
		s.Assets.CompositionPath = ""
		s.Composition = nil
		cleared = append(cleared, models.JobTypeVideo, models.JobTypeAudio, models.JobTypeComposition)
	}

	if aj := s.ActiveJob; aj != nil && aj.Status.Terminal() && slices.Contains(cleared, aj.Type) {
		s.ActiveJob = nil
	}
	return cleared
}

// DeleteScene handles DELETE /v1/projects/{projectId}/scenes/{sceneId}
func (h *Handler) DeleteScene(w http.ResponseWriter, r *http.Request) {
	projectID, sceneID := chi.URLParam(r, "projectId"), chi.URLParam(r, "sceneId")
	userID := UserID(r.Context())

	project, err := h.db.GetUserProject(r.Context(), projectID, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if project.FindScene(sceneID) == nil {
		h.fail(w, apperr.NotFoundf("scene %s not found in project %s", sceneID, projectID))
		return
	}

	jobs, err := h.db.ListSceneJobs(r.Context(), sceneID)
	if err != nil {
		h.fail(w, err)
		return
	}
	for _, j := range jobs {
		if j.ProjectID != projectID || !j.Status.Active() {
			continue
		}
		if _, err := h.dispatcher.Cancel(r.Context(), j.ID, userID); err != nil && !apperr.Is(err, apperr.Conflict) {
			h.fail(w, err)
			return
		}
	}

	_, err = h.db.MutateProject(r.Context(), projectID, func(p *models.Project) error {
		i := slices.IndexFunc(p.Scenes, func(s models.Scene) bool { return s.ID == sceneID })
		if i < 0 {
			return db.ErrNoChange
		}
		p.Scenes = slices.Delete(p.Scenes, i, i+1)
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) projectResponse(ctx context.Context, p *models.Project) models.ProjectResponse {
	scenes := make([]models.SceneResponse, len(p.Scenes))

	var g errgroup.Group
	g.SetLimit(8)
	for i := range p.Scenes {
		scene := &p.Scenes[i]
		g.Go(func() error {
			scenes[i] = h.sceneResponse(ctx, scene)
			return nil
		})
	}
	_ = g.Wait()

	return models.ProjectResponse{
		ID:          p.ID,
		UserID:      p.UserID,
		Name:        p.Name,
		Description: p.Description,
		Storyboard:  p.Storyboard,
		Scenes:      scenes,
		Stats:       p.Stats,
		Progress:    p.Progress(),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func (h *Handler) sceneResponse(ctx context.Context, s *models.Scene) models.SceneResponse {
	return models.SceneResponse{
		Scene: *s,
		State: s.State(),
		Stale: s.ActiveJob.IsStale(h.db.Now(), h.opts.StaleAfter),
		URLs: models.SceneURLs{
			VideoURL:       h.sign(ctx, s.Assets.VideoPath),
			CompositionURL: h.sign(ctx, s.Assets.CompositionPath),
			AudioURL:       h.sign(ctx, s.Assets.AudioPath),
			ThumbnailURL:   h.sign(ctx, s.Assets.ThumbnailPath),
		},
	}
}

// sign returns a signed URL for p, or "" when p is empty or signing failed.
func (h *Handler) sign(ctx context.Context, p string) string {
	if p == "" || h.signer == nil {
		return ""
	}
	url, err := h.signer.SignedURL(ctx, p, h.opts.SignedURLTTL)
	if err != nil {
		h.log.Warn().Err(err).Str("path", p).Msg("failed to sign asset URL")
		return ""
	}
	return url
}
