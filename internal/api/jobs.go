package api

import (
	"context"
	"net/http"
	"sort"

	"github.com/bobarin/storyforge/internal/apperr"
	"github.com/bobarin/storyforge/internal/dispatcher"
	"github.com/bobarin/storyforge/internal/models"
	"github.com/go-chi/chi/v5"
)

// Generate handles POST /v1/projects/{projectId}/scenes/{sceneId}/generate/{type}
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	jobType := models.JobType(chi.URLParam(r, "type"))
	if !jobType.IsSceneJob() {
		h.fail(w, apperr.Validationf("unknown generation type %q", jobType))
		return
	}

	var req models.GenerateRequest
	if err := decodeJSON(r, &req, true); err != nil {
		h.fail(w, err)
		return
	}

	job, err := h.dispatcher.Dispatch(r.Context(), dispatcher.Request{
		Type:            jobType,
		ProjectID:       chi.URLParam(r, "projectId"),
		SceneID:         chi.URLParam(r, "sceneId"),
		UserID:          UserID(r.Context()),
		Params:          req.JobParams,
		ForceRegenerate: req.ForceRegenerate,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, generateResponse(job))
}

// GenerateBatch handles POST /v1/projects/{projectId}/generate/batch
func (h *Handler) GenerateBatch(w http.ResponseWriter, r *http.Request) {
	var req models.BatchGenerateRequest
	if err := decodeJSON(r, &req, true); err != nil {
		h.fail(w, err)
		return
	}

	job, err := h.dispatcher.DispatchBatch(r.Context(), dispatcher.BatchRequest{
		ProjectID:       chi.URLParam(r, "projectId"),
		UserID:          UserID(r.Context()),
		SceneIDs:        req.SceneIDs,
		Params:          req.JobParams,
		ForceRegenerate: req.ForceRegenerate,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, generateResponse(job))
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.db.GetJob(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if job.UserID != UserID(r.Context()) {
		h.fail(w, apperr.Forbiddenf("job %s belongs to another user", job.ID))
		return
	}
	respondJSON(w, http.StatusOK, h.jobResponse(r.Context(), job))
}

// ListProjectJobs handles GET /v1/projects/{projectId}/jobs, newest first.
func (h *Handler) ListProjectJobs(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	if _, err := h.db.GetUserProject(r.Context(), projectID, UserID(r.Context())); err != nil {
		h.fail(w, err)
		return
	}

	jobs, err := h.db.GetProjectJobs(r.Context(), projectID)
	if err != nil {
		h.fail(w, err)
		return
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })

	out := make([]models.JobStatusResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, h.jobResponse(r.Context(), &jobs[i]))
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": out, "total": len(out)})
}

// RetryJob handles POST /v1/jobs/{jobId}/retry
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.dispatcher.Retry(r.Context(), chi.URLParam(r, "jobId"), UserID(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, h.jobResponse(r.Context(), job))
}

// CancelJob handles POST /v1/jobs/{jobId}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.dispatcher.Cancel(r.Context(), chi.URLParam(r, "jobId"), UserID(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.jobResponse(r.Context(), job))
}

func generateResponse(job *models.Job) models.GenerateResponse {
	return models.GenerateResponse{
		JobID:     job.ID,
		Type:      job.Type,
		Status:    job.Status,
		ProjectID: job.ProjectID,
		SceneID:   job.SceneID,
	}
}

func (h *Handler) jobResponse(ctx context.Context, job *models.Job) models.JobStatusResponse {
	return models.JobStatusResponse{
		JobID:        job.ID,
		Type:         job.Type,
		Status:       job.Status,
		Progress:     job.Progress,
		ProjectID:    job.ProjectID,
		SceneID:      job.SceneID,
		OutputPath:   job.OutputPath,
		OutputURL:    h.sign(ctx, job.OutputPath),
		Error:        job.ErrorMessage,
		CancelReason: job.CancelReason,
		Stale:        job.IsStale(h.db.Now(), h.opts.StaleAfter),
		RetryCount:   job.RetryCount,
		Results:      job.Results,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
}
