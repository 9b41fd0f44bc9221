package dispatcher

import (
	"context"

	"github.com/bobarin/storyforge/internal/apperr"
	"github.com/bobarin/storyforge/internal/db"
	"github.com/bobarin/storyforge/internal/models"
	"github.com/google/uuid"
)

type BatchRequest struct {
	ProjectID       string
	UserID          string
	SceneIDs        []string // empty means every scene of the project
	Params          models.JobParams
	ForceRegenerate bool
}

// ChildJobID is the id of the video job a batch runs for one scene.
func ChildJobID(batchID, sceneID string) string {
	return batchID + "_" + sceneID
}

// DispatchBatch creates one batch job plus a pending video job per scene, each
// generated from the scene's thumbnail. Only the batch is triggered; it runs its
// children. Any scene with a video job in flight rejects the whole batch unless
// ForceRegenerate is set.
func (d *Dispatcher) DispatchBatch(ctx context.Context, req BatchRequest) (*models.Job, error) {
	if err := validateParams(req.ProjectID, req.Params); err != nil {
		return nil, err
	}
	project, err := d.db.GetUserProject(ctx, req.ProjectID, req.UserID)
	if err != nil {
		return nil, err
	}

	sceneIDs := req.SceneIDs
	if len(sceneIDs) == 0 {
		for _, s := range project.Scenes {
			sceneIDs = append(sceneIDs, s.ID)
		}
	}
	sceneIDs = dedupe(sceneIDs)
	if len(sceneIDs) == 0 {
		return nil, apperr.Validationf("project %s has no scenes to generate", req.ProjectID)
	}

	scenes := make([]*models.Scene, 0, len(sceneIDs))
	for _, id := range sceneIDs {
		scene := project.FindScene(id)
		if scene == nil {
			return nil, apperr.NotFoundf("scene %s not found in project %s", id, req.ProjectID)
		}
		if scene.Assets.ThumbnailPath == "" {
			return nil, apperr.Validationf("scene %s has no thumbnail to animate", id)
		}
		scenes = append(scenes, scene)
	}

	now := d.db.Now()
	batch := &models.Job{
		ID:              uuid.NewString(),
		Type:            models.JobTypeBatch,
		Status:          models.JobStatusPending,
		ProjectID:       req.ProjectID,
		SceneIDs:        sceneIDs,
		UserID:          req.UserID,
		Params:          req.Params,
		ForceRegenerate: req.ForceRegenerate,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	claims := make([]*claim, 0, len(scenes))
	for _, scene := range scenes {
		c, err := d.claimSlot(ctx, req.ProjectID, scene.ID, models.JobTypeVideo, ChildJobID(batch.ID, scene.ID), activeHint(scene, models.JobTypeVideo), req.ForceRegenerate)
		if err != nil {
			d.release(ctx, claims...)
			if apperr.Is(err, apperr.Conflict) {
				d.metrics.RecordConflict(string(models.JobTypeBatch))
			}
			return nil, err
		}
		claims = append(claims, c)
	}
	for _, c := range claims {
		if c.superseded != nil {
			d.cancelJob(ctx, c.superseded.ID, models.CancelReasonSuperseded)
		}
	}

	if err := d.db.CreateJob(ctx, batch); err != nil {
		d.release(ctx, claims...)
		return nil, err
	}

	children := make(map[string]*models.Job, len(scenes))
	for _, scene := range scenes {
		child := childJob(batch, scene)
		if err := d.db.CreateJob(ctx, child); err != nil {
			d.abandonBatch(ctx, batch, children, err)
			d.release(ctx, claims...)
			return nil, err
		}
		children[scene.ID] = child
	}

	_, err = d.db.MutateProject(ctx, req.ProjectID, func(p *models.Project) error {
		for sceneID, child := range children {
			if s := p.FindScene(sceneID); s != nil {
				s.ActiveJob = child.Snapshot()
			}
		}
		return nil
	})
	if err != nil {
		d.abandonBatch(ctx, batch, children, err)
		d.release(ctx, claims...)
		return nil, err
	}

	d.trigger(ctx, batch)
	d.metrics.RecordDispatch(string(models.JobTypeBatch))
	d.log.Info().Str("job_id", batch.ID).Str("project_id", batch.ProjectID).Int("scenes", len(sceneIDs)).Msg("batch dispatched")
	return batch, nil
}

func childJob(batch *models.Job, scene *models.Scene) *models.Job {
	params := batch.Params
	params.ImagePath = scene.Assets.ThumbnailPath
	if params.DurationSeconds == 0 {
		params.DurationSeconds = scene.DurationSeconds
	}
	return &models.Job{
		ID:              ChildJobID(batch.ID, scene.ID),
		Type:            models.JobTypeVideo,
		Status:          models.JobStatusPending,
		ProjectID:       batch.ProjectID,
		SceneID:         scene.ID,
		UserID:          batch.UserID,
		Params:          params,
		ForceRegenerate: batch.ForceRegenerate,
		ParentJobID:     batch.ID,
		CreatedAt:       batch.CreatedAt,
		UpdatedAt:       batch.UpdatedAt,
	}
}

func (d *Dispatcher) abandonBatch(ctx context.Context, batch *models.Job, children map[string]*models.Job, cause error) {
	for _, child := range children {
		d.abandon(ctx, child, cause)
	}
	d.abandon(ctx, batch, cause)
}

// reclaimBatch claims the video slots of every child a retry will run again.
func (d *Dispatcher) reclaimBatch(ctx context.Context, project *models.Project, batch *models.Job) ([]*claim, error) {
	var claims []*claim
	for _, sceneID := range batch.SceneIDs {
		if project.FindScene(sceneID) == nil {
			continue
		}
		childID := ChildJobID(batch.ID, sceneID)
		child, err := d.db.GetJob(ctx, childID)
		if apperr.Is(err, apperr.NotFound) {
			continue
		}
		if err != nil {
			d.release(ctx, claims...)
			return nil, err
		}
		if child.Status == models.JobStatusCompleted {
			continue
		}
		c, err := d.claimSlot(ctx, batch.ProjectID, sceneID, models.JobTypeVideo, childID, "", false)
		if err != nil {
			d.release(ctx, claims...)
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, nil
}

// resetBatchChildren moves the failed children of a retried batch back to pending.
// Completed children keep their output.
func (d *Dispatcher) resetBatchChildren(ctx context.Context, batch *models.Job) error {
	for _, sceneID := range batch.SceneIDs {
		child, err := d.db.MutateJob(ctx, ChildJobID(batch.ID, sceneID), func(j *models.Job) error {
			if j.Status != models.JobStatusFailed {
				return db.ErrNoChange
			}
			resetForRetry(j, d.db.Now())
			return nil
		})
		if apperr.Is(err, apperr.NotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if child.Status != models.JobStatusPending {
			continue
		}
		if err := d.mirror(ctx, child, true); err != nil && !apperr.Is(err, apperr.NotFound) {
			return err
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
