// Package dispatcher creates job records and hands them to the executor. It never
// waits for generation: writing the pending record and its trigger is the whole job.
package dispatcher

import (
	"context"
	"slices"
	"time"

	"github.com/bobarin/storyforge/internal/apperr"
	"github.com/bobarin/storyforge/internal/db"
	"github.com/bobarin/storyforge/internal/metrics"
	"github.com/bobarin/storyforge/internal/models"
	"github.com/bobarin/storyforge/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// claimGrace is how long a slot pointing at a job record that does not exist yet
	// still counts as held: the dispatcher that claimed it is between the slot write
	// and the record write.
	claimGrace = 30 * time.Second

	maxClaimAttempts = 8
)

// Enqueuer delivers the execution trigger for a stored job record.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job *models.Job) error
}

type Options struct {
	StaleAfter time.Duration
	MaxRetries int
}

type Dispatcher struct {
	db         *db.DB
	queue      Enqueuer
	log        zerolog.Logger
	metrics    *metrics.Collector
	staleAfter time.Duration
	maxRetries int
}

func New(database *db.DB, queue Enqueuer, log zerolog.Logger, m *metrics.Collector, opts Options) *Dispatcher {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = models.StaleAfter
	}
	return &Dispatcher{
		db:         database,
		queue:      queue,
		log:        log.With().Str("component", "dispatcher").Logger(),
		metrics:    m,
		staleAfter: opts.StaleAfter,
		maxRetries: opts.MaxRetries,
	}
}

type Request struct {
	Type            models.JobType
	ProjectID       string
	SceneID         string
	UserID          string
	Params          models.JobParams
	ForceRegenerate bool
}

// Dispatch creates a pending job for one scene asset and triggers its execution.
// It fails with Conflict, carrying the existing job id, when a job of the same type
// is already in flight for the scene and ForceRegenerate is not set.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*models.Job, error) {
	if !req.Type.IsSceneJob() {
		return nil, apperr.Validationf("unsupported job type %q", req.Type)
	}
	if err := validateParams(req.ProjectID, req.Params); err != nil {
		return nil, err
	}

	project, err := d.db.GetUserProject(ctx, req.ProjectID, req.UserID)
	if err != nil {
		return nil, err
	}
	scene := project.FindScene(req.SceneID)
	if scene == nil {
		return nil, apperr.NotFoundf("scene %s not found in project %s", req.SceneID, req.ProjectID)
	}
	if err := checkInputs(req.Type, scene, req.Params); err != nil {
		return nil, err
	}

	now := d.db.Now()
	job := &models.Job{
		ID:              uuid.NewString(),
		Type:            req.Type,
		Status:          models.JobStatusPending,
		ProjectID:       req.ProjectID,
		SceneID:         req.SceneID,
		UserID:          req.UserID,
		Params:          req.Params,
		ForceRegenerate: req.ForceRegenerate,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	c, err := d.claimSlot(ctx, req.ProjectID, req.SceneID, req.Type, job.ID, activeHint(scene, req.Type), req.ForceRegenerate)
	if err != nil {
		if apperr.Is(err, apperr.Conflict) {
			d.metrics.RecordConflict(string(req.Type))
		}
		return nil, err
	}
	if c.superseded != nil {
		d.cancelJob(ctx, c.superseded.ID, models.CancelReasonSuperseded)
	}

	if err := d.db.CreateJob(ctx, job); err != nil {
		d.release(ctx, c)
		return nil, err
	}

	_, err = d.db.MutateScene(ctx, req.ProjectID, req.SceneID, func(s *models.Scene) error {
		s.ActiveJob = job.Snapshot()
		return nil
	})
	if err != nil {
		d.abandon(ctx, job, err)
		d.release(ctx, c)
		return nil, err
	}

	d.trigger(ctx, job)
	d.metrics.RecordDispatch(string(job.Type))
	d.log.Info().Str("job_id", job.ID).Str("job_type", string(job.Type)).Str("project_id", job.ProjectID).Str("scene_id", job.SceneID).Bool("force", req.ForceRegenerate).Msg("job dispatched")
	return job, nil
}

// Retry moves a failed job back to pending and triggers it again.
func (d *Dispatcher) Retry(ctx context.Context, jobID, userID string) (*models.Job, error) {
	job, err := d.db.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, apperr.Forbiddenf("job %s belongs to another user", jobID)
	}
	if job.Status != models.JobStatusFailed {
		return nil, apperr.New(apperr.Conflict, "job %s is %s; only failed jobs can be retried", jobID, job.Status)
	}
	if d.maxRetries > 0 && job.RetryCount >= d.maxRetries {
		return nil, apperr.Validationf("job %s reached the retry limit (%d)", jobID, d.maxRetries)
	}
	return d.requeue(ctx, job)
}

// Requeue is the system-initiated retry used by the executor for retryable failures.
// The caller bounds how often it is used.
func (d *Dispatcher) Requeue(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := d.db.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusFailed || job.Cancelled() {
		return nil, apperr.New(apperr.Conflict, "job %s is %s and cannot be requeued", jobID, job.Status)
	}
	requeued, err := d.requeue(ctx, job)
	if err == nil {
		d.metrics.RecordRequeue()
	}
	return requeued, err
}

func (d *Dispatcher) requeue(ctx context.Context, job *models.Job) (*models.Job, error) {
	project, err := d.db.GetProject(ctx, job.ProjectID)
	if err != nil {
		return nil, err
	}

	var claims []*claim
	if job.Type == models.JobTypeBatch {
		claims, err = d.reclaimBatch(ctx, project, job)
	} else {
		scene := project.FindScene(job.SceneID)
		if scene == nil {
			return nil, apperr.NotFoundf("scene %s no longer exists", job.SceneID)
		}
		var c *claim
		c, err = d.claimSlot(ctx, job.ProjectID, job.SceneID, job.Type, job.ID, "", false)
		if c != nil {
			claims = append(claims, c)
		}
	}
	if err != nil {
		return nil, err
	}

	updated, err := d.db.MutateJob(ctx, job.ID, func(j *models.Job) error {
		if j.Status != models.JobStatusFailed {
			return apperr.New(apperr.Conflict, "job %s changed to %s while retrying", j.ID, j.Status)
		}
		resetForRetry(j, d.db.Now())
		return nil
	})
	if err != nil {
		d.release(ctx, claims...)
		return nil, err
	}

	if updated.Type == models.JobTypeBatch {
		err = d.resetBatchChildren(ctx, updated)
	} else {
		err = d.mirror(ctx, updated, true)
	}
	if err != nil && !apperr.Is(err, apperr.NotFound) {
		d.log.Warn().Err(err).Str("job_id", updated.ID).Msg("failed to mirror retried job onto scene")
	}

	d.trigger(ctx, updated)
	d.log.Info().Str("job_id", updated.ID).Str("job_type", string(updated.Type)).Int("retry_count", updated.RetryCount).Msg("job requeued")
	return updated, nil
}

func resetForRetry(j *models.Job, now time.Time) {
	j.Status = models.JobStatusPending
	j.Progress = 0
	j.ErrorMessage = ""
	j.CancelReason = ""
	j.OutputPath = ""
	j.StartedAt = nil
	j.FinishedAt = nil
	j.Results = nil
	j.RetryCount++
	j.UpdatedAt = now
}

// Cancel forces an in-flight job to failed with reason "cancelled". Cancellation is
// advisory: a running executor notices it at its next checkpoint.
func (d *Dispatcher) Cancel(ctx context.Context, jobID, userID string) (*models.Job, error) {
	job, err := d.db.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, apperr.Forbiddenf("job %s belongs to another user", jobID)
	}

	cancelled, err := d.db.MutateJob(ctx, jobID, func(j *models.Job) error {
		if !j.Status.Active() {
			return apperr.New(apperr.Conflict, "job %s is already %s", j.ID, j.Status)
		}
		j.Cancel(models.CancelReasonCancelled, d.db.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.afterCancel(ctx, cancelled, models.CancelReasonCancelled)
	d.log.Info().Str("job_id", jobID).Msg("job cancelled")
	return cancelled, nil
}

// CancelProjectJobs cancels every in-flight job of a project, before it is deleted.
func (d *Dispatcher) CancelProjectJobs(ctx context.Context, projectID string) error {
	jobs, err := d.db.GetProjectJobs(ctx, projectID)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.Status.Active() {
			d.cancelJob(ctx, j.ID, models.CancelReasonProjectDeleted)
		}
	}
	return nil
}

// SupersedeSceneJobs cancels the scene's in-flight jobs of the given types with reason
// "superseded". A scene edit uses it once the inputs those jobs were built from changed.
func (d *Dispatcher) SupersedeSceneJobs(ctx context.Context, projectID, sceneID string, types ...models.JobType) error {
	jobs, err := d.db.ListSceneJobs(ctx, sceneID)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.ProjectID == projectID && j.Status.Active() && slices.Contains(types, j.Type) {
			d.cancelJob(ctx, j.ID, models.CancelReasonSuperseded)
		}
	}
	return nil
}

// cancelJob is the best-effort system cancel used for supersede and project deletion.
func (d *Dispatcher) cancelJob(ctx context.Context, jobID, reason string) {
	cancelled, err := d.db.MutateJob(ctx, jobID, func(j *models.Job) error {
		if !j.Status.Active() {
			return db.ErrNoChange
		}
		j.Cancel(reason, d.db.Now())
		return nil
	})
	if err != nil {
		d.log.Warn().Err(err).Str("job_id", jobID).Str("reason", reason).Msg("failed to cancel job")
		return
	}
	if cancelled.CancelReason != reason {
		return
	}
	d.afterCancel(ctx, cancelled, reason)
}

func (d *Dispatcher) afterCancel(ctx context.Context, job *models.Job, reason string) {
	if job.Type == models.JobTypeBatch {
		for _, sceneID := range job.SceneIDs {
			d.cancelJob(ctx, ChildJobID(job.ID, sceneID), reason)
		}
		return
	}
	if reason == models.CancelReasonProjectDeleted {
		return
	}
	if err := d.mirror(ctx, job, false); err != nil && !apperr.Is(err, apperr.NotFound) {
		d.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to mirror cancelled job onto scene")
	}
}

// mirror copies the job's state onto the scene's active_job. Unless takeOver is set
// it only does so while the scene still points at this job.
func (d *Dispatcher) mirror(ctx context.Context, job *models.Job, takeOver bool) error {
	_, err := d.db.MutateScene(ctx, job.ProjectID, job.SceneID, func(s *models.Scene) error {
		if !takeOver && (s.ActiveJob == nil || s.ActiveJob.JobID != job.ID) {
			return db.ErrNoChange
		}
		s.ActiveJob = job.Snapshot()
		return nil
	})
	return err
}

// abandon marks a job that could not be attached to its scene as failed.
func (d *Dispatcher) abandon(ctx context.Context, job *models.Job, cause error) {
	_, err := d.db.MutateJob(ctx, job.ID, func(j *models.Job) error {
		if !j.Status.Active() {
			return db.ErrNoChange
		}
		j.Fail("dispatch failed: "+cause.Error(), d.db.Now())
		return nil
	})
	if err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark abandoned job as failed")
	}
}

// trigger enqueues the execution trigger. A lost trigger leaves the record pending,
// which the reconciler re-enqueues.
func (d *Dispatcher) trigger(ctx context.Context, job *models.Job) {
	if d.queue == nil {
		return
	}
	if err := d.queue.EnqueueJob(ctx, job); err != nil {
		d.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to enqueue job trigger; reconciler will pick it up")
	}
}

// validateParams checks caller-supplied parameters. An image_path must name a blob of
// the job's own project.
func validateParams(projectID string, p models.JobParams) error {
	if p.DurationSeconds != 0 && !models.ValidDuration(p.DurationSeconds) {
		return apperr.Validationf("duration_seconds must be in (0, %g]", models.MaxSceneDuration)
	}
	if p.ImagePath != "" && !storage.InProject(p.ImagePath, projectID) {
		return apperr.Validationf("image_path must be a storage path under projects/%s/", projectID)
	}
	return nil
}

// checkInputs rejects requests whose generation would have nothing to work from.
func checkInputs(t models.JobType, scene *models.Scene, p models.JobParams) error {
	switch t {
	case models.JobTypeImage, models.JobTypeVideo:
		if p.Prompt == "" && scene.Description == "" {
			return apperr.Validationf("prompt is required when scene %s has no description", scene.ID)
		}
	case models.JobTypeAudio:
		if p.Text == "" && scene.Description == "" {
			return apperr.Validationf("text is required when scene %s has no description", scene.ID)
		}
	case models.JobTypeComposition:
		if scene.Description == "" && scene.Title == "" && p.Prompt == "" {
			return apperr.Validationf("scene %s needs a title or description for a composition", scene.ID)
		}
	}
	return nil
}

// activeHint returns the scene's active job id when it is an in-flight job of type t.
// It covers scenes whose active job predates slot tracking.
func activeHint(scene *models.Scene, t models.JobType) string {
	if scene.ActiveJob != nil && scene.ActiveJob.Type == t && scene.ActiveJob.Status.Active() {
		return scene.ActiveJob.JobID
	}
	return ""
}
