package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bobarin/storyforge/internal/apperr"
	"github.com/bobarin/storyforge/internal/db"
	"github.com/bobarin/storyforge/internal/metrics"
	"github.com/bobarin/storyforge/internal/models"
	"github.com/bobarin/storyforge/internal/queue"
	"github.com/bobarin/storyforge/internal/services"
	"github.com/rs/zerolog"
)

// errCancelled stops a run whose job was cancelled or superseded while it was running.
var errCancelled = errors.New("job cancelled while running")

// Queue is the trigger transport the worker consumes and the reconciler refills.
type Queue interface {
	Dequeue(ctx context.Context, timeout time.Duration, queueNames ...string) (*queue.Trigger, error)
	EnqueueJob(ctx context.Context, job *models.Job) error
}

// Blob is the durable storage generated assets are written to.
type Blob interface {
	Upload(ctx context.Context, p string, data []byte, contentType string) error
	UploadFromURL(ctx context.Context, srcURL, p, contentType string) error
	Delete(ctx context.Context, p string) error
	SignedURL(ctx context.Context, p string, ttl time.Duration) (string, error)
}

// Requeuer moves a failed job back to pending for an automatic retry.
type Requeuer interface {
	Requeue(ctx context.Context, jobID string) (*models.Job, error)
}

// Generators holds one provider per asset type. A nil provider fails its jobs.
type Generators struct {
	Image       services.ImageGenerator
	Video       services.VideoGenerator
	Audio       services.AudioGenerator
	Composition services.CompositionGenerator
}

type Options struct {
	JobTimeout        time.Duration
	GenerationTimeout time.Duration
	StaleAfter        time.Duration
	ReconcileInterval time.Duration
	SignedURLTTL      time.Duration
	BatchConcurrency  int
	MaxAutoRetries    int
}

func (o *Options) setDefaults() {
	if o.JobTimeout <= 0 {
		o.JobTimeout = 10 * time.Minute
	}
	if o.GenerationTimeout <= 0 || o.GenerationTimeout >= o.JobTimeout {
		o.GenerationTimeout = o.JobTimeout * 4 / 5
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = models.StaleAfter
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = time.Minute
	}
	if o.SignedURLTTL <= 0 {
		o.SignedURLTTL = time.Hour
	}
	if o.BatchConcurrency < 1 {
		o.BatchConcurrency = 1
	}
}

type Worker struct {
	db       *db.DB
	queue    Queue
	storage  Blob
	gen      Generators
	requeuer Requeuer
	log      zerolog.Logger
	metrics  *metrics.Collector
	opts     Options
}

func New(database *db.DB, q Queue, blob Blob, gen Generators, requeuer Requeuer, log zerolog.Logger, m *metrics.Collector, opts Options) *Worker {
	opts.setDefaults()
	return &Worker{
		db:       database,
		queue:    q,
		storage:  blob,
		gen:      gen,
		requeuer: requeuer,
		log:      log.With().Str("component", "worker").Logger(),
		metrics:  m,
		opts:     opts,
	}
}

// Start consumes triggers from every job queue with the given concurrency and runs the
// reconciler. It returns once ctx is done and in-flight jobs have returned.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	w.log.Info().Int("concurrency", concurrency).Msg("worker started")

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.processQueue(ctx, queue.AllQueues()...)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reconcileLoop(ctx)
	}()

	<-ctx.Done()
	w.log.Info().Msg("worker shutting down")
	wg.Wait()
}

func (w *Worker) processQueue(ctx context.Context, queueNames ...string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		trigger, err := w.queue.Dequeue(ctx, 5*time.Second, queueNames...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("error dequeuing trigger")
			sleep(ctx, time.Second)
			continue
		}
		if trigger == nil {
			continue // No trigger available, retry
		}

		if err := w.Execute(ctx, trigger.JobID); err != nil {
			w.log.Warn().Err(err).Str("job_id", trigger.JobID).Str("job_type", string(trigger.Type)).Msg("job failed")
		}
	}
}

// Execute runs the job named by a trigger. Triggers are delivered at least once: a job
// that is not pending any more is left alone.
func (w *Worker) Execute(ctx context.Context, jobID string) error {
	job, err := w.claim(ctx, jobID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			w.log.Warn().Str("job_id", jobID).Msg("trigger for unknown job dropped")
			return nil
		}
		return err
	}
	if job == nil {
		return nil
	}

	if job.Type == models.JobTypeBatch {
		return w.runBatch(ctx, job)
	}
	return w.runScene(ctx, job, true)
}

// claim moves a pending job to processing. It returns nil when the job was not pending.
func (w *Worker) claim(ctx context.Context, jobID string) (*models.Job, error) {
	claimed := false
	job, err := w.db.MutateJob(ctx, jobID, func(j *models.Job) error {
		if j.Status != models.JobStatusPending {
			return db.ErrNoChange
		}
		now := w.db.Now()
		j.Status = models.JobStatusProcessing
		j.Attempts++
		j.StartedAt = &now
		j.UpdatedAt = now
		claimed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		w.log.Debug().Str("job_id", jobID).Str("status", string(job.Status)).Msg("job not pending, skipping trigger")
		return nil, nil
	}

	w.mirror(ctx, job)
	return job, nil
}

// runScene executes one scene job under the job timeout and records its outcome.
func (w *Worker) runScene(ctx context.Context, job *models.Job, autoRetry bool) error {
	start := time.Now()
	log := w.jobLogger(job)
	log.Info().Msg("job started")

	runCtx, cancel := context.WithTimeout(ctx, w.opts.JobTimeout)
	defer cancel()

	output, err := w.generate(runCtx, job)
	if err == nil {
		w.metrics.RecordCompletion(string(job.Type), time.Since(start))
		log.Info().Str("output_path", output).Dur("duration", time.Since(start)).Msg("job completed")
		return nil
	}
	if errors.Is(err, errCancelled) {
		log.Info().Msg("job cancelled while running, output discarded")
		return nil
	}

	// Recording the failure must outlive the job deadline.
	rctx := context.WithoutCancel(ctx)
	w.fail(rctx, job, err)
	w.metrics.RecordFailure(string(job.Type), apperr.KindOf(err).String(), time.Since(start))
	log.Error().Err(err).Str("kind", apperr.KindOf(err).String()).Msg("job failed")

	if autoRetry && w.requeuer != nil && apperr.Retryable(err) && job.RetryCount < w.opts.MaxAutoRetries {
		if _, rerr := w.requeuer.Requeue(rctx, job.ID); rerr != nil {
			log.Warn().Err(rerr).Msg("automatic retry failed")
		} else {
			log.Info().Int("retry_count", job.RetryCount+1).Msg("job requeued for automatic retry")
		}
	}
	return err
}

// fail records err on the job and on the scene's active_job. A job that is no longer
// processing, because it was cancelled, keeps its state.
func (w *Worker) fail(ctx context.Context, job *models.Job, cause error) {
	failed, err := w.db.MutateJob(ctx, job.ID, func(j *models.Job) error {
		if j.Status != models.JobStatusProcessing {
			return db.ErrNoChange
		}
		j.Fail(cause.Error(), w.db.Now())
		return nil
	})
	if err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to record job failure")
		return
	}
	*job = *failed
	if failed.Status == models.JobStatusFailed && failed.CancelReason == "" {
		w.mirror(ctx, failed)
	}
}

// progress raises the job's progress and mirrors it onto the scene.
func (w *Worker) progress(ctx context.Context, job *models.Job, p int) {
	changed := false
	updated, err := w.db.MutateJob(ctx, job.ID, func(j *models.Job) error {
		if j.Status != models.JobStatusProcessing || !j.SetProgress(p, w.db.Now()) {
			return db.ErrNoChange
		}
		changed = true
		return nil
	})
	if err != nil {
		w.log.Warn().Err(err).Str("job_id", job.ID).Int("progress", p).Msg("failed to update progress")
		return
	}
	if changed {
		*job = *updated
		w.mirror(ctx, updated)
	}
}

// mirror copies the job's state onto the scene's active_job when the scene still
// points at this job.
func (w *Worker) mirror(ctx context.Context, job *models.Job) {
	if job.SceneID == "" {
		return
	}
	_, err := w.db.MutateScene(ctx, job.ProjectID, job.SceneID, func(s *models.Scene) error {
		if s.ActiveJob == nil || s.ActiveJob.JobID != job.ID {
			return db.ErrNoChange
		}
		s.ActiveJob = job.Snapshot()
		return nil
	})
	if err != nil {
		w.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to mirror job onto scene")
	}
}

// checkpoint reports errCancelled when the job stopped being processing.
func (w *Worker) checkpoint(ctx context.Context, jobID string) error {
	current, err := w.db.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if current.Status != models.JobStatusProcessing {
		return errCancelled
	}
	return nil
}

func (w *Worker) jobLogger(job *models.Job) zerolog.Logger {
	return w.log.With().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Str("project_id", job.ProjectID).
		Str("scene_id", job.SceneID).
		Logger()
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
