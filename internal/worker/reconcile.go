package worker

import (
	"context"
	"time"

	"github.com/bobarin/storyforge/internal/models"
)

func (w *Worker) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Reconcile(ctx); err != nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("reconcile failed")
			}
		}
	}
}

// Reconcile re-enqueues pending jobs whose trigger was lost and reports stale
// processing jobs. Batch children are left to their batch. It returns the number of
// triggers re-sent.
func (w *Worker) Reconcile(ctx context.Context) (int, error) {
	now := w.db.Now()

	pending, err := w.db.ListJobsByStatus(ctx, models.JobStatusPending)
	if err != nil {
		return 0, err
	}
	resent := 0
	for i := range pending {
		j := &pending[i]
		if j.ParentJobID != "" || now.Sub(j.UpdatedAt) < w.opts.ReconcileInterval {
			continue
		}
		if err := w.queue.EnqueueJob(ctx, j); err != nil {
			return resent, err
		}
		resent++
		w.log.Info().Str("job_id", j.ID).Str("job_type", string(j.Type)).Dur("age", now.Sub(j.UpdatedAt)).Msg("re-enqueued pending job")
	}

	processing, err := w.db.ListJobsByStatus(ctx, models.JobStatusProcessing)
	if err != nil {
		return resent, err
	}
	for i := range processing {
		j := &processing[i]
		if j.IsStale(now, w.opts.StaleAfter) {
			w.log.Warn().Str("job_id", j.ID).Str("job_type", string(j.Type)).Str("scene_id", j.SceneID).Time("updated_at", j.UpdatedAt).Msg("stale job")
		}
	}
	return resent, nil
}
