package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bobarin/storyforge/internal/apperr"
	"github.com/bobarin/storyforge/internal/db"
	"github.com/bobarin/storyforge/internal/dispatcher"
	"github.com/bobarin/storyforge/internal/models"
	"golang.org/x/sync/errgroup"
)

// runBatch runs the child video jobs of a claimed batch with bounded concurrency. One
// failing scene does not stop the others; the batch fails only when every scene failed.
func (w *Worker) runBatch(ctx context.Context, batch *models.Job) error {
	start := time.Now()
	log := w.jobLogger(batch)
	log.Info().Int("scenes", len(batch.SceneIDs)).Int("concurrency", w.opts.BatchConcurrency).Msg("batch started")

	var (
		mu       sync.Mutex
		results  = make(map[string]models.SceneResult, len(batch.SceneIDs))
		finished int
	)
	total := len(batch.SceneIDs)
	base := *batch

	var g errgroup.Group
	g.SetLimit(w.opts.BatchConcurrency)
	for _, sceneID := range batch.SceneIDs {
		g.Go(func() error {
			res := w.runChild(ctx, base.ID, sceneID)

			mu.Lock()
			results[sceneID] = res
			finished++
			p := finished * 100 / total
			mu.Unlock()

			if p < 100 {
				snapshot := base
				w.progress(ctx, &snapshot, p)
			}
			return nil
		})
	}
	_ = g.Wait()

	ordered := make([]models.SceneResult, 0, total)
	failed := 0
	for _, sceneID := range batch.SceneIDs {
		r := results[sceneID]
		if r.Status != models.JobStatusCompleted {
			failed++
		}
		ordered = append(ordered, r)
	}

	rctx := context.WithoutCancel(ctx)
	updated, err := w.db.MutateJob(rctx, batch.ID, func(j *models.Job) error {
		if j.Status != models.JobStatusProcessing {
			return db.ErrNoChange
		}
		now := w.db.Now()
		j.Results = ordered
		if failed == total {
			j.Fail(fmt.Sprintf("all %d scenes failed", total), now)
			return nil
		}
		j.Complete("", now)
		if failed > 0 {
			j.ErrorMessage = fmt.Sprintf("%d of %d scenes failed", failed, total)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record batch outcome")
		return err
	}

	switch {
	case updated.Cancelled():
		log.Info().Msg("batch cancelled while running")
		return nil
	case updated.Status == models.JobStatusFailed:
		w.metrics.RecordFailure(string(models.JobTypeBatch), apperr.Generation.String(), time.Since(start))
		log.Error().Int("failed", failed).Msg("batch failed")
		return apperr.New(apperr.Generation, "batch %s: all %d scenes failed", batch.ID, total)
	}
	w.metrics.RecordCompletion(string(models.JobTypeBatch), time.Since(start))
	log.Info().Int("failed", failed).Int("scenes", total).Dur("duration", time.Since(start)).Msg("batch completed")
	return nil
}

// runChild claims and runs the video job of one batch scene. A child that is not
// pending, because it completed in an earlier attempt or was cancelled, is reported
// as it stands.
func (w *Worker) runChild(ctx context.Context, batchID, sceneID string) models.SceneResult {
	childID := dispatcher.ChildJobID(batchID, sceneID)
	result := models.SceneResult{SceneID: sceneID, JobID: childID}

	if err := w.checkpoint(ctx, batchID); err != nil {
		result.Status = models.JobStatusFailed
		result.Error = err.Error()
		if errors.Is(err, errCancelled) {
			result.Error = "batch cancelled"
		}
		return result
	}

	child, err := w.claim(ctx, childID)
	if err != nil {
		result.Status = models.JobStatusFailed
		result.Error = err.Error()
		return result
	}
	if child != nil {
		_ = w.runScene(ctx, child, false)
	}

	current, err := w.db.GetJob(context.WithoutCancel(ctx), childID)
	if err != nil {
		result.Status = models.JobStatusFailed
		result.Error = err.Error()
		return result
	}
	return sceneResult(current, result)
}

func sceneResult(j *models.Job, r models.SceneResult) models.SceneResult {
	r.Status = j.Status
	r.Error = j.ErrorMessage
	if j.Status == models.JobStatusCompleted {
		r.VideoPath = j.OutputPath
	}
	return r
}
