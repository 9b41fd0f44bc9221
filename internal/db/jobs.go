package db

import (
	"context"
	"sort"

	"github.com/bobarin/storyforge/internal/models"
)

func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	now := db.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	return create(ctx, db, CollectionJobs, job.ID, "job", job)
}

func (db *DB) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return get[models.Job](ctx, db, CollectionJobs, id, "job")
}

// MutateJob applies fn to the current job record under a revision check. Callers
// inspect the status inside fn so a transition never clobbers a concurrent one.
func (db *DB) MutateJob(ctx context.Context, id string, fn func(*models.Job) error) (*models.Job, error) {
	return mutateDoc(ctx, db, CollectionJobs, id, "job", fn, func(j *models.Job) {
		j.Progress = models.ClampProgress(j.Progress)
	})
}

// GetProjectJobs returns all job records of a project in creation order.
func (db *DB) GetProjectJobs(ctx context.Context, projectID string) ([]models.Job, error) {
	return db.queryJobs(ctx, "project_id", projectID)
}

func (db *DB) ListSceneJobs(ctx context.Context, sceneID string) ([]models.Job, error) {
	return db.queryJobs(ctx, "scene_id", sceneID)
}

func (db *DB) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error) {
	return db.queryJobs(ctx, "status", string(status))
}

func (db *DB) queryJobs(ctx context.Context, field, value string) ([]models.Job, error) {
	docs, err := db.store.Query(ctx, CollectionJobs, field, value)
	if err != nil {
		return nil, translate(err, "jobs with %s=%s", field, value)
	}
	jobs, err := decodeAll[models.Job](docs, "job")
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}
