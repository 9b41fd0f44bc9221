package db

import (
	"context"
	"sort"

	"github.com/bobarin/storyforge/internal/apperr"
	"github.com/bobarin/storyforge/internal/models"
	"github.com/google/uuid"
)

func (db *DB) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	if project.Scenes == nil {
		project.Scenes = []models.Scene{}
	}
	now := db.now()
	project.CreatedAt = now
	project.UpdatedAt = now
	project.Renumber()
	project.RecomputeStats(now)

	return create(ctx, db, CollectionProjects, project.ID, "project", project)
}

func (db *DB) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return get[models.Project](ctx, db, CollectionProjects, id, "project")
}

// GetUserProject loads a project and checks that userID owns it.
func (db *DB) GetUserProject(ctx context.Context, id, userID string) (*models.Project, error) {
	project, err := db.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckOwner(project, userID); err != nil {
		return nil, err
	}
	return project, nil
}

func CheckOwner(project *models.Project, userID string) error {
	if project.UserID != userID {
		return apperr.Forbiddenf("project %s belongs to another user", project.ID)
	}
	return nil
}

// ListUserProjects returns the user's projects, newest first. Sorting happens here so
// the store only ever needs a single-field equality filter.
func (db *DB) ListUserProjects(ctx context.Context, userID string) ([]models.Project, error) {
	docs, err := db.store.Query(ctx, CollectionProjects, "user_id", userID)
	if err != nil {
		return nil, translate(err, "projects of user %s", userID)
	}
	projects, err := decodeAll[models.Project](docs, "project")
	if err != nil {
		return nil, err
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.After(projects[j].CreatedAt)
	})
	return projects, nil
}

// MutateProject applies fn to the current project and writes it back with a revision
// check, re-reading and re-applying fn when a concurrent writer got there first.
// Scene numbers and stats are recomputed on every write.
func (db *DB) MutateProject(ctx context.Context, id string, fn func(*models.Project) error) (*models.Project, error) {
	return mutateDoc(ctx, db, CollectionProjects, id, "project", fn, func(p *models.Project) {
		now := db.now()
		p.UpdatedAt = now
		p.Renumber()
		p.RecomputeStats(now)
	})
}

// MutateScene is MutateProject scoped to one scene. A missing scene is NotFound.
func (db *DB) MutateScene(ctx context.Context, projectID, sceneID string, fn func(*models.Scene) error) (*models.Project, error) {
	return db.MutateProject(ctx, projectID, func(p *models.Project) error {
		scene := p.FindScene(sceneID)
		if scene == nil {
			return apperr.NotFoundf("scene %s not found in project %s", sceneID, projectID)
		}
		if err := fn(scene); err != nil {
			return err
		}
		scene.UpdatedAt = db.now()
		return nil
	})
}

func (db *DB) DeleteProject(ctx context.Context, id string) error {
	if err := db.store.Delete(ctx, CollectionProjects, id); err != nil {
		return translate(err, "project %s", id)
	}
	slots, err := db.store.Query(ctx, CollectionJobSlots, "project_id", id)
	if err != nil {
		return translate(err, "job slots of project %s", id)
	}
	for _, s := range slots {
		if err := db.store.Delete(ctx, CollectionJobSlots, s.ID); err != nil {
			return translate(err, "job slot %s", s.ID)
		}
	}
	return nil
}
