package db

import (
	"context"
	"errors"
	"time"

	"github.com/bobarin/storyforge/internal/apperr"
	"github.com/bobarin/storyforge/internal/docstore"
	"github.com/bobarin/storyforge/internal/models"
)

// ErrSlotChanged means another dispatcher swapped the slot since it was read.
var ErrSlotChanged = errors.New("job slot changed")

// JobSlot records which job currently owns generation of one asset type for one scene.
// The slot is the linearization point for "at most one in-flight job per (scene, type)".
type JobSlot struct {
	ProjectID string         `json:"project_id"`
	SceneID   string         `json:"scene_id"`
	Type      models.JobType `json:"type"`
	JobID     string         `json:"job_id"`
	UpdatedAt time.Time      `json:"updated_at"`

	// Revision is the store revision the slot was read at; 0 when it does not exist yet.
	Revision int64 `json:"-"`
}

func SlotKey(projectID, sceneID string, t models.JobType) string {
	return projectID + ":" + sceneID + ":" + string(t)
}

// GetJobSlot returns the slot, or an empty slot with Revision 0 when none exists yet.
func (db *DB) GetJobSlot(ctx context.Context, projectID, sceneID string, t models.JobType) (*JobSlot, error) {
	key := SlotKey(projectID, sceneID, t)
	doc, err := db.store.Get(ctx, CollectionJobSlots, key)
	if errors.Is(err, docstore.ErrNotFound) {
		return &JobSlot{ProjectID: projectID, SceneID: sceneID, Type: t}, nil
	}
	if err != nil {
		return nil, translate(err, "job slot %s", key)
	}
	slot := &JobSlot{}
	if err := docstore.Decode(doc.Data, slot); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "corrupt job slot %s", key)
	}
	slot.Revision = doc.Revision
	return slot, nil
}

// SwapJobSlot points the slot at jobID if it is still at the revision it was read at.
// On success the slot's JobID, UpdatedAt and Revision are updated in place.
func (db *DB) SwapJobSlot(ctx context.Context, slot *JobSlot, jobID string) error {
	next := *slot
	next.JobID = jobID
	next.UpdatedAt = db.now()

	data, err := docstore.Encode(next)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encode job slot")
	}
	key := SlotKey(slot.ProjectID, slot.SceneID, slot.Type)
	rev, err := db.store.CompareAndSet(ctx, CollectionJobSlots, key, data, slot.Revision)
	if errors.Is(err, docstore.ErrRevisionMismatch) {
		db.metrics.RecordCASRetry(CollectionJobSlots)
		return ErrSlotChanged
	}
	if err != nil {
		return translate(err, "job slot %s", key)
	}
	next.Revision = rev
	*slot = next
	return nil
}
