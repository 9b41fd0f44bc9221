package dispatcher

import (
	"context"
	"errors"

	"github.com/bobarin/storyforge/internal/apperr"
	"github.com/bobarin/storyforge/internal/db"
	"github.com/bobarin/storyforge/internal/models"
)

// claim is a successful swap of a (scene, type) slot to a new job.
type claim struct {
	slot       *db.JobSlot
	previous   string
	superseded *models.Job
}

// claimSlot points the (scene, type) slot at jobID. It fails with Conflict when the
// slot is held by an in-flight job and force is not set; with force, the holder is
// returned for the caller to cancel. hint names a job to treat as the holder when
// the slot itself is empty.
func (d *Dispatcher) claimSlot(ctx context.Context, projectID, sceneID string, t models.JobType, jobID, hint string, force bool) (*claim, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		slot, err := d.db.GetJobSlot(ctx, projectID, sceneID, t)
		if err != nil {
			return nil, err
		}

		holderID := slot.JobID
		if holderID == "" {
			holderID = hint
		}

		var superseded *models.Job
		if holderID != "" && holderID != jobID {
			now := d.db.Now()
			holder, err := d.db.GetJob(ctx, holderID)
			switch {
			case apperr.Is(err, apperr.NotFound):
				// Claimed by a dispatch that has not written its record yet.
				if slot.JobID != "" && now.Sub(slot.UpdatedAt) < claimGrace && !force {
					return nil, apperr.InProgress(holderID, false, "a %s job for scene %s is being dispatched", t, sceneID)
				}
			case err != nil:
				return nil, err
			case holder.Status.Active():
				if !force {
					return nil, apperr.InProgress(holder.ID, holder.IsStale(now, d.staleAfter),
						"a %s job is already %s for scene %s", t, holder.Status, sceneID)
				}
				superseded = holder
			}
		}

		previous := slot.JobID
		err = d.db.SwapJobSlot(ctx, slot, jobID)
		if errors.Is(err, db.ErrSlotChanged) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &claim{slot: slot, previous: previous, superseded: superseded}, nil
	}
	return nil, apperr.New(apperr.Transient, "too much contention claiming %s slot for scene %s", t, sceneID)
}

// release hands slots back to their previous holders after a failed dispatch. A slot
// that moved on in the meantime is left alone.
func (d *Dispatcher) release(ctx context.Context, claims ...*claim) {
	for _, c := range claims {
		if c == nil {
			continue
		}
		err := d.db.SwapJobSlot(ctx, c.slot, c.previous)
		if err != nil && !errors.Is(err, db.ErrSlotChanged) {
			d.log.Warn().Err(err).Str("slot", db.SlotKey(c.slot.ProjectID, c.slot.SceneID, c.slot.Type)).Msg("failed to release job slot")
		}
	}
}
