package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bobarin/storyforge/internal/apperr"
	"github.com/bobarin/storyforge/internal/db"
	"github.com/bobarin/storyforge/internal/models"
	"github.com/bobarin/storyforge/internal/services"
	"github.com/bobarin/storyforge/internal/storage"
)

// Progress milestones reported while a scene job runs.
const (
	progressFetching   = 10
	progressGenerating = 30
	progressPersisting = 70
)

// output is what a generation produced, before it is written into the scene.
type output struct {
	result      *services.Result
	composition *models.Composition
}

// generate runs the single-scene pipeline: read inputs, call the provider, persist the
// output durably, then write it into the scene and complete the job. It returns the
// recorded asset path. Output that ends up unrecorded is deleted again.
func (w *Worker) generate(ctx context.Context, job *models.Job) (string, error) {
	w.progress(ctx, job, progressFetching)
	project, err := w.db.GetProject(ctx, job.ProjectID)
	if err != nil {
		return "", err
	}
	scene := project.FindScene(job.SceneID)
	if scene == nil {
		return "", apperr.NotFoundf("scene %s no longer exists in project %s", job.SceneID, job.ProjectID)
	}
	basis := inputsOf(scene)

	w.progress(ctx, job, progressGenerating)
	out, err := w.callProvider(ctx, job, scene)
	if err != nil {
		return "", err
	}
	if err := w.checkpoint(ctx, job.ID); err != nil {
		return "", err
	}

	w.progress(ctx, job, progressPersisting)
	path, err := w.persist(ctx, job, out)
	if err != nil {
		return "", err
	}
	if err := w.checkpoint(ctx, job.ID); err != nil {
		w.discard(ctx, path)
		return "", err
	}

	if err := w.complete(ctx, job, basis, path, out.composition); err != nil {
		if errors.Is(err, errCancelled) {
			w.discard(ctx, path)
		}
		return "", err
	}
	return path, nil
}

// sceneInputs are the scene fields a generation was built from.
type sceneInputs struct {
	description string
	duration    float64
}

func inputsOf(s *models.Scene) sceneInputs {
	return sceneInputs{description: s.Description, duration: s.DurationSeconds}
}

// outdated reports whether s was edited since the generation started in a way that
// clears output of type t.
func (in sceneInputs) outdated(s *models.Scene, t models.JobType) bool {
	switch t {
	case models.JobTypeVideo:
		return s.DurationSeconds != in.duration || s.Description != in.description
	case models.JobTypeAudio, models.JobTypeComposition:
		return s.Description != in.description
	}
	return false
}

// callProvider invokes the generation capability under the generation deadline.
func (w *Worker) callProvider(ctx context.Context, job *models.Job, scene *models.Scene) (*output, error) {
	genCtx, cancel := context.WithTimeout(ctx, w.opts.GenerationTimeout)
	defer cancel()

	p := job.Params
	prompt := firstNonEmpty(p.Prompt, scene.Description)
	duration := p.DurationSeconds
	if duration == 0 {
		duration = scene.DurationSeconds
	}

	var (
		res *services.Result
		err error
	)
	switch job.Type {
	case models.JobTypeImage:
		if w.gen.Image == nil {
			return nil, notConfigured(job.Type)
		}
		res, err = w.gen.Image.GenerateImage(genCtx, services.ImageRequest{Prompt: prompt, Style: p.Style, AspectRatio: p.AspectRatio})

	case models.JobTypeVideo:
		if w.gen.Video == nil {
			return nil, notConfigured(job.Type)
		}
		req := services.VideoRequest{Prompt: prompt, Style: p.Style, AspectRatio: p.AspectRatio, DurationSeconds: duration}
		if image := firstNonEmpty(p.ImagePath, scene.Assets.ThumbnailPath); image != "" {
			if !storage.InProject(image, job.ProjectID) {
				return nil, apperr.Validationf("image %q is not a storage path of project %s", image, job.ProjectID)
			}
			req.ImageURL, err = w.storage.SignedURL(ctx, image, w.opts.SignedURLTTL)
			if err != nil {
				return nil, err
			}
		}
		res, err = w.gen.Video.GenerateVideo(genCtx, req)

	case models.JobTypeAudio:
		if w.gen.Audio == nil {
			return nil, notConfigured(job.Type)
		}
		res, err = w.gen.Audio.GenerateAudio(genCtx, services.AudioRequest{Text: firstNonEmpty(p.Text, scene.Description), VoiceID: p.VoiceID, Style: p.Style})

	case models.JobTypeComposition:
		if w.gen.Composition == nil {
			return nil, notConfigured(job.Type)
		}
		comp, cerr := w.gen.Composition.GenerateComposition(genCtx, services.CompositionRequest{
			Title:           scene.Title,
			Description:     scene.Description,
			Style:           p.Style,
			Prompt:          p.Prompt,
			DurationSeconds: duration,
		})
		if cerr != nil {
			return nil, apperr.Wrap(apperr.Generation, cerr, "composition generation failed")
		}
		return &output{composition: comp}, nil

	default:
		return nil, apperr.Validationf("job type %q does not target a scene", job.Type)
	}

	if err != nil {
		return nil, apperr.Wrap(apperr.Generation, err, "%s generation failed", job.Type)
	}
	if res == nil || (len(res.Data) == 0 && res.URL == "") {
		return nil, apperr.New(apperr.Generation, "%s generation returned no output", job.Type)
	}
	return &output{result: res}, nil
}

// persist writes the output to a fresh durable path and returns it. A provider URL is
// always ephemeral: http(s) URLs are copied into storage, anything else is unusable.
func (w *Worker) persist(ctx context.Context, job *models.Job, out *output) (string, error) {
	kind, ext := assetKind(job.Type)

	if out.composition != nil {
		data, err := json.MarshalIndent(out.composition, "", "  ")
		if err != nil {
			return "", apperr.Wrap(apperr.Internal, err, "encode composition")
		}
		path := storage.ScenePath(job.ProjectID, job.SceneID, kind, job.ID, ext)
		if err := w.storage.Upload(ctx, path, data, "application/json"); err != nil {
			return "", err
		}
		return path, nil
	}

	res := out.result
	contentType := res.ContentType
	if contentType == "" {
		contentType = defaultContentType(job.Type)
	}
	path := storage.ScenePath(job.ProjectID, job.SceneID, kind, job.ID, extFor(contentType, ext))

	switch {
	case len(res.Data) > 0:
		if err := w.storage.Upload(ctx, path, res.Data, contentType); err != nil {
			return "", err
		}
		return path, nil
	case storage.IsFetchable(res.URL):
		if err := w.storage.UploadFromURL(ctx, res.URL, path, contentType); err != nil {
			return "", err
		}
		return path, nil
	}
	return "", apperr.New(apperr.Storage, "unusable %s output reference %q", job.Type, res.URL)
}

// complete moves the job to completed, then writes the asset into the scene. A job
// that stopped processing yields errCancelled and nothing is written. When the scene
// was edited since basis was read, or is gone, the completed job is superseded instead;
// any other failed scene write fails it.
func (w *Worker) complete(ctx context.Context, job *models.Job, basis sceneInputs, path string, comp *models.Composition) error {
	done := false
	completed, err := w.db.MutateJob(ctx, job.ID, func(j *models.Job) error {
		if j.Status != models.JobStatusProcessing {
			return db.ErrNoChange
		}
		j.Complete(path, w.db.Now())
		done = true
		return nil
	})
	if err != nil {
		return err
	}
	if !done {
		return errCancelled
	}
	*job = *completed

	_, err = w.db.MutateScene(ctx, job.ProjectID, job.SceneID, func(s *models.Scene) error {
		if basis.outdated(s, job.Type) {
			return errOutdated
		}
		s.Assets.SetPath(job.Type, path, completed.UpdatedAt)
		if comp != nil {
			s.Composition = comp
		}
		if s.ActiveJob != nil && s.ActiveJob.JobID == job.ID {
			s.ActiveJob = completed.Snapshot()
		}
		return nil
	})
	switch {
	case errors.Is(err, errOutdated) || apperr.Is(err, apperr.NotFound):
		w.undoCompletion(ctx, job, path, func(j *models.Job, now time.Time) {
			j.Cancel(models.CancelReasonSuperseded, now)
		})
		return errCancelled
	case err != nil:
		w.undoCompletion(ctx, job, path, func(j *models.Job, now time.Time) {
			j.Fail(err.Error(), now)
		})
		return err
	}
	return nil
}

// errOutdated aborts a scene write whose output no longer matches the scene.
var errOutdated = errors.New("scene edited during generation")

// undoCompletion rewrites a job completed with path whose output never reached the
// scene, then mirrors it.
func (w *Worker) undoCompletion(ctx context.Context, job *models.Job, path string, to func(*models.Job, time.Time)) {
	ctx = context.WithoutCancel(ctx)
	undone, err := w.db.MutateJob(ctx, job.ID, func(j *models.Job) error {
		if j.Status != models.JobStatusCompleted || j.OutputPath != path {
			return db.ErrNoChange
		}
		to(j, w.db.Now())
		j.OutputPath = ""
		return nil
	})
	if err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to undo job completion")
		return
	}
	*job = *undone
	w.mirror(ctx, undone)
}

// discard deletes a persisted output that was never recorded. Failures only leave an
// unreferenced blob behind.
func (w *Worker) discard(ctx context.Context, path string) {
	if err := w.storage.Delete(context.WithoutCancel(ctx), path); err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("failed to delete discarded output")
	}
}

func notConfigured(t models.JobType) error {
	return apperr.Wrap(apperr.Generation, services.ErrNotConfigured, "no %s provider configured", t)
}

func assetKind(t models.JobType) (kind, ext string) {
	switch t {
	case models.JobTypeImage:
		return "thumbnail", "png"
	case models.JobTypeVideo:
		return "video", "mp4"
	case models.JobTypeAudio:
		return "audio", "mp3"
	case models.JobTypeComposition:
		return "composition", "json"
	}
	return string(t), "bin"
}

func defaultContentType(t models.JobType) string {
	switch t {
	case models.JobTypeImage:
		return "image/png"
	case models.JobTypeVideo:
		return "video/mp4"
	case models.JobTypeAudio:
		return "audio/mpeg"
	}
	return "application/octet-stream"
}

func extFor(contentType, fallback string) string {
	switch contentType {
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "audio/wav", "audio/x-wav":
		return "wav"
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
