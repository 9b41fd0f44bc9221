// Package legacy migrates storyboards kept in the old layout (a storyboards collection
// with a scenes subcollection per storyboard) into projects with embedded scenes.
package legacy

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/storyforge/internal/apperr"
	"github.com/bobarin/storyforge/internal/db"
	"github.com/bobarin/storyforge/internal/docstore"
	"github.com/bobarin/storyforge/internal/models"
	"github.com/bobarin/storyforge/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// legacyJobID stands in for the job id in storage paths of re-uploaded assets.
const legacyJobID = "legacy"

// Uploader copies a remote file into durable storage.
type Uploader interface {
	UploadFromURL(ctx context.Context, srcURL, p, contentType string) error
}

type Options struct {
	// DryRun reads and converts everything but writes nothing.
	DryRun bool
	// UploadConcurrency bounds parallel asset re-uploads per storyboard.
	UploadConcurrency int
}

// Report summarizes a migration run.
type Report struct {
	Storyboards   int      `json:"storyboards"`
	Migrated      int      `json:"migrated"`
	Skipped       int      `json:"skipped"`
	Failed        int      `json:"failed"`
	Scenes        int      `json:"scenes"`
	AssetsCopied  int      `json:"assets_copied"`
	AssetsDropped int      `json:"assets_dropped"`
	Errors        []string `json:"errors,omitempty"`
}

type storyboard struct {
	ID            string    `json:"storyboard_id"`
	UserID        string    `json:"user_id"`
	Title         string    `json:"title"`
	CreativeBrief any       `json:"creative_brief"`
	SelectedMood  *mood     `json:"selected_mood"`
	SceneOrder    []string  `json:"scene_order"`
	CreatedAt     time.Time `json:"created_at"`
}

type mood struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	AestheticDirection string   `json:"aesthetic_direction"`
	VisualStyle        string   `json:"visual_style"`
	StyleKeywords      []string `json:"style_keywords"`
	ColorPalette       []string `json:"color_palette"`
}

type scene struct {
	ID            string    `json:"id"`
	Text          string    `json:"text"`
	StylePrompt   string    `json:"style_prompt"`
	ImageURL      string    `json:"image_url"`
	VideoURL      string    `json:"video_url"`
	VideoDuration float64   `json:"video_duration"`
	CreatedAt     time.Time `json:"created_at"`
}

type Migrator struct {
	store docstore.Store
	db    *db.DB
	blob  Uploader
	log   zerolog.Logger
}

func New(database *db.DB, blob Uploader, log zerolog.Logger) *Migrator {
	return &Migrator{
		store: database.Store(),
		db:    database,
		blob:  blob,
		log:   log.With().Str("component", "legacy").Logger(),
	}
}

// Run migrates every legacy storyboard. A storyboard whose project already exists is
// skipped, so running twice is safe. Per-storyboard failures are collected in the
// report; only a failure to list storyboards aborts the run.
func (m *Migrator) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = 4
	}

	docs, err := m.store.List(ctx, db.CollectionStoryboards)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "list legacy storyboards")
	}

	report := &Report{Storyboards: len(docs)}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		log := m.log.With().Str("storyboard_id", doc.ID).Logger()

		migrated, err := m.migrate(ctx, doc, opts, report)
		switch {
		case err != nil:
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", doc.ID, err))
			log.Error().Err(err).Msg("failed to migrate storyboard")
		case !migrated:
			report.Skipped++
			log.Debug().Msg("project already exists, skipping")
		default:
			report.Migrated++
			log.Info().Bool("dry_run", opts.DryRun).Msg("migrated storyboard")
		}
	}
	return report, nil
}

func (m *Migrator) migrate(ctx context.Context, doc *docstore.Document, opts Options, report *Report) (bool, error) {
	var sb storyboard
	if err := docstore.Decode(doc.Data, &sb); err != nil {
		return false, err
	}
	if sb.ID == "" {
		sb.ID = doc.ID
	}
	if sb.UserID == "" {
		return false, errors.New("storyboard has no user_id")
	}

	_, err := m.db.GetProject(ctx, sb.ID)
	switch {
	case err == nil:
		return false, nil
	case !apperr.Is(err, apperr.NotFound):
		return false, err
	}

	legacyScenes, err := m.loadScenes(ctx, sb)
	if err != nil {
		return false, err
	}

	project := &models.Project{
		ID:         sb.ID,
		UserID:     sb.UserID,
		Name:       firstNonEmpty(sb.Title, "Storyboard "+sb.ID),
		Storyboard: embed(sb),
		Scenes:     make([]models.Scene, len(legacyScenes)),
	}
	for i, ls := range legacyScenes {
		project.Scenes[i] = convertScene(ls, i, m.db.Now())
	}

	if !opts.DryRun {
		m.copyAssets(ctx, project, legacyScenes, opts.UploadConcurrency, report)
		if err := m.db.CreateProject(ctx, project); err != nil {
			if apperr.Is(err, apperr.Conflict) {
				return false, nil
			}
			return false, err
		}
	}
	report.Scenes += len(project.Scenes)
	return true, nil
}

// loadScenes returns the storyboard's scenes in scene_order. Scenes missing from the
// order follow in the store's order.
func (m *Migrator) loadScenes(ctx context.Context, sb storyboard) ([]scene, error) {
	docs, err := m.store.List(ctx, docstore.Sub(db.CollectionStoryboards, sb.ID, db.SubcollectionScenes))
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "list scenes of storyboard %s", sb.ID)
	}

	byID := make(map[string]scene, len(docs))
	var unordered []string
	for _, doc := range docs {
		var s scene
		if err := docstore.Decode(doc.Data, &s); err != nil {
			return nil, fmt.Errorf("scene %s: %w", doc.ID, err)
		}
		if s.ID == "" {
			s.ID = doc.ID
		}
		byID[s.ID] = s
		unordered = append(unordered, s.ID)
	}

	out := make([]scene, 0, len(byID))
	for _, id := range sb.SceneOrder {
		if s, ok := byID[id]; ok {
			out = append(out, s)
			delete(byID, id)
		}
	}
	for _, id := range unordered {
		if s, ok := byID[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func convertScene(ls scene, i int, now time.Time) models.Scene {
	duration := ls.VideoDuration
	switch {
	case duration <= 0:
		duration = models.DefaultSceneDuration
	case duration > models.MaxSceneDuration:
		duration = models.MaxSceneDuration
	}
	created := ls.CreatedAt
	if created.IsZero() {
		created = now
	}

	s := models.Scene{
		ID:              ls.ID,
		Title:           fmt.Sprintf("Scene %d", i+1),
		Description:     ls.Text,
		DurationSeconds: duration,
		CreatedAt:       created,
		UpdatedAt:       now,
	}
	if storage.IsDurablePath(ls.ImageURL) {
		s.Assets.ThumbnailPath = ls.ImageURL
	}
	if storage.IsDurablePath(ls.VideoURL) {
		s.Assets.VideoPath = ls.VideoURL
	}
	return s
}

// copyAssets re-uploads every http(s) asset URL into durable storage. An asset that
// cannot be copied, or whose reference is neither a storage path nor fetchable, is
// dropped; a URL is never recorded as a path.
func (m *Migrator) copyAssets(ctx context.Context, project *models.Project, legacyScenes []scene, limit int, report *Report) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, ls := range legacyScenes {
		target := &project.Scenes[i]
		for _, a := range []struct {
			url  string
			kind string
			ext  string
			ct   string
			set  func(string)
		}{
			{ls.ImageURL, "thumbnail", "png", "image/png", func(p string) { target.Assets.ThumbnailPath = p }},
			{ls.VideoURL, "video", "mp4", "video/mp4", func(p string) { target.Assets.VideoPath = p }},
		} {
			if a.url == "" || storage.IsDurablePath(a.url) {
				continue
			}
			if !storage.IsFetchable(a.url) {
				mu.Lock()
				report.AssetsDropped++
				mu.Unlock()
				m.log.Warn().
					Str("project_id", project.ID).
					Str("scene_id", target.ID).
					Str("asset", a.kind).
					Msg("legacy asset reference is not fetchable, dropping it")
				continue
			}
			ext := strings.TrimPrefix(path.Ext(urlPath(a.url)), ".")
			if ext == "" {
				ext = a.ext
			}
			dst := storage.ScenePath(project.ID, target.ID, a.kind, legacyJobID, ext)

			g.Go(func() error {
				err := m.blob.UploadFromURL(gctx, a.url, dst, a.ct)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					report.AssetsDropped++
					m.log.Warn().Err(err).
						Str("project_id", project.ID).
						Str("scene_id", target.ID).
						Str("asset", a.kind).
						Msg("failed to copy legacy asset, dropping it")
					return nil
				}
				a.set(dst)
				report.AssetsCopied++
				return nil
			})
		}
	}
	_ = g.Wait()
}

func embed(sb storyboard) *models.EmbeddedStoryboard {
	out := &models.EmbeddedStoryboard{ID: sb.ID, Title: sb.Title}

	switch brief := sb.CreativeBrief.(type) {
	case string:
		if brief != "" {
			out.CreativeBrief = &models.CreativeBrief{AdditionalNotes: brief}
		}
	case map[string]any:
		var cb models.CreativeBrief
		if err := docstore.Decode(brief, &cb); err == nil {
			if cb.BrandName == "" {
				cb.BrandName, _ = brief["product_name"].(string)
			}
			out.CreativeBrief = &cb
		}
	}

	if md := sb.SelectedMood; md != nil {
		out.SelectedMood = &models.SelectedMood{
			ID:           md.ID,
			Name:         md.Name,
			Description:  md.Description,
			VisualStyle:  firstNonEmpty(md.VisualStyle, md.AestheticDirection),
			ColorPalette: md.ColorPalette,
			MoodKeywords: md.StyleKeywords,
		}
	}
	return out
}

// urlPath strips the query string and fragment from u.
func urlPath(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
