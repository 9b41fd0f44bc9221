package legacy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/storyforge/internal/db"
	"github.com/bobarin/storyforge/internal/docstore"
	"github.com/bobarin/storyforge/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	mu     sync.Mutex
	copied map[string]string
	fail   string
}

func (u *fakeUploader) UploadFromURL(ctx context.Context, srcURL, p, contentType string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fail != "" && strings.Contains(srcURL, u.fail) {
		return errors.New("source returned 404")
	}
	if u.copied == nil {
		u.copied = map[string]string{}
	}
	u.copied[p] = srcURL
	return nil
}

type fixture struct {
	store docstore.Store
	db    *db.DB
	blob  *fakeUploader
	m     *Migrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := docstore.NewMemory()
	database := db.New(store, zerolog.Nop(), nil)
	blob := &fakeUploader{}
	return &fixture{store: store, db: database, blob: blob, m: New(database, blob, zerolog.Nop())}
}

func (f *fixture) put(t *testing.T, collection, id string, data map[string]any) {
	t.Helper()
	require.NoError(t, f.store.Set(context.Background(), collection, id, data))
}

func (f *fixture) seedStoryboard(t *testing.T) {
	t.Helper()
	f.put(t, db.CollectionStoryboards, "sb1", map[string]any{
		"storyboard_id":  "sb1",
		"user_id":        "u1",
		"title":          "Spring launch",
		"creative_brief": "Product: Trailrunner\nTarget Audience: hikers",
		"selected_mood": map[string]any{
			"id":                  "m1",
			"name":                "Bright",
			"aesthetic_direction": "sunlit, airy",
			"style_keywords":      []any{"warm", "open"},
		},
		"scene_order": []any{"sc2", "sc1"},
	})
	scenes := docstore.Sub(db.CollectionStoryboards, "sb1", db.SubcollectionScenes)
	f.put(t, scenes, "sc1", map[string]any{
		"id":             "sc1",
		"text":           "the shoe on a wet rock",
		"image_url":      "https://legacy.test/sc1.jpg?token=abc",
		"video_url":      "projects/sb1/scenes/sc1/video-old.mp4",
		"video_duration": 45.0,
	})
	f.put(t, scenes, "sc2", map[string]any{
		"id":        "sc2",
		"text":      "sunrise over the ridge",
		"image_url": "https://legacy.test/sc2.png",
		"video_url": "https://legacy.test/gone.mp4",
	})
}

func TestRunMigratesStoryboards(t *testing.T) {
	f := newFixture(t)
	f.seedStoryboard(t)
	f.blob.fail = "gone"

	report, err := f.m.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Migrated)
	assert.Equal(t, 2, report.Scenes)
	assert.Equal(t, 2, report.AssetsCopied)
	assert.Equal(t, 1, report.AssetsDropped)

	p, err := f.db.GetProject(context.Background(), "sb1")
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, "Spring launch", p.Name)
	require.NotNil(t, p.Storyboard)
	assert.Contains(t, p.Storyboard.CreativeBrief.AdditionalNotes, "Trailrunner")
	assert.Equal(t, "sunlit, airy", p.Storyboard.SelectedMood.VisualStyle)
	assert.Equal(t, []string{"warm", "open"}, p.Storyboard.SelectedMood.MoodKeywords)

	require.Len(t, p.Scenes, 2)
	first, second := p.Scenes[0], p.Scenes[1]

	// scene_order puts sc2 first.
	assert.Equal(t, "sc2", first.ID)
	assert.Equal(t, 1, first.SceneNumber)
	assert.Equal(t, "sunrise over the ridge", first.Description)
	assert.Equal(t, models.DefaultSceneDuration, first.DurationSeconds)
	assert.Equal(t, "projects/sb1/scenes/sc2/thumbnail-legacy.png", first.Assets.ThumbnailPath)
	assert.Empty(t, first.Assets.VideoPath, "failed copy is dropped, not kept as a URL")

	assert.Equal(t, "sc1", second.ID)
	assert.Equal(t, models.MaxSceneDuration, second.DurationSeconds)
	assert.Equal(t, "projects/sb1/scenes/sc1/thumbnail-legacy.jpg", second.Assets.ThumbnailPath)
	assert.Equal(t, "projects/sb1/scenes/sc1/video-old.mp4", second.Assets.VideoPath)

	for _, s := range p.Scenes {
		assert.False(t, strings.HasPrefix(s.Assets.ThumbnailPath, "http"))
		assert.False(t, strings.HasPrefix(s.Assets.VideoPath, "http"))
	}
	assert.Equal(t, 2, p.Stats.TotalScenes)
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedStoryboard(t)

	_, err := f.m.Run(context.Background(), Options{})
	require.NoError(t, err)

	report, err := f.m.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Migrated)
	assert.Equal(t, 1, report.Skipped)
}

func TestRunDryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.seedStoryboard(t)

	report, err := f.m.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Migrated)
	assert.Equal(t, 2, report.Scenes)
	assert.Empty(t, f.blob.copied)

	_, err = f.db.GetProject(context.Background(), "sb1")
	assert.Error(t, err)
}

func TestRunReportsBrokenStoryboards(t *testing.T) {
	f := newFixture(t)
	f.seedStoryboard(t)
	f.put(t, db.CollectionStoryboards, "orphan", map[string]any{"title": "no owner"})

	report, err := f.m.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Storyboards)
	assert.Equal(t, 1, report.Migrated)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "orphan")
}

func TestConvertSceneDefaults(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := convertScene(scene{ID: "x", Text: "t", VideoDuration: 7.5}, 2, now)
	assert.Equal(t, "Scene 3", s.Title)
	assert.Equal(t, 7.5, s.DurationSeconds)
	assert.Equal(t, now, s.CreatedAt)
	assert.Empty(t, s.Assets.ThumbnailPath)
}

func TestRunDropsUnfetchableReferences(t *testing.T) {
	f := newFixture(t)
	f.put(t, db.CollectionStoryboards, "sb2", map[string]any{"user_id": "u1", "title": "Teaser"})
	f.put(t, docstore.Sub(db.CollectionStoryboards, "sb2", db.SubcollectionScenes), "sc1", map[string]any{
		"text":      "city at night",
		"image_url": "gs://legacy-bucket/sc1.png",
		"video_url": "projects/../sb1/scenes/sc1/video-old.mp4",
	})

	report, err := f.m.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Migrated)
	assert.Equal(t, 2, report.AssetsDropped)
	assert.Empty(t, f.blob.copied)

	p, err := f.db.GetProject(context.Background(), "sb2")
	require.NoError(t, err)
	require.Len(t, p.Scenes, 1)
	assert.Empty(t, p.Scenes[0].Assets.ThumbnailPath)
	assert.Empty(t, p.Scenes[0].Assets.VideoPath)
}
