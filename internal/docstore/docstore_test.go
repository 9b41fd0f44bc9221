package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends runs fn against every Store implementation that works without external services.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(context.Background(), SQLite, filepath.Join(t.TempDir(), "docs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func TestGetMissing(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), "projects", "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.False(t, IsTransport(err))
	})
}

func TestSetGetRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "projects", "p1", map[string]any{
			"name":    "launch",
			"user_id": "u1",
			"assets":  map[string]any{"video_path": "v.mp4"},
		}))

		doc, err := s.Get(ctx, "projects", "p1")
		require.NoError(t, err)
		assert.Equal(t, "p1", doc.ID)
		assert.Equal(t, int64(1), doc.Revision)
		assert.Equal(t, "launch", doc.Data["name"])

		require.NoError(t, s.Set(ctx, "projects", "p1", map[string]any{"name": "relaunch"}))
		doc, err = s.Get(ctx, "projects", "p1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), doc.Revision)
		assert.NotContains(t, doc.Data, "user_id", "set is a full replace")
	})
}

func TestUpdateMergesDotPaths(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "scenes", "s1", map[string]any{
			"assets": map[string]any{"composition_path": "c.json"},
			"title":  "Intro",
		}))

		require.NoError(t, s.Update(ctx, "scenes", "s1", map[string]any{
			"assets.video_path": "v.mp4",
		}))

		doc, err := s.Get(ctx, "scenes", "s1")
		require.NoError(t, err)
		assets := doc.Data["assets"].(map[string]any)
		assert.Equal(t, "v.mp4", assets["video_path"])
		assert.Equal(t, "c.json", assets["composition_path"], "sibling must survive")
		assert.Equal(t, "Intro", doc.Data["title"])

		require.NoError(t, s.Update(ctx, "scenes", "s1", map[string]any{"assets.video_path": nil}))
		doc, err = s.Get(ctx, "scenes", "s1")
		require.NoError(t, err)
		assert.NotContains(t, doc.Data["assets"].(map[string]any), "video_path")
	})
}

func TestUpdateMissingFails(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		err := s.Update(context.Background(), "scenes", "ghost", map[string]any{"a": 1})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeleteIsIdempotent(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "projects", "p1", map[string]any{"a": 1}))
		require.NoError(t, s.Delete(ctx, "projects", "p1"))
		require.NoError(t, s.Delete(ctx, "projects", "p1"))

		_, err := s.Get(ctx, "projects", "p1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestQueryByField(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "projects", "a", map[string]any{"user_id": "u1"}))
		require.NoError(t, s.Set(ctx, "projects", "b", map[string]any{"user_id": "u2"}))
		require.NoError(t, s.Set(ctx, "projects", "c", map[string]any{"user_id": "u1"}))
		require.NoError(t, s.Set(ctx, "other", "d", map[string]any{"user_id": "u1"}))
		require.NoError(t, s.Set(ctx, "jobs", "j", map[string]any{"owner": map[string]any{"id": "u1"}}))

		docs, err := s.Query(ctx, "projects", "user_id", "u1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "c"}, ids(docs))

		nested, err := s.Query(ctx, "jobs", "owner.id", "u1")
		require.NoError(t, err)
		assert.Equal(t, []string{"j"}, ids(nested))

		all, err := s.List(ctx, "projects")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestSubcollectionsAreIsolated(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, Sub("storyboards", "sb1", "scenes"), "s1", map[string]any{"text": "a"}))
		require.NoError(t, s.Set(ctx, Sub("storyboards", "sb2", "scenes"), "s1", map[string]any{"text": "b"}))

		docs, err := s.List(ctx, "storyboards/sb1/scenes")
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "a", docs[0].Data["text"])
	})
}

func TestCompareAndSet(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		rev, err := s.CompareAndSet(ctx, "slots", "k", map[string]any{"job_id": "j1"}, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), rev)

		_, err = s.CompareAndSet(ctx, "slots", "k", map[string]any{"job_id": "j2"}, 0)
		assert.ErrorIs(t, err, ErrRevisionMismatch, "create-if-absent must fail on existing doc")

		rev, err = s.CompareAndSet(ctx, "slots", "k", map[string]any{"job_id": "j2"}, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), rev)

		current, err := s.CompareAndSet(ctx, "slots", "k", map[string]any{"job_id": "j3"}, 1)
		assert.ErrorIs(t, err, ErrRevisionMismatch)
		assert.Equal(t, int64(2), current)

		doc, err := s.Get(ctx, "slots", "k")
		require.NoError(t, err)
		assert.Equal(t, "j2", doc.Data["job_id"])
	})
}

func TestCompareAndSetSingleWinner(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "counters", "c", map[string]any{"n": 0}))

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.CompareAndSet(ctx, "counters", "c", map[string]any{"n": i}, 1)
				if err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
					return
				}
				assert.True(t, errors.Is(err, ErrRevisionMismatch), "unexpected error: %v", err)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})
}

func TestMemoryReturnsCopies(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "p", "1", map[string]any{"nested": map[string]any{"a": "x"}}))

	doc, err := s.Get(ctx, "p", "1")
	require.NoError(t, err)
	doc.Data["nested"].(map[string]any)["a"] = "mutated"

	again, err := s.Get(ctx, "p", "1")
	require.NoError(t, err)
	assert.Equal(t, "x", again.Data["nested"].(map[string]any)["a"])
}

func TestCancelledContextIsTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemory().Get(ctx, "p", "1")
	assert.True(t, IsTransport(err))
}

func TestEncodeDecode(t *testing.T) {
	type assets struct {
		VideoPath string `json:"video_path,omitempty"`
	}
	type scene struct {
		ID     string `json:"id"`
		Assets assets `json:"assets"`
	}

	data, err := Encode(scene{ID: "s1", Assets: assets{VideoPath: "v"}})
	require.NoError(t, err)
	v, ok := Lookup(data, "assets.video_path")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	var out scene
	require.NoError(t, Decode(data, &out))
	assert.Equal(t, "s1", out.ID)
}

func ids(docs []*Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	sort.Strings(out)
	return out
}
