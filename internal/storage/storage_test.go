package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobarin/storyforge/internal/apperr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSupabase keeps uploaded objects in memory.
type fakeSupabase struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failures int32
}

func (f *fakeSupabase) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if r.Header.Get("Authorization") != "Bearer service-key" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.HasPrefix(r.URL.Path, "/storage/v1/object/sign/media/"):
		key := strings.TrimPrefix(r.URL.Path, "/storage/v1/object/sign/media/")
		_, _ = io.WriteString(w, `{"signedURL":"/object/sign/media/`+key+`?token=abc"}`)
	case strings.HasPrefix(r.URL.Path, "/storage/v1/object/media/"):
		key := strings.TrimPrefix(r.URL.Path, "/storage/v1/object/media/")
		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			f.objects[key] = data
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			data, ok := f.objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(data)
		case http.MethodDelete:
			if _, ok := f.objects[key]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.objects, key)
			w.WriteHeader(http.StatusOK)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeSupabase) object(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

func newTestStorage(t *testing.T) (*Storage, *fakeSupabase, *httptest.Server) {
	t.Helper()
	fake := &fakeSupabase{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s := New(srv.URL, "service-key", "media", zerolog.Nop())
	s.baseDelay = time.Millisecond
	return s, fake, srv
}

func TestUploadDelete(t *testing.T) {
	s, fake, _ := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Upload(ctx, "projects/p/scenes/s/video-j.mp4", []byte("mp4"), "video/mp4"))
	assert.Equal(t, []byte("mp4"), fake.object("projects/p/scenes/s/video-j.mp4"))

	require.NoError(t, s.Delete(ctx, "projects/p/scenes/s/video-j.mp4"))
	assert.Nil(t, fake.object("projects/p/scenes/s/video-j.mp4"))

	// Deleting again is not an error.
	require.NoError(t, s.Delete(ctx, "projects/p/scenes/s/video-j.mp4"))
}

func TestUploadRetriesUnavailable(t *testing.T) {
	s, fake, _ := newTestStorage(t)
	atomic.StoreInt32(&fake.failures, 2)

	require.NoError(t, s.Upload(context.Background(), "a.png", []byte("png"), "image/png"))
	assert.Equal(t, []byte("png"), fake.object("a.png"))
}

func TestUploadDoesNotRetryAuthFailure(t *testing.T) {
	s, _, _ := newTestStorage(t)
	s.serviceKey = "wrong"

	err := s.Upload(context.Background(), "a.png", []byte("png"), "image/png")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Storage))
	assert.Contains(t, err.Error(), "401")
}

func TestUploadFromURL(t *testing.T) {
	s, fake, _ := newTestStorage(t)
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "video-bytes")
	}))
	defer provider.Close()

	require.NoError(t, s.UploadFromURL(context.Background(), provider.URL+"/tmp/v.mp4", "projects/p/scenes/s/video-j.mp4", "video/mp4"))
	assert.Equal(t, []byte("video-bytes"), fake.object("projects/p/scenes/s/video-j.mp4"))
}

func TestUploadFromExpiredURL(t *testing.T) {
	s, _, _ := newTestStorage(t)
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer provider.Close()

	err := s.UploadFromURL(context.Background(), provider.URL+"/expired", "x.mp4", "video/mp4")
	assert.True(t, apperr.Is(err, apperr.Storage))
}

func TestSignedURL(t *testing.T) {
	s, _, srv := newTestStorage(t)

	url, err := s.SignedURL(context.Background(), "projects/p/a.png", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/storage/v1/object/sign/media/projects/p/a.png?token=abc", url)
}

func TestScenePath(t *testing.T) {
	assert.Equal(t, "projects/p1/scenes/s1/video-j1.mp4", ScenePath("p1", "s1", "video", "j1", "mp4"))
	assert.Equal(t, "projects/p1/scenes/s1/audio-j2.mp3", ScenePath("p1", "s1", "audio", "j2", ".mp3"))
	assert.NotEqual(t, ScenePath("p", "s", "video", "j1", "mp4"), ScenePath("p", "s", "video", "j2", "mp4"))
}

func TestIsDurablePath(t *testing.T) {
	for _, tc := range []struct {
		path    string
		durable bool
	}{
		{"projects/p/scenes/s/video-j.mp4", true},
		{"projects/p/scenes/s/thumbnail-legacy.png", true},
		{"", false},
		{"https://cdn.example.com/tmp/v.mp4", false},
		{"HTTP://cdn.example.com/v.mp4", false},
		{"gs://provider-tmp/expiring/v.mp4", false},
		{"data:video/mp4;base64,AAAA", false},
		{"//cdn.example.com/v.mp4", false},
		{"/projects/p/v.mp4", false},
		{"projects/p/../q/v.mp4", false},
		{"projects/../etc/passwd", false},
		{"other/p/v.mp4", false},
	} {
		assert.Equal(t, tc.durable, IsDurablePath(tc.path), tc.path)
	}
}

func TestInProject(t *testing.T) {
	assert.True(t, InProject("projects/p1/scenes/s1/thumbnail.png", "p1"))
	assert.False(t, InProject("projects/p1/scenes/s1/thumbnail.png", "p2"))
	assert.False(t, InProject("projects/p10/scenes/s1/thumbnail.png", "p1"))
	assert.False(t, InProject("projects/p2/../p1/scenes/s1/thumbnail.png", "p2"))
	assert.False(t, InProject("projects/p1/x.png", ""))
}

func TestIsFetchable(t *testing.T) {
	assert.True(t, IsFetchable("https://cdn.example.com/v.mp4"))
	assert.True(t, IsFetchable("HTTP://cdn.example.com/v.mp4"))
	assert.False(t, IsFetchable("gs://bucket/v.mp4"))
	assert.False(t, IsFetchable("projects/p/v.mp4"))
}

func TestRetryDelayIsBounded(t *testing.T) {
	s := New("http://x", "k", "b", zerolog.Nop())
	for attempt := 1; attempt <= 10; attempt++ {
		d := s.retryDelay(attempt)
		assert.LessOrEqual(t, d, maxRetryDelay+maxRetryDelay/4)
		assert.GreaterOrEqual(t, d, baseRetryDelay)
	}
}
