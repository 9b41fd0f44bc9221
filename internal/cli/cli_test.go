package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bobarin/storyforge/internal/api"
	"github.com/bobarin/storyforge/internal/config"
	"github.com/bobarin/storyforge/internal/db"
	"github.com/bobarin/storyforge/internal/dispatcher"
	"github.com/bobarin/storyforge/internal/docstore"
	"github.com/bobarin/storyforge/internal/legacy"
	"github.com/bobarin/storyforge/internal/live"
	"github.com/bobarin/storyforge/internal/models"
	"github.com/bobarin/storyforge/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEnv(t *testing.T) {
	t.Helper()
	srv := miniredis.RunT(t)
	t.Setenv("REDIS_URL", "redis://"+srv.Addr())
	t.Setenv("DOCSTORE_DRIVER", "memory")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "service-key")
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "worker", "migrate-legacy"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestMigrateLegacyDryRun(t *testing.T) {
	setEnv(t)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"migrate-legacy", "--dry-run"})
	require.NoError(t, root.Execute())

	var report legacy.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, 0, report.Storyboards)
}

func TestOpenStore(t *testing.T) {
	store, err := openStore(context.Background(), &config.Config{DocstoreDriver: config.DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &docstore.Memory{}, store)

	_, err = openStore(context.Background(), &config.Config{DocstoreDriver: "mongo"})
	assert.Error(t, err)
}

func TestGeneratorsFollowProviders(t *testing.T) {
	a := &app{log: zerolog.Nop(), cfg: &config.Config{
		VideoProvider: config.ProviderVeo,
		XAIAPIKey:     "xai-key",
		AudioProvider: config.ProviderCartesia,
		CartesiaKey:   "cartesia-key",
		OpenAIKey:     "openai-key",
	}}
	gen := a.generators()

	assert.Nil(t, gen.Image, "no gemini key")
	assert.Nil(t, gen.Video, "veo selected but no gemini key")
	assert.NotNil(t, gen.Audio)
	assert.NotNil(t, gen.Composition)

	a.cfg.VideoProvider = config.ProviderXAI
	assert.NotNil(t, a.generators().Video)
}

func TestServeUntilDoneEndsOpenStreams(t *testing.T) {
	database := db.New(docstore.NewMemory(), zerolog.Nop(), nil)
	require.NoError(t, database.CreateProject(context.Background(), &models.Project{
		ID: "p1", UserID: "u1", Name: "launch",
		Scenes: []models.Scene{{ID: "s1", Title: "Opening", Description: "sunrise", DurationSeconds: 5}},
	}))
	channel := live.New(database, zerolog.Nop(), nil, live.Options{PollInterval: 10 * time.Millisecond, HeartbeatInterval: time.Hour})
	disp := dispatcher.New(database, nil, zerolog.Nop(), nil, dispatcher.Options{})
	handler := api.NewHandler(database, disp, channel, storage.New("http://storage.invalid", "k", "media", zerolog.Nop()), zerolog.Nop(), api.Options{})
	server := &http.Server{Handler: api.NewRouter(handler, api.RouterConfig{}, zerolog.Nop()), ReadHeaderTimeout: time.Second}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveUntilDone(ctx, server, ln, zerolog.Nop())
	}()

	req, err := http.NewRequest(http.MethodGet, "http://"+ln.Addr().String()+"/v1/projects/p1/events", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "u1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "event: "), line)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown waited on an open event stream")
	}
}
