// Package cli is the storyforge command line: the API server, a standalone worker and
// the legacy storyboard migration share one set of wiring here.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/storyforge/internal/api"
	"github.com/bobarin/storyforge/internal/config"
	"github.com/bobarin/storyforge/internal/db"
	"github.com/bobarin/storyforge/internal/dispatcher"
	"github.com/bobarin/storyforge/internal/docstore"
	"github.com/bobarin/storyforge/internal/legacy"
	"github.com/bobarin/storyforge/internal/live"
	"github.com/bobarin/storyforge/internal/logging"
	"github.com/bobarin/storyforge/internal/metrics"
	"github.com/bobarin/storyforge/internal/queue"
	"github.com/bobarin/storyforge/internal/services"
	"github.com/bobarin/storyforge/internal/storage"
	"github.com/bobarin/storyforge/internal/worker"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var version = "dev"

const shutdownTimeout = 30 * time.Second

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "storyforge",
		Short:         "Scene-based video generation backend",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (overridden by environment variables)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API (and the worker when WORKER_ENABLED)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(configPath, func(ctx context.Context, a *app) error {
					return a.serve(ctx, a.cfg.WorkerEnabled)
				})
			},
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Run only the job executor",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(configPath, func(ctx context.Context, a *app) error {
					return a.runWorker(ctx)
				})
			},
		},
		newMigrateCmd(&configPath),
	)
	return root
}

func newMigrateCmd(configPath *string) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate-legacy",
		Short: "Convert legacy storyboards into projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				m := legacy.New(a.db, a.storage, a.log)
				report, err := m.Run(ctx, legacy.Options{DryRun: dryRun})
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be migrated without writing")
	return cmd
}

// app holds the shared dependencies of every command.
type app struct {
	cfg        *config.Config
	log        zerolog.Logger
	metrics    *metrics.Collector
	db         *db.DB
	queue      *queue.Queue
	storage    *storage.Storage
	dispatcher *dispatcher.Dispatcher
}

// withApp builds the dependencies, runs fn until SIGINT/SIGTERM and releases them.
func withApp(configPath string, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer store.Close()
	logger.Info().Str("driver", cfg.DocstoreDriver).Msg("connected to document store")

	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect to queue: %w", err)
	}
	defer q.Close()
	logger.Info().Msg("connected to redis queue")

	m := metrics.NewCollector()
	database := db.New(store, logger, m)
	a := &app{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		db:      database,
		queue:   q,
		storage: storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, logger),
		dispatcher: dispatcher.New(database, q, logger, m, dispatcher.Options{
			StaleAfter: cfg.StaleAfter,
			MaxRetries: cfg.MaxRetries,
		}),
	}
	return fn(ctx, a)
}

func openStore(ctx context.Context, cfg *config.Config) (docstore.Store, error) {
	switch cfg.DocstoreDriver {
	case config.DriverPostgres:
		return docstore.Open(ctx, docstore.Postgres, cfg.DatabaseURL)
	case config.DriverSQLite:
		return docstore.Open(ctx, docstore.SQLite, cfg.DatabaseURL)
	case config.DriverMemory:
		return docstore.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown docstore driver %q", cfg.DocstoreDriver)
}

func (a *app) newWorker() *worker.Worker {
	return worker.New(a.db, a.queue, a.storage, a.generators(), a.dispatcher, a.log, a.metrics, worker.Options{
		JobTimeout:        a.cfg.JobTimeout,
		GenerationTimeout: a.cfg.GenerationTimeout,
		StaleAfter:        a.cfg.StaleAfter,
		ReconcileInterval: a.cfg.ReconcileInterval,
		SignedURLTTL:      a.cfg.SignedURLTTL,
		BatchConcurrency:  a.cfg.BatchConcurrency,
		MaxAutoRetries:    a.cfg.MaxAutoRetries,
	})
}

// generators picks one provider per asset type. A type without credentials stays nil
// and its jobs fail as not configured.
func (a *app) generators() worker.Generators {
	var gen worker.Generators
	cfg := a.cfg

	if cfg.GeminiKey != "" {
		gen.Image = services.NewImageService(cfg.GeminiKey, cfg.GeminiImageModel, "", a.log)
	}
	if cfg.OpenAIKey != "" {
		gen.Composition = services.NewCompositionService(cfg.OpenAIKey, cfg.OpenAIModel, "", a.log)
	}

	switch {
	case cfg.VideoProvider == config.ProviderXAI && cfg.XAIAPIKey != "":
		gen.Video = services.NewXAIVideoService(cfg.XAIAPIKey, a.log)
	case cfg.VideoProvider == config.ProviderVeo && cfg.GeminiKey != "":
		gen.Video = services.NewVeoService(cfg.GeminiKey, cfg.VeoModel, a.log)
	}

	switch {
	case cfg.AudioProvider == config.ProviderElevenLabs && cfg.ElevenLabsKey != "":
		gen.Audio = services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, a.log)
	case cfg.AudioProvider == config.ProviderCartesia && cfg.CartesiaKey != "":
		gen.Audio = services.NewCartesiaService(cfg.CartesiaKey, cfg.CartesiaVoiceID, a.log)
	}

	a.log.Info().
		Bool("image", gen.Image != nil).
		Bool("composition", gen.Composition != nil).
		Bool("video", gen.Video != nil).
		Str("video_provider", cfg.VideoProvider).
		Bool("audio", gen.Audio != nil).
		Str("audio_provider", cfg.AudioProvider).
		Msg("generation providers")
	return gen
}

func (a *app) serve(ctx context.Context, withWorker bool) error {
	channel := live.New(a.db, a.log, a.metrics, live.Options{
		PollInterval:      a.cfg.LivePollInterval,
		HeartbeatInterval: a.cfg.LiveHeartbeatInterval,
		MaxBackoff:        a.cfg.LiveMaxBackoff,
	})
	handler := api.NewHandler(a.db, a.dispatcher, channel, a.storage, a.log, api.Options{
		StaleAfter:   a.cfg.StaleAfter,
		SignedURLTTL: a.cfg.SignedURLTTL,
	})

	routerCfg := api.RouterConfig{
		Auth:               api.AuthConfig{APIKey: a.cfg.BackendAPIKey, JWTSecret: a.cfg.JWTSecret},
		CorsAllowedOrigins: a.cfg.CorsAllowedOrigins,
	}
	if a.cfg.MetricsEnabled {
		routerCfg.Metrics = a.metrics.Handler()
	}
	if a.cfg.IsDevelopment() {
		a.log.Warn().Msg("no BACKEND_API_KEY or JWT_SECRET set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Handler:           api.NewRouter(handler, routerCfg, a.log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", ":"+a.cfg.APIPort)
	if err != nil {
		return fmt.Errorf("listen on port %s: %w", a.cfg.APIPort, err)
	}

	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	if withWorker {
		w := a.newWorker()
		go func() {
			defer close(workerDone)
			w.Start(workerCtx, a.cfg.MaxConcurrentJobs)
		}()
	} else {
		close(workerDone)
	}

	a.log.Info().Str("port", a.cfg.APIPort).Bool("worker", withWorker).Msg("API server listening")
	err = serveUntilDone(ctx, server, ln, a.log)

	// The worker stops before the deferred store.Close runs.
	stopWorker()
	<-workerDone
	if err != nil {
		return err
	}
	a.log.Info().Msg("server exited")
	return nil
}

// serveUntilDone serves on ln until ctx is done, then shuts the server down. Request
// contexts derive from ctx, so open event streams end when shutdown begins.
func serveUntilDone(ctx context.Context, server *http.Server, ln net.Listener, log zerolog.Logger) error {
	server.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func (a *app) runWorker(ctx context.Context) error {
	if a.cfg.MetricsEnabled {
		go a.serveMetrics(ctx)
	}
	a.newWorker().Start(ctx, a.cfg.MaxConcurrentJobs)
	return nil
}

// serveMetrics exposes /metrics for a standalone worker on API_PORT.
func (a *app) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	server := &http.Server{Addr: ":" + a.cfg.APIPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Error().Err(err).Msg("metrics server failed")
	}
}

// exitCode maps an error from Execute to a process exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}

// Main runs the CLI and exits.
func Main() {
	os.Exit(exitCode(Execute()))
}
