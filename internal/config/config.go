package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"

	ProviderXAI = "xai"
	ProviderVeo = "veo"

	ProviderElevenLabs = "elevenlabs"
	ProviderCartesia   = "cartesia"
)

type Config struct {
	// Server
	APIPort            string
	AppEnv             string
	LogLevel           string
	BackendAPIKey      string // API key for service-to-service requests (empty = no auth, dev mode)
	JWTSecret          string // HS256 secret for user bearer tokens (empty = JWT disabled)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	MetricsEnabled     bool

	// Document store
	DocstoreDriver string
	DatabaseURL    string

	// Redis
	RedisURL string

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string
	SignedURLTTL          time.Duration

	// OpenAI (composition)
	OpenAIKey   string
	OpenAIModel string

	// Gemini (images, and video when VideoProvider is veo)
	GeminiKey        string
	GeminiImageModel string

	// Video
	VideoProvider string
	VeoModel      string
	XAIAPIKey     string

	// Audio
	AudioProvider     string
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	CartesiaKey       string
	CartesiaVoiceID   string

	// Worker
	WorkerEnabled     bool
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	GenerationTimeout time.Duration
	MaxAutoRetries    int
	MaxRetries        int
	BatchConcurrency  int
	ReconcileInterval time.Duration
	StaleAfter        time.Duration

	// Live updates
	LivePollInterval      time.Duration
	LiveHeartbeatInterval time.Duration
	LiveMaxBackoff        time.Duration
}

// Load reads configuration from .env, then the optional YAML file at path (or
// STORYFORGE_CONFIG), then the process environment. Later sources win.
func Load(path string) (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("STORYFORGE_CONFIG")
	}
	src, err := newSource(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIPort:               src.getEnv("API_PORT", "8080"),
		AppEnv:                src.getEnv("APP_ENV", "development"),
		LogLevel:              src.getEnv("LOG_LEVEL", "info"),
		BackendAPIKey:         src.getEnv("BACKEND_API_KEY", ""),
		JWTSecret:             src.getEnv("JWT_SECRET", ""),
		CorsAllowedOrigins:    src.getEnv("CORS_ALLOWED_ORIGINS", ""),
		MetricsEnabled:        src.getEnvBool("METRICS_ENABLED", true),
		DocstoreDriver:        strings.ToLower(src.getEnv("DOCSTORE_DRIVER", DriverPostgres)),
		DatabaseURL:           src.getEnv("DATABASE_URL", ""),
		RedisURL:              src.getEnv("REDIS_URL", "redis://localhost:6379"),
		SupabaseURL:           src.getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    src.getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: src.getEnv("SUPABASE_STORAGE_BUCKET", "storyforge-media"),
		SignedURLTTL:          src.getEnvDuration("SIGNED_URL_TTL", time.Hour),
		OpenAIKey:             src.getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:           src.getEnv("OPENAI_MODEL", "gpt-4o"),
		GeminiKey:             src.getEnv("GEMINI_API_KEY", ""),
		GeminiImageModel:      src.getEnv("GEMINI_IMAGE_MODEL", "gemini-2.5-flash-image"),
		VideoProvider:         strings.ToLower(src.getEnv("VIDEO_PROVIDER", ProviderXAI)),
		VeoModel:              src.getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		XAIAPIKey:             src.getEnv("XAI_API_KEY", ""),
		AudioProvider:         strings.ToLower(src.getEnv("AUDIO_PROVIDER", ProviderElevenLabs)),
		ElevenLabsKey:         src.getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:     src.getEnv("ELEVENLABS_VOICE_ID", ""),
		CartesiaKey:           src.getEnv("CARTESIA_API_KEY", ""),
		CartesiaVoiceID:       src.getEnv("CARTESIA_VOICE_ID", ""),
		WorkerEnabled:         src.getEnvBool("WORKER_ENABLED", true),
		MaxConcurrentJobs:     src.getEnvInt("MAX_CONCURRENT_JOBS", 5),
		JobTimeout:            src.getEnvDuration("JOB_TIMEOUT", 10*time.Minute),
		GenerationTimeout:     src.getEnvDuration("GENERATION_TIMEOUT", 8*time.Minute),
		MaxAutoRetries:        src.getEnvInt("MAX_AUTO_RETRIES", 0),
		MaxRetries:            src.getEnvInt("MAX_RETRIES", 3),
		BatchConcurrency:      src.getEnvInt("BATCH_CONCURRENCY", 3),
		ReconcileInterval:     src.getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		StaleAfter:            src.getEnvDuration("STALE_AFTER", 5*time.Minute),
		LivePollInterval:      src.getEnvDuration("LIVE_POLL_INTERVAL", 2*time.Second),
		LiveHeartbeatInterval: src.getEnvDuration("LIVE_HEARTBEAT_INTERVAL", 15*time.Second),
		LiveMaxBackoff:        src.getEnvDuration("LIVE_MAX_BACKOFF", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.DocstoreDriver {
	case DriverPostgres, DriverSQLite:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s driver", c.DocstoreDriver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown DOCSTORE_DRIVER %q", c.DocstoreDriver)
	}

	if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}

	if c.VideoProvider != ProviderXAI && c.VideoProvider != ProviderVeo {
		return fmt.Errorf("unknown VIDEO_PROVIDER %q", c.VideoProvider)
	}

	if c.AudioProvider != ProviderElevenLabs && c.AudioProvider != ProviderCartesia {
		return fmt.Errorf("unknown AUDIO_PROVIDER %q", c.AudioProvider)
	}

	if c.GenerationTimeout >= c.JobTimeout {
		return fmt.Errorf("GENERATION_TIMEOUT (%s) must be below JOB_TIMEOUT (%s)", c.GenerationTimeout, c.JobTimeout)
	}

	if c.MaxConcurrentJobs < 1 || c.BatchConcurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS and BATCH_CONCURRENCY must be positive")
	}
	return nil
}

// IsDevelopment reports whether the service runs without API authentication.
func (c *Config) IsDevelopment() bool {
	return c.BackendAPIKey == "" && c.JWTSecret == ""
}

// source resolves a key from the environment first, then the YAML file.
type source struct {
	file map[string]string
}

func newSource(path string) (*source, error) {
	src := &source{file: map[string]string{}}
	if path == "" {
		return src, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	for k, v := range values {
		if v == nil {
			continue
		}
		src.file[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return src, nil
}

func (s *source) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return s.file[key]
}

func (s *source) getEnv(key, defaultValue string) string {
	if value := s.lookup(key); value != "" {
		return value
	}
	return defaultValue
}

func (s *source) getEnvBool(key string, defaultValue bool) bool {
	if value := s.lookup(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func (s *source) getEnvInt(key string, defaultValue int) int {
	if value := s.lookup(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func (s *source) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := s.lookup(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
