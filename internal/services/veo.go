package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Veo video generation
// The scene's key frame is passed as the first frame and the prompt describes
// the motion that should happen.
// ---------------------------------------------------------------------------

const (
	defaultVeoModel = "veo-3.1-generate-preview"
	veoPollInterval = 10 * time.Second
	veoMinDuration  = 4
	veoMaxDuration  = 8
)

type VeoService struct {
	apiKey       string
	model        string
	baseURL      string
	pollInterval time.Duration
	httpClient   *http.Client
	log          zerolog.Logger
}

var _ VideoGenerator = (*VeoService)(nil)

// NewVeoService creates a Veo video generation service.
// apiKey is the Gemini API key; an empty model defaults to veo-3.1-generate-preview.
func NewVeoService(apiKey, model string, log zerolog.Logger) *VeoService {
	if model == "" {
		model = defaultVeoModel
	}
	return &VeoService{
		apiKey:       apiKey,
		model:        model,
		pollInterval: veoPollInterval,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		log:          log.With().Str("component", "veo").Logger(),
	}
}

// GenerateVideo blocks until the operation finishes or ctx is done, and returns the MP4 bytes.
func (s *VeoService) GenerateVideo(ctx context.Context, req VideoRequest) (*Result, error) {
	if req.ImageURL == "" {
		return nil, fmt.Errorf("veo requires a first frame image")
	}
	imageData, mimeType, err := fetchBytes(ctx, s.httpClient, req.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch first frame: %w", err)
	}

	client, err := newGenAIClient(ctx, s.apiKey, s.baseURL)
	if err != nil {
		return nil, err
	}

	aspect := req.AspectRatio
	if aspect == "" {
		aspect = defaultAspectRatio
	}
	config := &genai.GenerateVideosConfig{
		AspectRatio:      aspect,
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
	}
	if req.DurationSeconds > 0 {
		d := int32(clampInt(int(req.DurationSeconds+0.5), veoMinDuration, veoMaxDuration))
		config.DurationSeconds = &d
	}

	prompt := req.Prompt
	if req.Style != "" {
		prompt += "\n\nVisual style: " + req.Style + ". Keep the style of the first frame."
	}

	s.log.Info().Str("model", s.model).Int("image_bytes", len(imageData)).Msg("starting video generation")

	operation, err := client.Models.GenerateVideos(ctx, s.model, prompt, &genai.Image{ImageBytes: imageData, MIMEType: mimeType}, config)
	if err != nil {
		return nil, fmt.Errorf("failed to start video generation: %w", err)
	}

	pollCount := 0
	for !operation.Done {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("video generation cancelled: %w", ctx.Err())
		case <-time.After(s.pollInterval):
		}

		pollCount++
		operation, err = client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to poll operation (attempt %d): %w", pollCount, err)
		}
		s.log.Debug().Str("operation", operation.Name).Int("poll", pollCount).Bool("done", operation.Done).Msg("polled video operation")
	}

	// Operation-level errors (invalid request, quota exceeded)
	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return nil, fmt.Errorf("video generation operation failed: %s", string(errJSON))
	}
	if operation.Response == nil {
		return nil, fmt.Errorf("no response in completed operation %s", operation.Name)
	}
	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return nil, fmt.Errorf("video blocked by safety filters: %s", reasons)
	}
	if len(operation.Response.GeneratedVideos) == 0 || operation.Response.GeneratedVideos[0].Video == nil {
		return nil, fmt.Errorf("no videos in response")
	}

	video := operation.Response.GeneratedVideos[0].Video
	videoBytes, err := client.Files.Download(ctx, genai.NewDownloadURIFromVideo(video), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated video: %w", err)
	}
	if len(videoBytes) == 0 {
		return nil, fmt.Errorf("downloaded video is empty (0 bytes)")
	}

	s.log.Info().Int("bytes", len(videoBytes)).Int("polls", pollCount).Msg("video generated")
	return &Result{Data: videoBytes, ContentType: "video/mp4"}, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
