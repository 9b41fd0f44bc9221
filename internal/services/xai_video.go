package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// xAI Grok Imagine Video
// Deferred request pattern: submit generation, then poll by request_id. The
// finished video is returned as an ephemeral URL for the caller to persist.
// ---------------------------------------------------------------------------

const (
	xaiBaseURL           = "https://api.x.ai/v1"
	xaiVideoModel        = "grok-imagine-video"
	xaiInitialDelay      = 15 * time.Second // videos typically take 30-40s
	xaiPollMinInterval   = 5 * time.Second
	xaiPollMaxInterval   = 20 * time.Second
	xaiPollBackoffFactor = 1.5
	xaiMinDuration       = 1
	xaiMaxDuration       = 15
	xaiDefaultDuration   = 5
	xaiDefaultResolution = "720p"
)

type XAIVideoService struct {
	apiKey       string
	baseURL      string
	initialDelay time.Duration
	minInterval  time.Duration
	maxInterval  time.Duration
	httpClient   *http.Client
	log          zerolog.Logger
}

var _ VideoGenerator = (*XAIVideoService)(nil)

func NewXAIVideoService(apiKey string, log zerolog.Logger) *XAIVideoService {
	return &XAIVideoService{
		apiKey:       apiKey,
		baseURL:      xaiBaseURL,
		initialDelay: xaiInitialDelay,
		minInterval:  xaiPollMinInterval,
		maxInterval:  xaiPollMaxInterval,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // per HTTP call, not the full poll cycle
		},
		log: log.With().Str("component", "xai").Logger(),
	}
}

// xaiGenerationRequest is the body for POST /v1/videos/generations
type xaiGenerationRequest struct {
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model"`
	Image       *xaiImageInput `json:"image,omitempty"`
	Duration    int            `json:"duration,omitempty"`
	AspectRatio string         `json:"aspect_ratio,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
}

type xaiImageInput struct {
	URL string `json:"url"`
}

type xaiGenerationResponse struct {
	RequestID string `json:"request_id"`
}

// xaiVideoResult is the response of GET /v1/videos/{request_id}.
//   - Pending: {"status":"pending"}
//   - Completed: {"video":{"url":"...","duration":8},"model":"..."} (no status field)
//   - Failed: {"status":"failed","error":"..."}
type xaiVideoResult struct {
	Status string          `json:"status"`
	Video  *xaiVideoOutput `json:"video,omitempty"`
	Model  string          `json:"model,omitempty"`
	Error  string          `json:"error"`
}

type xaiVideoOutput struct {
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

// GenerateVideo submits a generation and polls until the video URL is available or ctx is done.
func (s *XAIVideoService) GenerateVideo(ctx context.Context, req VideoRequest) (*Result, error) {
	duration := int(req.DurationSeconds + 0.5)
	if duration <= 0 {
		duration = xaiDefaultDuration
	}
	duration = clampInt(duration, xaiMinDuration, xaiMaxDuration)

	aspect := req.AspectRatio
	if aspect == "" {
		aspect = defaultAspectRatio
	}

	prompt := req.Prompt
	if req.Style != "" {
		prompt += "\n\nVisual style: " + req.Style + "."
	}

	body := xaiGenerationRequest{
		Prompt:      prompt,
		Model:       xaiVideoModel,
		Duration:    duration,
		AspectRatio: aspect,
		Resolution:  xaiDefaultResolution,
	}
	if req.ImageURL != "" {
		body.Image = &xaiImageInput{URL: req.ImageURL}
	}

	requestID, err := s.submitGeneration(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("failed to submit video generation: %w", err)
	}
	s.log.Info().Str("request_id", requestID).Int("duration", duration).Bool("has_image", req.ImageURL != "").Msg("video generation submitted")

	result, err := s.pollForResult(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &Result{URL: result.Video.URL, ContentType: "video/mp4"}, nil
}

func (s *XAIVideoService) do(req *http.Request, ok ...int) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	for _, code := range ok {
		if resp.StatusCode == code {
			return body, nil
		}
	}
	return nil, fmt.Errorf("xAI returned status %d: %s", resp.StatusCode, truncate(string(body), 300))
}

func (s *XAIVideoService) submitGeneration(ctx context.Context, reqBody xaiGenerationRequest) (string, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/videos/generations", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := s.do(req, http.StatusOK, http.StatusCreated, http.StatusAccepted)
	if err != nil {
		return "", err
	}

	var genResp xaiGenerationResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return "", fmt.Errorf("failed to parse generation response: %w", err)
	}
	if genResp.RequestID == "" {
		return "", fmt.Errorf("no request_id in generation response: %s", truncate(string(body), 300))
	}
	return genResp.RequestID, nil
}

// pollForResult polls with exponential backoff (x1.5 up to maxInterval) after an initial
// delay. The overall deadline comes from ctx.
func (s *XAIVideoService) pollForResult(ctx context.Context, requestID string) (*xaiVideoResult, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("video generation cancelled during initial wait: %w", ctx.Err())
	case <-time.After(s.initialDelay):
	}

	interval := s.minInterval
	for poll := 1; ; poll++ {
		result, err := s.getVideoResult(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll video result (attempt %d): %w", poll, err)
		}

		if result.Video != nil && result.Video.URL != "" {
			s.log.Info().Str("request_id", requestID).Int("polls", poll).Msg("video ready")
			return result, nil
		}

		if result.Status == "failed" {
			msg := result.Error
			if msg == "" {
				msg = "unknown error"
			}
			return nil, fmt.Errorf("video generation failed: %s (request_id=%s)", msg, requestID)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("video generation cancelled after %d polls: %w", poll, ctx.Err())
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * xaiPollBackoffFactor)
		if interval > s.maxInterval {
			interval = s.maxInterval
		}
	}
}

func (s *XAIVideoService) getVideoResult(ctx context.Context, requestID string) (*xaiVideoResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/videos/%s", s.baseURL, requestID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// 202 carries {"status":"pending"} while the video is being generated
	body, err := s.do(req, http.StatusOK, http.StatusAccepted)
	if err != nil {
		return nil, err
	}

	var result xaiVideoResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse video result: %w", err)
	}
	return &result, nil
}
