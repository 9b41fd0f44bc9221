package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bobarin/storyforge/internal/models"
)

// ---------------------------------------------------------------------------
// Generator interfaces: one per asset type. The executor depends only on these,
// so providers can be swapped by configuration and faked in tests.
// ---------------------------------------------------------------------------

// ErrNotConfigured is returned when no provider is configured for a job type.
var ErrNotConfigured = errors.New("generation provider not configured")

// Result is a provider's output. Exactly one of Data and URL is set; a URL is
// ephemeral and must be copied into durable storage before it is recorded.
type Result struct {
	Data        []byte
	URL         string
	ContentType string
}

type ImageRequest struct {
	Prompt      string
	Style       string
	AspectRatio string
}

type VideoRequest struct {
	Prompt          string
	Style           string
	AspectRatio     string
	DurationSeconds float64
	// ImageURL is a readable (signed) URL of the first frame.
	ImageURL string
}

type AudioRequest struct {
	Text    string
	VoiceID string
	// Style is a free-form delivery description ("calm", "dramatic").
	Style string
}

type CompositionRequest struct {
	Title           string
	Description     string
	Style           string
	Prompt          string
	DurationSeconds float64
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*Result, error)
}

type VideoGenerator interface {
	GenerateVideo(ctx context.Context, req VideoRequest) (*Result, error)
}

type AudioGenerator interface {
	GenerateAudio(ctx context.Context, req AudioRequest) (*Result, error)
}

type CompositionGenerator interface {
	GenerateComposition(ctx context.Context, req CompositionRequest) (*models.Composition, error)
}

// fetchBytes downloads url with client, failing on any non-200 status.
func fetchBytes(ctx context.Context, client *http.Client, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read download body: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("downloaded file is empty")
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// truncate limits a string to maxLen characters for log and error output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
