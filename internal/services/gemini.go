package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const (
	defaultImageModel  = "gemini-2.5-flash-image"
	defaultAspectRatio = "9:16"
)

// ImageService generates scene key frames with a Gemini image model.
type ImageService struct {
	apiKey  string
	model   string
	baseURL string
	log     zerolog.Logger
}

var _ ImageGenerator = (*ImageService)(nil)

// NewImageService creates the service. baseURL overrides the API endpoint when non-empty.
func NewImageService(apiKey, model, baseURL string, log zerolog.Logger) *ImageService {
	if model == "" {
		model = defaultImageModel
	}
	return &ImageService{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		log:     log.With().Str("component", "gemini").Logger(),
	}
}

func newGenAIClient(ctx context.Context, apiKey, baseURL string) (*genai.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return client, nil
}

func (s *ImageService) GenerateImage(ctx context.Context, req ImageRequest) (*Result, error) {
	client, err := newGenAIClient(ctx, s.apiKey, s.baseURL)
	if err != nil {
		return nil, err
	}

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: composeImagePrompt(req)}},
	}}
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}

	s.log.Debug().Str("model", s.model).Int("prompt_len", len(req.Prompt)).Msg("generating image")

	resp, err := client.Models.GenerateContent(ctx, s.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("image generation request failed: %w", err)
	}

	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				mime := part.InlineData.MIMEType
				if mime == "" {
					mime = "image/png"
				}
				return &Result{Data: part.InlineData.Data, ContentType: mime}, nil
			}
		}
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("image blocked by safety filters: %s", resp.PromptFeedback.BlockReason)
	}
	return nil, fmt.Errorf("no image in response")
}

func composeImagePrompt(req ImageRequest) string {
	aspect := req.AspectRatio
	if aspect == "" {
		aspect = defaultAspectRatio
	}
	parts := []string{req.Prompt}
	if req.Style != "" {
		parts = append(parts, "Visual style: "+req.Style+".")
	}
	parts = append(parts, "Frame the image for a "+aspect+" aspect ratio.")
	return strings.Join(parts, "\n\n")
}
