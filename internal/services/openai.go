package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/storyforge/internal/models"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const defaultCompositionModel = "gpt-4o"

// CompositionService produces a scene's composition (layout, styling and animation
// notes) with OpenAI JSON mode.
type CompositionService struct {
	client *openai.Client
	model  string
	log    zerolog.Logger
	now    func() time.Time
}

var _ CompositionGenerator = (*CompositionService)(nil)

// NewCompositionService creates the service. baseURL overrides the API endpoint
// when non-empty.
func NewCompositionService(apiKey, model, baseURL string, log zerolog.Logger) *CompositionService {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = defaultCompositionModel
	}
	return &CompositionService{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		log:    log.With().Str("component", "openai").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type compositionPayload struct {
	Description string         `json:"description"`
	Styling     map[string]any `json:"styling"`
	Animation   map[string]any `json:"animation"`
}

func (s *CompositionService) GenerateComposition(ctx context.Context, req CompositionRequest) (*models.Composition, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: compositionSystemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildCompositionUserPrompt(req),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	raw := resp.Choices[0].Message.Content
	var payload compositionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		s.log.Warn().Str("content", truncate(raw, 500)).Msg("unparseable composition response")
		return nil, fmt.Errorf("failed to parse composition: %w", err)
	}
	if strings.TrimSpace(payload.Description) == "" {
		return nil, fmt.Errorf("composition response has no description")
	}

	s.log.Debug().Str("model", s.model).Int("tokens", resp.Usage.TotalTokens).Msg("composition generated")

	return &models.Composition{
		Description: payload.Description,
		Styling:     payload.Styling,
		Animation:   payload.Animation,
		GeneratedAt: s.now(),
	}, nil
}

const compositionSystemPrompt = `You design the on-screen composition of one scene of a short video.
Respond with a JSON object with keys "description" (string), "styling" (object) and "animation" (object).`

func buildCompositionUserPrompt(req CompositionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scene title: %s\n", req.Title)
	fmt.Fprintf(&b, "Scene description: %s\n", req.Description)
	if req.DurationSeconds > 0 {
		fmt.Fprintf(&b, "Duration: %.1f seconds\n", req.DurationSeconds)
	}
	if req.Style != "" {
		fmt.Fprintf(&b, "Visual style: %s\n", req.Style)
	}
	if req.Prompt != "" {
		fmt.Fprintf(&b, "Additional direction: %s\n", req.Prompt)
	}
	return b.String()
}
