package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	cartesiaBaseURL      = "https://api.cartesia.ai"
	cartesiaAPIVersion   = "2024-06-10"
	cartesiaDefaultVoice = "a0e99841-438c-4a64-b679-ae501e7d6091"
	cartesiaModel        = "sonic-english"
)

// CartesiaService is the alternative narration provider.
type CartesiaService struct {
	apiKey  string
	voiceID string
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

var _ AudioGenerator = (*CartesiaService)(nil)

func NewCartesiaService(apiKey, voiceID string, log zerolog.Logger) *CartesiaService {
	if voiceID == "" {
		voiceID = cartesiaDefaultVoice
	}
	return &CartesiaService{
		apiKey:  apiKey,
		voiceID: voiceID,
		baseURL: cartesiaBaseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		log:     log.With().Str("component", "cartesia").Logger(),
	}
}

type cartesiaRequest struct {
	ModelID      string                    `json:"model_id"`
	Transcript   string                    `json:"transcript"`
	Voice        cartesiaVoice             `json:"voice"`
	Language     string                    `json:"language,omitempty"`
	OutputFormat cartesiaOutputFormat      `json:"output_format"`
	Config       *cartesiaGenerationConfig `json:"generation_config,omitempty"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	SampleRate int    `json:"sample_rate"`
	BitRate    int    `json:"bit_rate,omitempty"`
}

type cartesiaGenerationConfig struct {
	Speed   *float64 `json:"speed,omitempty"`
	Emotion string   `json:"emotion,omitempty"`
}

func (s *CartesiaService) GenerateAudio(ctx context.Context, req AudioRequest) (*Result, error) {
	voice := s.voiceID
	if req.VoiceID != "" {
		voice = req.VoiceID
	}
	speed := 0.85

	jsonData, err := json.Marshal(cartesiaRequest{
		ModelID:    cartesiaModel,
		Transcript: req.Text,
		Voice:      cartesiaVoice{Mode: "id", ID: voice},
		Language:   "en",
		OutputFormat: cartesiaOutputFormat{
			Container:  "mp3",
			SampleRate: 44100,
			BitRate:    192000,
		},
		Config: &cartesiaGenerationConfig{Speed: &speed, Emotion: emotionFromStyle(req.Style)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/tts/bytes", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Cartesia-Version", cartesiaAPIVersion)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("cartesia returned status %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("cartesia returned empty audio")
	}

	s.log.Debug().Str("voice", voice).Int("bytes", len(audio)).Msg("speech generated")
	return &Result{Data: audio, ContentType: "audio/mpeg"}, nil
}

var styleEmotions = []struct{ keyword, emotion string }{
	{"energetic", "excited"},
	{"excited", "excited"},
	{"mysterious", "mysterious"},
	{"serious", "calm"},
	{"calm", "calm"},
	{"dramatic", "intense"},
	{"confident", "confident"},
	{"authoritative", "confident"},
	{"happy", "happy"},
	{"sad", "sad"},
}

// emotionFromStyle maps a delivery description onto a Cartesia emotion; first match wins.
func emotionFromStyle(style string) string {
	lower := strings.ToLower(style)
	for _, e := range styleEmotions {
		if strings.Contains(lower, e.keyword) {
			return e.emotion
		}
	}
	return ""
}
