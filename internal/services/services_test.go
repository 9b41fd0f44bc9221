package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestXAI(t *testing.T, handler http.HandlerFunc) *XAIVideoService {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s := NewXAIVideoService("xai-key", zerolog.Nop())
	s.baseURL = srv.URL
	s.initialDelay = time.Millisecond
	s.minInterval = time.Millisecond
	s.maxInterval = 2 * time.Millisecond
	return s
}

func TestXAIVideoPollsUntilReady(t *testing.T) {
	var polls int32
	var submitted xaiGenerationRequest

	s := newTestXAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer xai-key", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/videos/generations":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
			_, _ = io.WriteString(w, `{"request_id":"req-1"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/videos/req-1":
			if atomic.AddInt32(&polls, 1) < 3 {
				w.WriteHeader(http.StatusAccepted)
				_, _ = io.WriteString(w, `{"status":"pending"}`)
				return
			}
			_, _ = io.WriteString(w, `{"video":{"url":"https://cdn.x.ai/v.mp4","duration":6},"model":"grok-imagine-video"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	res, err := s.GenerateVideo(context.Background(), VideoRequest{
		Prompt:          "waves",
		DurationSeconds: 40,
		ImageURL:        "https://signed/frame.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.x.ai/v.mp4", res.URL)
	assert.Nil(t, res.Data)
	assert.Equal(t, int32(3), atomic.LoadInt32(&polls))
	assert.Equal(t, xaiMaxDuration, submitted.Duration)
	assert.Equal(t, defaultAspectRatio, submitted.AspectRatio)
	require.NotNil(t, submitted.Image)
	assert.Equal(t, "https://signed/frame.png", submitted.Image.URL)
}

func TestXAIVideoFailure(t *testing.T) {
	s := newTestXAI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = io.WriteString(w, `{"request_id":"req-2"}`)
			return
		}
		_, _ = io.WriteString(w, `{"status":"failed","error":"moderation"}`)
	})

	_, err := s.GenerateVideo(context.Background(), VideoRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "moderation")
}

func TestXAIVideoHonorsCancellation(t *testing.T) {
	s := newTestXAI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = io.WriteString(w, `{"request_id":"req-3"}`)
			return
		}
		_, _ = io.WriteString(w, `{"status":"pending"}`)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.GenerateVideo(ctx, VideoRequest{Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestXAIVideoRejectedSubmission(t *testing.T) {
	s := newTestXAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"bad key"}`)
	})

	_, err := s.GenerateVideo(context.Background(), VideoRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestElevenLabsGenerateAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "el-key", r.Header.Get("xi-api-key"))
		assert.Equal(t, "/v1/text-to-speech/voice-9", r.URL.Path)
		assert.Equal(t, elevenLabsOutputFormat, r.URL.Query().Get("output_format"))

		var body elevenLabsRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello there", body.Text)
		_, _ = io.WriteString(w, "ID3-mp3")
	}))
	defer srv.Close()

	s := NewElevenLabsService("el-key", "", zerolog.Nop())
	s.baseURL = srv.URL

	res, err := s.GenerateAudio(context.Background(), AudioRequest{Text: "hello there", VoiceID: "voice-9"})
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3-mp3"), res.Data)
	assert.Equal(t, "audio/mpeg", res.ContentType)
}

func TestElevenLabsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewElevenLabsService("el-key", "v", zerolog.Nop())
	s.baseURL = srv.URL

	_, err := s.GenerateAudio(context.Background(), AudioRequest{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestCartesiaGenerateAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tts/bytes", r.URL.Path)
		assert.Equal(t, cartesiaAPIVersion, r.Header.Get("Cartesia-Version"))

		var body cartesiaRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "calm", body.Config.Emotion)
		assert.Equal(t, cartesiaDefaultVoice, body.Voice.ID)
		_, _ = io.WriteString(w, "mp3")
	}))
	defer srv.Close()

	s := NewCartesiaService("c-key", "", zerolog.Nop())
	s.baseURL = srv.URL

	res, err := s.GenerateAudio(context.Background(), AudioRequest{Text: "x", Style: "Calm and slow"})
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3"), res.Data)
}

func TestEmotionFromStyle(t *testing.T) {
	assert.Equal(t, "intense", emotionFromStyle("very DRAMATIC"))
	assert.Equal(t, "", emotionFromStyle("plain"))
}

func chatCompletion(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "gpt-4o",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
	})
	return string(b)
}

func TestCompositionService(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotModel, _ = body["model"].(string)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatCompletion(`{"description":"Wide shot, title lower third","styling":{"font":"serif"},"animation":{"intro":"fade"}}`))
	}))
	defer srv.Close()

	s := NewCompositionService("sk-test", "gpt-test", srv.URL+"/v1", zerolog.Nop())
	comp, err := s.GenerateComposition(context.Background(), CompositionRequest{Title: "Intro", Description: "A sunrise", DurationSeconds: 5})
	require.NoError(t, err)
	assert.Equal(t, "gpt-test", gotModel)
	assert.Equal(t, "Wide shot, title lower third", comp.Description)
	assert.Equal(t, "serif", comp.Styling["font"])
	assert.Equal(t, "fade", comp.Animation["intro"])
	assert.False(t, comp.GeneratedAt.IsZero())
}

func TestCompositionServiceRejectsEmptyDescription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatCompletion(`{"styling":{}}`))
	}))
	defer srv.Close()

	s := NewCompositionService("sk-test", "", srv.URL+"/v1", zerolog.Nop())
	_, err := s.GenerateComposition(context.Background(), CompositionRequest{Title: "x"})
	assert.Error(t, err)
}

func TestImageServiceReturnsInlineData(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, ":generateContent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"here"},{"inlineData":{"mimeType":"image/png","data":"`+base64.StdEncoding.EncodeToString(png)+`"}}]}}]}`)
	}))
	defer srv.Close()

	s := NewImageService("gem-key", "", srv.URL, zerolog.Nop())
	res, err := s.GenerateImage(context.Background(), ImageRequest{Prompt: "a lighthouse", Style: "watercolor"})
	require.NoError(t, err)
	assert.Equal(t, png, res.Data)
	assert.Equal(t, "image/png", res.ContentType)
}

func TestComposeImagePrompt(t *testing.T) {
	p := composeImagePrompt(ImageRequest{Prompt: "a lighthouse", Style: "watercolor", AspectRatio: "16:9"})
	assert.Contains(t, p, "a lighthouse")
	assert.Contains(t, p, "watercolor")
	assert.Contains(t, p, "16:9")
}

func TestFetchBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = io.WriteString(w, "jpeg")
	}))
	defer srv.Close()

	data, mime, err := fetchBytes(context.Background(), srv.Client(), srv.URL+"/frame.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)
	assert.Equal(t, "image/jpeg", mime)

	_, _, err = fetchBytes(context.Background(), srv.Client(), srv.URL+"/missing")
	assert.Error(t, err)
}

func TestVeoRequiresFirstFrame(t *testing.T) {
	s := NewVeoService("k", "", zerolog.Nop())
	_, err := s.GenerateVideo(context.Background(), VideoRequest{Prompt: "x"})
	assert.Error(t, err)
}

func TestClampInt(t *testing.T) {
	assert.Equal(t, 4, clampInt(1, 4, 8))
	assert.Equal(t, 8, clampInt(30, 4, 8))
	assert.Equal(t, 6, clampInt(6, 4, 8))
}
