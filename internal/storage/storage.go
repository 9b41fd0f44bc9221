// Package storage is the durable blob store for generated assets, backed by Supabase Storage.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/bobarin/storyforge/internal/apperr"
	"github.com/rs/zerolog"
)

const (
	// Upload timeout per attempt, generous for large video files
	uploadTimeout = 180 * time.Second

	// Download timeout
	downloadTimeout = 120 * time.Second

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second

	maxErrorBody = 200
)

type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	log        zerolog.Logger
	baseDelay  time.Duration
}

func New(url, serviceKey, bucket string, log zerolog.Logger) *Storage {
	return &Storage{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		log:        log.With().Str("component", "storage").Logger(),
		baseDelay:  baseRetryDelay,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// ScenePath names the blob for one generated scene asset. The job id keeps every
// generation at a fresh path, so an overlapping stale job can never overwrite it.
func ScenePath(projectID, sceneID, kind, jobID, ext string) string {
	return path.Join("projects", projectID, "scenes", sceneID, fmt.Sprintf("%s-%s.%s", kind, jobID, strings.TrimPrefix(ext, ".")))
}

// IsDurablePath reports whether p is a clean blob path under this store's projects/
// prefix. Anything else, URLs of any scheme included, is not durable.
func IsDurablePath(p string) bool {
	if !strings.HasPrefix(p, "projects/") || strings.Contains(p, "://") {
		return false
	}
	return path.Clean(p) == p
}

// InProject reports whether p is a durable path owned by projectID.
func InProject(p, projectID string) bool {
	if projectID == "" || strings.Contains(projectID, "/") {
		return false
	}
	return IsDurablePath(p) && strings.HasPrefix(p, "projects/"+projectID+"/")
}

// IsFetchable reports whether u is an http(s) URL that can be copied into storage.
func IsFetchable(u string) bool {
	lower := strings.ToLower(u)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func (s *Storage) objectURL(p string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, strings.TrimPrefix(p, "/"))
}

// attempt is one HTTP exchange. It returns the response body on success, or the status
// (0 for transport errors) and error for the retry loop to classify.
type attempt func(ctx context.Context) ([]byte, int, error)

// withRetry runs fn with exponential backoff on retryable transport errors and statuses.
func (s *Storage) withRetry(ctx context.Context, op, target string, timeout time.Duration, fn attempt) ([]byte, error) {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			delay := s.retryDelay(i)
			s.log.Warn().Str("op", op).Str("path", target).Int("retry", i).Dur("wait", delay).Err(lastErr).Msg("retrying storage request")

			select {
			case <-ctx.Done():
				return nil, apperr.Wrap(apperr.Storage, ctx.Err(), "%s %s cancelled", op, target)
			case <-time.After(delay):
			}
		}

		// Each attempt gets its own timeout, bounded by the caller's ctx
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		body, status, err := fn(attemptCtx)
		cancel()
		if err == nil {
			if i > 0 {
				s.log.Info().Str("op", op).Str("path", target).Int("attempt", i+1).Msg("storage request succeeded after retry")
			}
			return body, nil
		}
		lastErr = err

		if status == 0 && isRetryableError(err) {
			continue
		}
		if status != 0 && isRetryableStatus(status) {
			continue
		}
		return nil, apperr.Wrap(apperr.Storage, err, "%s %s", op, target)
	}

	return nil, apperr.Wrap(apperr.Storage, lastErr, "%s %s failed after %d attempts", op, target, maxRetries+1)
}

func (s *Storage) exchange(req *http.Request, ok ...int) ([]byte, int, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response body: %w", err)
	}
	for _, code := range ok {
		if resp.StatusCode == code {
			return body, resp.StatusCode, nil
		}
	}
	return nil, resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), maxErrorBody))
}

// Upload writes data at p, replacing whatever is there.
func (s *Storage) Upload(ctx context.Context, p string, data []byte, contentType string) error {
	_, err := s.withRetry(ctx, "upload", p, uploadTimeout, func(ctx context.Context) ([]byte, int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(p), bytes.NewReader(data))
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.ContentLength = int64(len(data))
		req.Header.Set("x-upsert", "true")
		return s.exchange(req, http.StatusOK, http.StatusCreated)
	})
	return err
}

// UploadFromURL copies a provider's ephemeral result URL into durable storage at p.
func (s *Storage) UploadFromURL(ctx context.Context, srcURL, p, contentType string) error {
	data, err := s.withRetry(ctx, "fetch", srcURL, downloadTimeout, func(ctx context.Context) ([]byte, int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
		if err != nil {
			return nil, 0, err
		}
		return s.exchange(req, http.StatusOK)
	})
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return apperr.New(apperr.Storage, "fetch %s returned an empty body", srcURL)
	}
	return s.Upload(ctx, p, data, contentType)
}

// Delete removes the blob at p. A missing blob is not an error.
func (s *Storage) Delete(ctx context.Context, p string) error {
	_, err := s.withRetry(ctx, "delete", p, downloadTimeout, func(ctx context.Context) ([]byte, int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.objectURL(p), nil)
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		return s.exchange(req, http.StatusOK, http.StatusNoContent, http.StatusNotFound)
	})
	return err
}

// SignedURL is GetSignedURL with a duration.
func (s *Storage) SignedURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	return s.GetSignedURL(ctx, p, int(ttl.Seconds()))
}

// GetSignedURL creates a signed URL for temporary access
func (s *Storage) GetSignedURL(ctx context.Context, p string, expiresIn int) (string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.url, s.Bucket, p)

	payload, err := json.Marshal(map[string]int{"expiresIn": expiresIn})
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "encode sign request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "create sign request")
	}

	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	body, _, err := s.exchange(req, http.StatusOK)
	if err != nil {
		return "", apperr.Wrap(apperr.Storage, err, "sign %s", p)
	}

	var result struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", apperr.Wrap(apperr.Storage, err, "parse signed URL response")
	}
	if result.SignedURL == "" {
		return "", apperr.New(apperr.Storage, "sign %s: empty signed URL", p)
	}

	return s.url + "/storage/v1" + result.SignedURL, nil
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func (s *Storage) retryDelay(attempt int) time.Duration {
	delay := float64(s.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// Add 0-25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
