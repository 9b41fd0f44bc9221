package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/bobarin/storyforge/internal/apperr"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// DevUserID is the caller when the service runs without any credentials configured.
const DevUserID = "dev-user"

type ctxKey struct{}

// UserID returns the authenticated user of the request.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func withUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// AuthConfig selects how callers are identified. With both fields empty every
// request is accepted as X-User-ID (or DevUserID).
type AuthConfig struct {
	// APIKey authenticates trusted backends in X-API-Key; they name the user in X-User-ID.
	APIKey string
	// JWTSecret verifies HS256 bearer tokens whose subject is the user id.
	JWTSecret string
}

func (c AuthConfig) devMode() bool {
	return c.APIKey == "" && c.JWTSecret == ""
}

// Authenticate resolves the calling user and stores it in the request context.
func Authenticate(cfg AuthConfig, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := cfg.resolve(r)
			if err != nil {
				respondAppError(w, log, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withUser(r.Context(), userID)))
		})
	}
}

func (c AuthConfig) resolve(r *http.Request) (string, error) {
	if token, ok := bearerToken(r); ok && c.JWTSecret != "" && strings.Count(token, ".") == 2 {
		return c.parseToken(token)
	}

	// Try X-API-Key header first (preferred for backend-to-backend calls)
	key := r.Header.Get("X-API-Key")
	if key == "" && c.APIKey != "" {
		key, _ = bearerToken(r)
	}

	switch {
	case key != "" && c.APIKey != "":
		// Constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(key), []byte(c.APIKey)) != 1 {
			return "", apperr.Forbiddenf("invalid API key")
		}
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			return "", apperr.New(apperr.Unauthenticated, "X-User-ID header is required with an API key")
		}
		return userID, nil

	case c.devMode():
		if userID := r.Header.Get("X-User-ID"); userID != "" {
			return userID, nil
		}
		return DevUserID, nil
	}
	return "", apperr.New(apperr.Unauthenticated, "missing credentials: provide X-API-Key or Authorization: Bearer <token>")
}

func (c AuthConfig) parseToken(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(c.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", apperr.Wrap(apperr.Unauthenticated, err, "invalid token")
	}
	if claims.Subject == "" {
		return "", apperr.New(apperr.Unauthenticated, "token has no subject")
	}
	return claims.Subject, nil
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return token, token != ""
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent events working through the logger.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogger logs one line per request after it completes.
func RequestLogger(l zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			ev := l.Info()
			if rw.status >= http.StatusInternalServerError {
				ev = l.Error()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.status).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
