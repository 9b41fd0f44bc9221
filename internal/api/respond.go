package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/bobarin/storyforge/internal/apperr"
	"github.com/rs/zerolog"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	JobID string `json:"job_id,omitempty"`
	Stale *bool  `json:"stale,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondAppError maps err onto its HTTP status. Internal errors are logged and
// their details withheld.
func respondAppError(w http.ResponseWriter, log zerolog.Logger, err error) {
	kind := apperr.KindOf(err)
	body := errorResponse{Error: err.Error(), Kind: kind.String()}

	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Kind == apperr.Conflict && appErr.JobID != "" {
		stale := appErr.Stale
		body.JobID = appErr.JobID
		body.Stale = &stale
	}
	if kind == apperr.Internal {
		log.Error().Err(err).Msg("internal error")
		body.Error = "internal error"
	}
	respondJSON(w, apperr.HTTPStatus(kind), body)
}

// decodeJSON reads the request body into v. An empty body is accepted when optional.
func decodeJSON(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return apperr.Validationf("invalid request body: %v", err)
	}
	return nil
}
