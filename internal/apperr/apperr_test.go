package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrapped(t *testing.T) {
	base := NotFoundf("project %s not found", "p1")
	wrapped := fmt.Errorf("load: %w", base)

	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, NotFound))
	assert.Equal(t, "project p1 not found", base.Error())
}

func TestKindOfDefaults(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
	assert.Equal(t, Transient, KindOf(fmt.Errorf("poll: %w", context.DeadlineExceeded)))
	assert.False(t, Is(nil, Internal))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(Storage, cause, "upload %s", "a.mp4")

	assert.Equal(t, "upload a.mp4: connection reset", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, Retryable(err))
	assert.False(t, Retryable(New(Generation, "policy rejection")))
}

func TestInProgressCarriesJob(t *testing.T) {
	err := InProgress("job-1", true, "video job already in progress")

	var e *Error
	require.ErrorAs(t, fmt.Errorf("dispatch: %w", err), &e)
	assert.Equal(t, Conflict, e.Kind)
	assert.Equal(t, "job-1", e.JobID)
	assert.True(t, e.Stale)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		Validation:      http.StatusBadRequest,
		Unauthenticated: http.StatusUnauthorized,
		Forbidden:       http.StatusForbidden,
		NotFound:        http.StatusNotFound,
		Conflict:        http.StatusConflict,
		Transient:       http.StatusServiceUnavailable,
		Generation:      http.StatusBadGateway,
		Internal:        http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), kind.String())
	}
}
