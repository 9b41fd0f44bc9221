// Package apperr classifies errors so every boundary (API, executor, live channel)
// can match on a kind instead of inspecting messages.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	Internal Kind = iota
	Validation
	NotFound
	Unauthenticated
	Forbidden
	Conflict
	Generation
	Storage
	Transient
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	case Conflict:
		return "conflict"
	case Generation:
		return "generation"
	case Storage:
		return "storage"
	case Transient:
		return "transient"
	}
	return "internal"
}

type Error struct {
	Kind    Kind
	Message string

	// JobID and Stale are set on Conflict errors and point at the job already in flight.
	JobID string
	Stale bool

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validationf(format string, args ...any) *Error { return New(Validation, format, args...) }
func NotFoundf(format string, args ...any) *Error   { return New(NotFound, format, args...) }
func Forbiddenf(format string, args ...any) *Error  { return New(Forbidden, format, args...) }

// InProgress builds the Conflict returned when a job is already in flight.
func InProgress(jobID string, stale bool, format string, args ...any) *Error {
	e := New(Conflict, format, args...)
	e.JobID = jobID
	e.Stale = stale
	return e
}

// KindOf classifies err. Unclassified errors are Internal; context deadlines are Transient.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a failed job attempt with this error may be retried automatically.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, Storage:
		return true
	}
	return false
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Generation, Storage:
		return http.StatusBadGateway
	case Transient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
