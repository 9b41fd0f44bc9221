// Package db holds the typed accessors for projects, job records and job slots on top
// of the document store, plus the compare-and-set write loops that linearize updates.
package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/storyforge/internal/apperr"
	"github.com/bobarin/storyforge/internal/docstore"
	"github.com/bobarin/storyforge/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	CollectionProjects    = "projects"
	CollectionJobs        = "generation_jobs"
	CollectionJobSlots    = "job_slots"
	CollectionStoryboards = "storyboards"
	SubcollectionScenes   = "scenes"

	// maxCASAttempts bounds retries of a read-modify-write that keeps losing to other writers.
	maxCASAttempts = 8
)

// ErrNoChange is returned by a mutate callback to skip the write.
var ErrNoChange = errors.New("no change")

type DB struct {
	store   docstore.Store
	log     zerolog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

func New(store docstore.Store, log zerolog.Logger, m *metrics.Collector) *DB {
	return &DB{
		store:   store,
		log:     log.With().Str("component", "db").Logger(),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for timestamps.
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

func (db *DB) Now() time.Time {
	return db.now()
}

// Store exposes the underlying document store for collaborators that work on raw documents.
func (db *DB) Store() docstore.Store {
	return db.store
}

func (db *DB) Close() error {
	return db.store.Close()
}

// translate maps document store errors onto the application error taxonomy.
func translate(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return apperr.New(apperr.NotFound, "%s not found", msg)
	case docstore.IsTransport(err):
		return apperr.Wrap(apperr.Transient, err, "failed to access %s", msg)
	}
	return apperr.Wrap(apperr.Internal, err, "failed to access %s", msg)
}
