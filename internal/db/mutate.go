package db

import (
	"context"
	"errors"

	"github.com/bobarin/storyforge/internal/apperr"
	"github.com/bobarin/storyforge/internal/docstore"
)

// mutateDoc runs a read-modify-write on one document, retrying from a fresh read
// whenever another writer bumped the revision in between. finalize runs after fn and
// before the write so derived fields are always recomputed from the state being written.
func mutateDoc[T any](ctx context.Context, db *DB, collection, id, label string, fn func(*T) error, finalize func(*T)) (*T, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		doc, err := db.store.Get(ctx, collection, id)
		if err != nil {
			return nil, translate(err, "%s %s", label, id)
		}

		v := new(T)
		if err := docstore.Decode(doc.Data, v); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "corrupt %s %s", label, id)
		}

		if err := fn(v); err != nil {
			if errors.Is(err, ErrNoChange) {
				return v, nil
			}
			return nil, err
		}
		if finalize != nil {
			finalize(v)
		}

		data, err := docstore.Encode(v)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "encode %s %s", label, id)
		}

		_, err = db.store.CompareAndSet(ctx, collection, id, data, doc.Revision)
		if errors.Is(err, docstore.ErrRevisionMismatch) {
			db.metrics.RecordCASRetry(collection)
			db.log.Debug().Str("collection", collection).Str("id", id).Int("attempt", attempt+1).Msg("revision changed, retrying write")
			continue
		}
		if err != nil {
			return nil, translate(err, "%s %s", label, id)
		}
		return v, nil
	}
	return nil, apperr.New(apperr.Transient, "too much write contention on %s %s", label, id)
}

// create writes v as a new document, failing with Conflict when the id is taken.
func create(ctx context.Context, db *DB, collection, id, label string, v any) error {
	data, err := docstore.Encode(v)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encode %s %s", label, id)
	}
	_, err = db.store.CompareAndSet(ctx, collection, id, data, 0)
	if errors.Is(err, docstore.ErrRevisionMismatch) {
		return apperr.New(apperr.Conflict, "%s %s already exists", label, id)
	}
	return translate(err, "%s %s", label, id)
}

func get[T any](ctx context.Context, db *DB, collection, id, label string) (*T, error) {
	doc, err := db.store.Get(ctx, collection, id)
	if err != nil {
		return nil, translate(err, "%s %s", label, id)
	}
	v := new(T)
	if err := docstore.Decode(doc.Data, v); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "corrupt %s %s", label, id)
	}
	return v, nil
}

func decodeAll[T any](docs []*docstore.Document, label string) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := docstore.Decode(doc.Data, &v); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "corrupt %s %s", label, doc.ID)
		}
		out = append(out, v)
	}
	return out, nil
}
