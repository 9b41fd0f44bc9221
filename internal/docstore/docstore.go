// Package docstore is a small document store: JSON-shaped documents keyed by
// (collection, id), with dot-path merge updates and revision compare-and-set.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrRevisionMismatch = errors.New("document revision mismatch")
)

// TransportError wraps a backend connectivity failure, as opposed to a missing document.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("docstore %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

type Document struct {
	ID        string
	Data      map[string]any
	Revision  int64
	UpdatedAt time.Time
}

// Store is implemented by Memory and SQL.
type Store interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	// Set replaces the whole document, creating it if needed.
	Set(ctx context.Context, collection, id string, data map[string]any) error
	// Update merges fields keyed by dot paths ("assets.video_path"). A nil value removes the key.
	// Fails with ErrNotFound when the document does not exist.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	// Query returns documents whose field (a dot path) equals value, in no particular order.
	Query(ctx context.Context, collection, field string, value any) ([]*Document, error)
	List(ctx context.Context, collection string) ([]*Document, error)
	// CompareAndSet replaces the document only if its revision equals expected.
	// expected == 0 means the document must not exist yet.
	CompareAndSet(ctx context.Context, collection, id string, data map[string]any, expected int64) (int64, error)
	Close() error
}

// Sub names the subcollection child of document parent/id.
func Sub(parent, id, child string) string {
	return parent + "/" + id + "/" + child
}

// MergePath sets value at a dot path inside data, creating intermediate maps and
// leaving sibling keys untouched.
func MergePath(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := data
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			if value == nil {
				return
			}
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	last := parts[len(parts)-1]
	if value == nil {
		delete(cur, last)
		return
	}
	cur[last] = value
}

// Lookup reads the value at a dot path.
func Lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, p := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Encode converts a struct into document data through its JSON form.
func Encode(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return decodeMap(raw)
}

// Decode fills v from document data.
func Decode(data map[string]any, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

func decodeMap(raw []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// clone deep-copies document data so callers never share maps with the store.
func clone(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clone(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	}
	return v
}

// normalize round-trips data through JSON so stored values are plain JSON types
// regardless of what the caller passed in.
func normalize(data map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return decodeMap(raw)
}

func applyFields(data map[string]any, fields map[string]any) error {
	norm, err := normalize(fields)
	if err != nil {
		return err
	}
	for path, v := range norm {
		MergePath(data, path, v)
	}
	return nil
}

func matches(data map[string]any, field string, value any) bool {
	got, ok := Lookup(data, field)
	if !ok {
		return false
	}
	return fmt.Sprint(got) == fmt.Sprint(value)
}
