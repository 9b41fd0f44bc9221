package docstore

import (
	"context"
	"sync"
	"time"
)

type memDoc struct {
	data      map[string]any
	revision  int64
	updatedAt time.Time
}

// Memory is an in-process Store. It backs tests and single-process development runs.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]*memDoc
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]*memDoc)}
}

func (m *Memory) Get(ctx context.Context, collection, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "get", Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.document(id), nil
}

func (m *Memory) Set(ctx context.Context, collection, id string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "set", Err: err}
	}
	norm, err := normalize(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.put(collection, id, norm)
	return nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "update", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.collections[collection][id]
	if !ok {
		return ErrNotFound
	}
	data := clone(d.data)
	if err := applyFields(data, fields); err != nil {
		return err
	}
	m.put(collection, id, data)
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "delete", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.collections[collection], id)
	return nil
}

func (m *Memory) Query(ctx context.Context, collection, field string, value any) ([]*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "query", Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Document
	for id, d := range m.collections[collection] {
		if matches(d.data, field, value) {
			out = append(out, d.document(id))
		}
	}
	return out, nil
}

func (m *Memory) List(ctx context.Context, collection string) ([]*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "list", Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Document, 0, len(m.collections[collection]))
	for id, d := range m.collections[collection] {
		out = append(out, d.document(id))
	}
	return out, nil
}

func (m *Memory) CompareAndSet(ctx context.Context, collection, id string, data map[string]any, expected int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &TransportError{Op: "compare_and_set", Err: err}
	}
	norm, err := normalize(data)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if d, ok := m.collections[collection][id]; ok {
		current = d.revision
	}
	if current != expected {
		return current, ErrRevisionMismatch
	}
	return m.put(collection, id, norm), nil
}

func (m *Memory) Close() error { return nil }

// put stores data and bumps the revision. Callers hold the write lock.
func (m *Memory) put(collection, id string, data map[string]any) int64 {
	docs, ok := m.collections[collection]
	if !ok {
		docs = make(map[string]*memDoc)
		m.collections[collection] = docs
	}
	var rev int64 = 1
	if d, ok := docs[id]; ok {
		rev = d.revision + 1
	}
	docs[id] = &memDoc{data: data, revision: rev, updatedAt: time.Now().UTC()}
	return rev
}

func (d *memDoc) document(id string) *Document {
	return &Document{ID: id, Data: clone(d.data), Revision: d.revision, UpdatedAt: d.updatedAt}
}
