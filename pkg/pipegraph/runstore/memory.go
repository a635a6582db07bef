package runstore

import (
	"sort"
	"sync"
)

// MemoryStore is an in-memory run store. Records are lost when the
// process exits; use SQLiteStore when history must survive restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	recs   map[string]Record
	closed bool
}

// NewMemoryStore creates a new in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

// Save implements Store.
func (m *MemoryStore) Save(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.recs[rec.RunID] = cloneRecord(rec)
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(runID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Record{}, ErrStoreClosed
	}
	rec, ok := m.recs[runID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// List implements Store.
func (m *MemoryStore) List(projectID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	recs := make([]Record, 0)
	for _, rec := range m.recs {
		if rec.ProjectID == projectID {
			recs = append(recs, cloneRecord(rec))
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].RunID > recs[j].RunID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	return recs, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	delete(m.recs, runID)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.recs = nil
	return nil
}

func cloneRecord(rec Record) Record {
	if rec.Nodes != nil {
		nodes := make(map[string]string, len(rec.Nodes))
		for k, v := range rec.Nodes {
			nodes[k] = v
		}
		rec.Nodes = nodes
	}
	return rec
}
