package incident

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	incidents []*Incident // insert order
	byID      map[string]*Incident
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty incident log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Incident)}
}

func (m *MemoryStore) Insert(_ context.Context, inc *Incident) (string, error) {
	ensureID(inc)
	m.mu.Lock()
	defer m.mu.Unlock()

	c := inc.clone()
	m.incidents = append(m.incidents, c)
	m.byID[c.ID] = c
	return c.ID, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inc, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inc.clone(), nil
}

func (m *MemoryStore) ListRecent(_ context.Context, limit int, unresolvedOnly bool) ([]*Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Incident
	for i := len(m.incidents) - 1; i >= 0; i-- {
		inc := m.incidents[i]
		if unresolvedOnly && inc.Resolved {
			continue
		}
		out = append(out, inc.clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	inc.Resolved = true
	return nil
}
