package signal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and database-less runs.
type MemoryStore struct {
	mu      sync.RWMutex
	signals []*Signal
	byID    map[string]*Signal
}

// NewMemoryStore creates an empty in-memory signal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Signal)}
}

func (m *MemoryStore) Insert(ctx context.Context, s *Signal) error {
	return m.InsertAll(ctx, []*Signal{s})
}

func (m *MemoryStore) InsertAll(ctx context.Context, signals []*Signal) error {
	for _, s := range signals {
		if err := s.Validate(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range signals {
		if _, dup := m.byID[s.ID]; dup {
			continue
		}
		c := s.Clone()
		m.signals = append(m.signals, c)
		m.byID[c.ID] = c
	}
	return nil
}

func (m *MemoryStore) GetInRange(ctx context.Context, start, end time.Time) ([]*Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Signal
	for _, s := range m.signals {
		if s.Timestamp.Before(start) || s.Timestamp.After(end) {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) GetRecent(ctx context.Context, limit int) ([]*Signal, error) {
	m.mu.RLock()
	all := make([]*Signal, len(m.signals))
	for i, s := range m.signals {
		all[i] = s.Clone()
	}
	m.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if s, ok := m.byID[id]; ok {
			s.Processed = true
		}
	}
	return nil
}

func (m *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.signals[:0]
	var deleted int64
	for _, s := range m.signals {
		if s.Timestamp.Before(cutoff) {
			delete(m.byID, s.ID)
			deleted++
			continue
		}
		kept = append(kept, s)
	}
	// Drop references held past the new length.
	for i := len(kept); i < len(m.signals); i++ {
		m.signals[i] = nil
	}
	m.signals = kept
	return deleted, nil
}
