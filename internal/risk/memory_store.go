package risk

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and database-less runs.
type MemoryStore struct {
	mu     sync.RWMutex
	scores []*Score // append order
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty score store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(_ context.Context, score *Score) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = append(s.scores, score.clone())
	return nil
}

func (s *MemoryStore) GetLatest(_ context.Context) (*Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Score
	for _, sc := range s.scores {
		if latest == nil || !sc.Timestamp.Before(latest.Timestamp) {
			latest = sc
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.clone(), nil
}

func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]*Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if limit > 0 && len(s.scores) > limit {
		start = len(s.scores) - limit
	}
	out := make([]*Score, 0, len(s.scores)-start)
	for i := len(s.scores) - 1; i >= start; i-- {
		out = append(out, s.scores[i].clone())
	}
	return out, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.scores[:0]
	var n int64
	for _, sc := range s.scores {
		if sc.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, sc)
	}
	s.scores = kept
	return n, nil
}
