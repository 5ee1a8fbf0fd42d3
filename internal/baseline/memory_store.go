package baseline

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and database-less runs.
type MemoryStore struct {
	mu        sync.RWMutex
	baselines map[MetricType]*Baseline
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty baseline store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{baselines: make(map[MetricType]*Baseline)}
}

func (s *MemoryStore) Upsert(_ context.Context, b *Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[b.MetricType] = b.clone()
	return nil
}

func (s *MemoryStore) GetByType(_ context.Context, t MetricType) (*Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baselines[t]
	if !ok {
		return nil, nil
	}
	return b.clone(), nil
}

func (s *MemoryStore) GetAllLearningComplete(_ context.Context) ([]*Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Baseline
	for _, b := range s.baselines {
		if b.LearningComplete {
			out = append(out, b.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MetricType < out[j].MetricType })
	return out, nil
}

func (s *MemoryStore) GetAverageConfidence(_ context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.baselines) == 0 {
		return 0, nil
	}
	var sum float64
	for _, b := range s.baselines {
		sum += b.Confidence
	}
	return sum / float64(len(s.baselines)), nil
}

func (s *MemoryStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines = make(map[MetricType]*Baseline)
	return nil
}
