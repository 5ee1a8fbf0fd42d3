package behavior

import (
	"context"
	"sort"
	"sync"
	"time"
)

type appKey struct {
	app  string
	hour int
}

type unlockKey struct {
	hour, dow int
}

// MemoryStore is an in-memory Store for tests and database-less runs.
type MemoryStore struct {
	mu        sync.RWMutex
	apps      map[appKey]AppUsagePattern
	zones     map[string]LocationCluster
	networks  map[string]KnownNetwork
	unlocks   map[unlockKey]UnlockPattern
	anomalies []Anomaly
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty behavior store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.reset()
	return s
}

func (s *MemoryStore) reset() {
	s.apps = make(map[appKey]AppUsagePattern)
	s.zones = make(map[string]LocationCluster)
	s.networks = make(map[string]KnownNetwork)
	s.unlocks = make(map[unlockKey]UnlockPattern)
	s.anomalies = nil
}

func (s *MemoryStore) GetAppUsage(_ context.Context, appName string, hour int) (*AppUsagePattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.apps[appKey{appName, hour}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) UpsertAppUsage(_ context.Context, p *AppUsagePattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps[appKey{p.AppName, p.HourOfDay}] = *p
	return nil
}

func (s *MemoryStore) ListLocationClusters(_ context.Context) ([]*LocationCluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*LocationCluster, 0, len(s.zones))
	for _, z := range s.zones {
		z := z
		out = append(out, &z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out, nil
}

func (s *MemoryStore) UpsertLocationCluster(_ context.Context, c *LocationCluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones[c.ID] = *c
	return nil
}

func (s *MemoryStore) DeleteLocationCluster(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.zones, id)
	return nil
}

func (s *MemoryStore) GetNetwork(_ context.Context, ssid string) (*KnownNetwork, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.networks[ssid]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (s *MemoryStore) UpsertNetwork(_ context.Context, n *KnownNetwork) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.networks[n.SSID] = *n
	return nil
}

func (s *MemoryStore) CountTrustedNetworks(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, net := range s.networks {
		if net.Trusted {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetUnlockPattern(_ context.Context, hour, dayOfWeek int) (*UnlockPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.unlocks[unlockKey{hour, dayOfWeek}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) UpsertUnlockPattern(_ context.Context, p *UnlockPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlocks[unlockKey{p.HourOfDay, p.DayOfWeek}] = *p
	return nil
}

func (s *MemoryStore) InsertAnomaly(_ context.Context, a *Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomalies = append(s.anomalies, *a)
	return nil
}

func (s *MemoryStore) ListAnomalies(_ context.Context, since, until time.Time) ([]*Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Anomaly
	for _, a := range s.anomalies {
		if a.Timestamp.Before(since) || a.Timestamp.After(until) {
			continue
		}
		a := a
		out = append(out, &a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) DeleteAnomaliesOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.anomalies[:0]
	var n int64
	for _, a := range s.anomalies {
		if a.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	s.anomalies = kept
	return n, nil
}

func (s *MemoryStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}
