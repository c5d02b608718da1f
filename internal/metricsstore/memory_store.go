package metricsstore

import (
	"context"
	"sync"
)

// MemoryStore is a dependency-free Store implementation used by unit
// tests that don't need a running Redis instance.
type MemoryStore struct {
	mu           sync.Mutex
	ClusterLevel []ClusterLevelMetric
	Docs         []Doc
	FlushCount   int
	Refreshed    int
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) PutValueClusterLevel(_ context.Context, m ClusterLevelMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClusterLevel = append(s.ClusterLevel, m)
	return nil
}

func (s *MemoryStore) PutDoc(_ context.Context, d Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Docs = append(s.Docs, d)
	return nil
}

func (s *MemoryStore) Flush(_ context.Context, refresh bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FlushCount++
	if refresh {
		s.Refreshed++
	}
	return nil
}

func (s *MemoryStore) ToExternalizable(_ context.Context, clear bool) (Externalized, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clear {
		s.ClusterLevel = nil
		s.Docs = nil
	}
	return nil, nil
}

func (s *MemoryStore) BulkAdd(context.Context, Externalized) error { return nil }

func (s *MemoryStore) ResetRelativeTime(context.Context) error { return nil }

var _ Store = (*MemoryStore)(nil)
