package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the single-process Store implementation: a map guarded by a
// mutex. Eviction compares timestamps, so a mark racing a sweep is kept
// unless it is strictly older than the cutoff.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(ctx context.Context, paymentID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[paymentID]
	if !ok {
		return nil, nil
	}
	copied := entry
	return &copied, nil
}

func (s *MemoryStore) Put(ctx context.Context, entry Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.PaymentID]; exists {
		return false, nil
	}
	s.entries[entry.PaymentID] = entry
	return true, nil
}

func (s *MemoryStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, entry := range s.entries {
		if entry.FirstSeen.Before(cutoff) {
			delete(s.entries, id)
			evicted++
		}
	}
	return evicted, nil
}

func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
