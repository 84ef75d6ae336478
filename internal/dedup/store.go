// Package dedup remembers processed webhook event ids for a bounded time.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Store is a keyed set with per-key expiry. Put is the atomic
// check-and-set: it reports true only for the caller that inserted the key.
type Store interface {
	Has(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries: make(map[string]time.Time),
		now:     now,
	}
}

func (s *MemoryStore) Has(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.liveLocked(key), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.liveLocked(key) {
		return false, nil
	}
	s.entries[key] = s.now().Add(ttl)
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Sweep drops expired keys and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, expiry := range s.entries {
		if !now.Before(expiry) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *MemoryStore) liveLocked(key string) bool {
	expiry, ok := s.entries[key]
	if !ok {
		return false
	}
	if !s.now().Before(expiry) {
		delete(s.entries, key)
		return false
	}
	return true
}
