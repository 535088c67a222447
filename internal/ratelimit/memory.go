package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps rate-limit records in a mutex-guarded map. Suitable
// for single-instance deployments; use RedisStore when multiple instances
// must share limits.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	now     func() time.Time
}

type memoryRecord struct {
	rec       Record
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		now:     time.Now,
	}
}

// Apply runs fn under the store lock, making the read-modify-write atomic
// with respect to other keys' updates too; contention is acceptable at the
// request rates a single instance handles.
func (s *MemoryStore) Apply(_ context.Context, key string, ttl time.Duration, fn func(rec Record, exists bool) Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[key]
	exists := ok && cur.expiresAt.After(s.now())
	next := fn(cur.rec, exists)
	s.records[key] = memoryRecord{rec: next, expiresAt: s.now().Add(ttl)}
	return next, nil
}

// Sweep removes up to batch expired records.
func (s *MemoryStore) Sweep(_ context.Context, batch int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	deleted := 0
	for key, cur := range s.records {
		if deleted >= batch {
			break
		}
		if cur.expiresAt.Before(now) {
			delete(s.records, key)
			deleted++
		}
	}
	return deleted, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
