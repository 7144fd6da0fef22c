package services

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	count     int64
	expiresAt time.Time
}

// MemoryLockStore is an in-process LockStore for tests and single-node
// development. It honors the same TTL and compare-and-delete semantics as the
// Redis implementation but shares nothing across processes.
type MemoryLockStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	// FailWith, when set, makes every call return this error. Lets tests
	// exercise the fail-open and fail-closed outage paths.
	FailWith error
	now      func() time.Time
}

func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{
		entries: map[string]*memoryEntry{},
		now:     time.Now,
	}
}

// SetNow overrides the clock, for window-rollover tests
func (s *MemoryLockStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryLockStore) get(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryLockStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return false, s.FailWith
	}
	if s.get(key) != nil {
		return false, nil
	}
	s.entries[key] = &memoryEntry{value: value, expiresAt: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryLockStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return "", s.FailWith
	}
	e := s.get(key)
	if e == nil {
		return "", nil
	}
	return e.value, nil
}

func (s *MemoryLockStore) CompareAndDelete(ctx context.Context, key, expected string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	if e := s.get(key); e != nil && e.value == expected {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryLockStore) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	e := s.get(key)
	if e == nil {
		e = &memoryEntry{expiresAt: s.now().Add(ttl)}
		s.entries[key] = e
	}
	e.count++
	return e.count, nil
}

func (s *MemoryLockStore) CheckAndIncr(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return false, 0, s.FailWith
	}
	e := s.get(key)
	if e == nil {
		e = &memoryEntry{expiresAt: s.now().Add(window)}
		s.entries[key] = e
	}
	if e.count >= limit {
		return false, e.count, nil
	}
	e.count++
	return true, e.count, nil
}

func (s *MemoryLockStore) Decr(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	if e := s.get(key); e != nil && e.count > 0 {
		e.count--
	}
	return nil
}
