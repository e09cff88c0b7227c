// Package memory is an in-process cache backend for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
)

type entry struct {
	value   []byte
	expires time.Time
}

// Store keeps entries in a map and drops them lazily once expired.
type Store struct {
	clock audit.Clock

	mu   sync.RWMutex
	data map[string]entry
}

// New creates an empty store.
func New(clock audit.Clock) *Store {
	return &Store{
		clock: clock,
		data:  make(map[string]entry),
	}
}

// Get implements audit.CacheBackend.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if s.clock.Now().After(e.expires) {
		s.mu.Lock()
		if cur, still := s.data[key]; still && cur.expires.Equal(e.expires) {
			delete(s.data, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set implements audit.CacheBackend.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry{
		value:   append([]byte(nil), value...),
		expires: s.clock.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
