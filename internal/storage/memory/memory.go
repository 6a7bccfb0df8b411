// Package memory implements a bounded in-memory execution journal.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jkaninda/turnstile/internal/storage"
)

const defaultCapacity = 1000

// Store keeps the most recent entries in a ring. The oldest entry is
// dropped once capacity is reached.
type Store struct {
	mu       sync.RWMutex
	entries  []storage.Entry // Oldest first.
	capacity int
	now      func() time.Time
}

// New creates an in-memory store. capacity <= 0 selects the default of 1000.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Store{capacity: capacity, now: time.Now}
}

func (s *Store) Record(_ context.Context, e *storage.Entry) error {
	e.Prepare(s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= s.capacity {
		copy(s.entries, s.entries[1:])
		s.entries = s.entries[:len(s.entries)-1]
	}
	s.entries = append(s.entries, *e)
	return nil
}

func (s *Store) List(_ context.Context, limit int) ([]storage.Entry, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	n := min(limit, len(s.entries))
	out := make([]storage.Entry, 0, n)
	for i := len(s.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *Store) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	var removed int64
	for _, e := range s.entries {
		if e.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

func (s *Store) Migrate(context.Context) error { return nil }
func (s *Store) Ping(context.Context) error    { return nil }
func (s *Store) Close() error                  { return nil }

// Driver returns "memory".
func (s *Store) Driver() string { return storage.DriverMemory }

// compile-time interface check
var _ storage.Store = (*Store)(nil)
