// Package memstore provides an in-memory implementation of deadletter.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/warden/internal/deadletter"
)

// Store holds dead-letter entries in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	entries []deadletter.Entry
	failN   int
	failErr error
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{}
}

// FailNext makes the next n Append calls return err.
func (s *Store) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN = n
	s.failErr = err
}

// Append stores a copy of the entry.
func (s *Store) Append(_ context.Context, e deadletter.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return s.failErr
	}
	s.entries = append(s.entries, e)
	return nil
}

// List returns entries for findingID in append order, or all entries when
// findingID is empty.
func (s *Store) List(_ context.Context, findingID string) ([]deadletter.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]deadletter.Entry, 0)
	for _, e := range s.entries {
		if findingID == "" || e.FindingID == findingID {
			out = append(out, e)
		}
	}
	return out, nil
}
