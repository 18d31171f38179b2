// Package memstore provides an in-memory implementation of evidence.Store.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/warden/internal/evidence"
)

type entry struct {
	rec  evidence.Record
	blob []byte
}

// Store holds evidence in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	records map[string]entry // finding ID -> committed evidence
	ttl     time.Duration
	now     func() time.Time
	writes  int
}

// Option configures a Store.
type Option func(*Store)

// WithTTL bounds the dedup window. After ttl has elapsed since capture a
// finding may be captured again. Zero keeps records forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New initializes a new in-memory Store.
func New(opts ...Option) *Store {
	s := &Store{
		records: make(map[string]entry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// PutIfAbsent commits rec unless a live record exists for the finding.
func (s *Store) PutIfAbsent(_ context.Context, rec evidence.Record, blob []byte) (evidence.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.records[rec.FindingID]; ok && !s.expired(e.rec) {
		return e.rec, false, nil
	}

	rec.StorageLocation = "mem://" + evidence.Key(rec.FindingID)
	s.records[rec.FindingID] = entry{rec: rec, blob: append([]byte(nil), blob...)}
	s.writes++
	return rec, true, nil
}

// Get retrieves the live record for a finding.
func (s *Store) Get(_ context.Context, findingID string) (evidence.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[findingID]
	if !ok || s.expired(e.rec) {
		return evidence.Record{}, false, nil
	}
	return e.rec, true, nil
}

// Blob returns a copy of the committed payload.
func (s *Store) Blob(findingID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[findingID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.blob...), true
}

// Writes returns the number of committed writes.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func (s *Store) expired(rec evidence.Record) bool {
	return s.ttl > 0 && s.now().Sub(rec.CapturedAt) >= s.ttl
}
