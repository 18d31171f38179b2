// Package memstore provides an in-memory implementation of workflow.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/warden/internal/workflow"
)

// Store holds runs in memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	runs      map[string]*workflow.Run // run ID -> run
	byFinding map[string]string        // finding ID -> run ID
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		runs:      make(map[string]*workflow.Run),
		byFinding: make(map[string]string),
	}
}

// CreateIfAbsent stores a copy of run unless its finding already has one.
func (s *Store) CreateIfAbsent(_ context.Context, run *workflow.Run) (*workflow.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byFinding[run.FindingID]; ok {
		return s.runs[id].Clone(), false, nil
	}
	s.runs[run.RunID] = run.Clone()
	s.byFinding[run.FindingID] = run.RunID
	return run.Clone(), true, nil
}

// Get retrieves a run by ID. Returns a copy.
func (s *Store) Get(_ context.Context, runID string) (*workflow.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// GetByFinding retrieves the run for a finding. Returns a copy.
func (s *Store) GetByFinding(_ context.Context, findingID string) (*workflow.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byFinding[findingID]
	if !ok {
		return nil, false, nil
	}
	return s.runs[id].Clone(), true, nil
}

// Update replaces a non-terminal run with a copy of run.
func (s *Store) Update(_ context.Context, run *workflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[run.RunID]
	if !ok {
		return workflow.ErrNotFound
	}
	if cur.Terminal() {
		return workflow.ErrRunTerminal
	}
	s.runs[run.RunID] = run.Clone()
	return nil
}

// ListActive returns copies of non-terminal runs, oldest first.
func (s *Store) ListActive(_ context.Context) ([]*workflow.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Run
	for _, r := range s.runs {
		if !r.Terminal() {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
