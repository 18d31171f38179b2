package workflow

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("workflow run not found")

	// ErrRunTerminal is returned when mutating a run that already finished.
	ErrRunTerminal = errors.New("workflow run is terminal")
)

// Store persists runs. Implementations enforce one run per finding with a
// conditional insert and refuse updates to terminal runs.
type Store interface {
	// CreateIfAbsent inserts run unless the finding already has one. It
	// returns the stored run and whether this call created it.
	CreateIfAbsent(ctx context.Context, run *Run) (*Run, bool, error)
	Get(ctx context.Context, runID string) (*Run, bool, error)
	GetByFinding(ctx context.Context, findingID string) (*Run, bool, error)
	// Update replaces the stored run. It returns ErrRunTerminal if the stored
	// copy is terminal and ErrNotFound if it does not exist.
	Update(ctx context.Context, run *Run) error
	// ListActive returns non-terminal runs.
	ListActive(ctx context.Context) ([]*Run, error)
}
