// Package deadletter captures findings, workflow runs and side-channel
// deliveries that could not reach a successful or compensated outcome.
// Entries are append-only and kept for manual review.
package deadletter

import (
	"context"
	"time"
)

// Kind identifies what failed.
type Kind string

const (
	// KindFinding is a finding rejected at classification or triage.
	KindFinding Kind = "finding"

	// KindWorkflow is a workflow run that ended DEAD_LETTERED.
	KindWorkflow Kind = "workflow"

	// KindNotify is a notification that exhausted its delivery budget.
	KindNotify Kind = "notify"

	// KindReconcile is a status write-back that exhausted its delivery budget.
	KindReconcile Kind = "reconcile"
)

// Entry is one terminal failure record. It is never mutated after capture.
type Entry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	FindingID string    `json:"finding_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Reason    string    `json:"reason"`
	LastError string    `json:"last_error,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
}

// Store is the durable, append-only backing store.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// List returns entries for a finding, or all entries when findingID is empty.
	List(ctx context.Context, findingID string) ([]Entry, error)
}

// Recorder is the capture side used by the pipeline. Capture never fails and
// never blocks the caller beyond local buffering.
type Recorder interface {
	Capture(ctx context.Context, e Entry)
}
