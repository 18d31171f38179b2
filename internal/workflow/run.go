// Package workflow runs the remediation graph for admitted findings. Each run
// is a persisted finite-state machine that advances strictly forward, retries
// each state on its own bounded backoff, and ends in exactly one terminal
// state.
package workflow

import (
	"context"
	"time"

	"github.com/linnemanlabs/warden/internal/evidence"
	"github.com/linnemanlabs/warden/internal/finding"
)

// StateName names a node of the remediation graph.
type StateName string

const (
	StateCaptureConfirmed StateName = "CaptureConfirmed"
	StateIsolateSubject   StateName = "IsolateSubject"
	StateNotify           StateName = "Notify"
	StateReconcileStatus  StateName = "ReconcileStatus"

	// StateCompensation is the pseudo-state a run occupies while the
	// compensation action for an exhausted state is executing.
	StateCompensation StateName = "Compensation"
)

// TerminalState is the final outcome of a run.
type TerminalState string

const (
	Succeeded    TerminalState = "SUCCEEDED"
	Compensated  TerminalState = "COMPENSATED"
	DeadLettered TerminalState = "DEAD_LETTERED"
)

// Run is one execution of the remediation graph for a finding. Only the
// engine mutates a run, and a run is immutable once TerminalState is set.
type Run struct {
	FindingID        string            `json:"finding_id"`
	RunID            string            `json:"run_id"`
	CurrentState     StateName         `json:"current_state"`
	Attempts         map[StateName]int `json:"attempts"`
	StartedAt        time.Time         `json:"started_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	TerminalState    TerminalState     `json:"terminal_state,omitempty"`
	CompletedAt      time.Time         `json:"completed_at,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
	EvidenceLocation string            `json:"evidence_location"`
	Subject          finding.Subject   `json:"subject"`
	Severity         float64           `json:"severity"`
	Category         string            `json:"category"`
	Compensated      StateName         `json:"compensated_state,omitempty"`
}

// Terminal reports whether the run has finished.
func (r *Run) Terminal() bool {
	return r.TerminalState != ""
}

// Clone returns a deep copy.
func (r *Run) Clone() *Run {
	cp := *r
	cp.Attempts = make(map[StateName]int, len(r.Attempts))
	for k, v := range r.Attempts {
		cp.Attempts[k] = v
	}
	return &cp
}

// Handoff is what the triage step passes forward to start a run. The engine
// never calls back into triage.
type Handoff struct {
	Finding  *finding.Finding
	Evidence evidence.Record
}

// Handle references a run started or found by Engine.Start.
type Handle struct {
	RunID     string
	FindingID string
	// Created is false when the finding already had a run.
	Created bool
	done    <-chan struct{}
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done is closed when the run's executing goroutine has exited. It is closed
// already for runs that are not executing in this process.
func (h *Handle) Done() <-chan struct{} {
	if h.done == nil {
		return closedCh
	}
	return h.done
}

// Wait blocks until Done or ctx expires.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
