package workflow

import (
	"context"
	"errors"

	"github.com/linnemanlabs/warden/internal/finding"
)

// Input is what an action sees for one attempt.
type Input struct {
	FindingID        string
	RunID            string
	State            StateName
	Attempt          int
	IdempotencyKey   string
	Subject          finding.Subject
	Severity         float64
	Category         string
	EvidenceLocation string
	// FailedState is set for compensation actions.
	FailedState StateName
}

// Action is one externally visible remediation step. It must be safe to
// execute more than once with the same idempotency key.
type Action interface {
	Execute(ctx context.Context, in Input) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, in Input) error

// Execute calls f.
func (f ActionFunc) Execute(ctx context.Context, in Input) error {
	return f(ctx, in)
}

// IdempotencyKey derives the key for a state of a finding.
func IdempotencyKey(findingID string, state StateName) string {
	return findingID + "/" + string(state)
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as non-retryable. A fatal error dead-letters the run
// without compensation.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal. Any other error,
// including context.DeadlineExceeded, is transient.
func IsFatal(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return false
	}
	var fe *fatalError
	return errors.As(err, &fe)
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable, overriding any Fatal mark it wraps.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}
