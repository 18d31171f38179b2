package triage

import (
	"errors"
	"fmt"
)

// Kind classifies a triage failure.
type Kind string

const (
	// KindStorageUnavailable is a transient evidence store or run store
	// failure. It is retried.
	KindStorageUnavailable Kind = "StorageUnavailable"

	// KindMalformedFinding is a finding that fails schema validation. It is
	// dead-lettered immediately.
	KindMalformedFinding Kind = "MalformedFinding"

	// KindSubjectActionFailed is a failed best-effort side effect. It is
	// logged and never stops the pipeline.
	KindSubjectActionFailed Kind = "SubjectActionFailed"
)

// Error is a triage failure of a given kind.
type Error struct {
	Kind      Kind
	FindingID string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("triage %s (finding %s): %v", e.Kind, e.FindingID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on a later attempt.
func (e *Error) Retryable() bool {
	return e.Kind == KindStorageUnavailable
}

// IsKind reports whether err is a triage Error of kind k.
func IsKind(err error, k Kind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == k
}

func isRetryable(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Retryable()
}
