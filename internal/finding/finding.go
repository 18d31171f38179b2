// Package finding defines the closed Finding schema and parses security findings
// arriving at ingress into it.
package finding

import (
	"encoding/json"
	"fmt"
	"time"
)

// Subject types recognized for implicated resources.
const (
	SubjectInstance  = "instance"
	SubjectS3Bucket  = "s3-bucket"
	SubjectAccessKey = "access-key"
)

// Subject references the external resource implicated by a finding.
type Subject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// String renders the subject as type/id.
func (s Subject) String() string {
	return s.Type + "/" + s.ID
}

// Finding is the unit of work. ID is stable across redeliveries and is the
// deduplication boundary: two findings with the same ID are one logical unit.
type Finding struct {
	ID         string          `json:"id"`
	Severity   float64         `json:"severity"`
	Category   string          `json:"category"`
	Subject    Subject         `json:"subject"`
	Source     string          `json:"source,omitempty"`
	RawPayload json.RawMessage `json:"raw_payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// ClassificationError reports a finding that is malformed or cannot be scored.
// It is never retried.
type ClassificationError struct {
	FindingID string
	Reason    string
}

func (e *ClassificationError) Error() string {
	if e.FindingID == "" {
		return "classification error: " + e.Reason
	}
	return fmt.Sprintf("classification error (finding %s): %s", e.FindingID, e.Reason)
}

func classify(id, format string, args ...any) *ClassificationError {
	return &ClassificationError{FindingID: id, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the closed-schema invariants that do not depend on
// configuration. Severity range checks belong to the severity gate.
func (f *Finding) Validate() error {
	if f == nil {
		return classify("", "nil finding")
	}
	if f.ID == "" {
		return classify("", "missing id")
	}
	if f.Subject.Type == "" || f.Subject.ID == "" {
		return classify(f.ID, "missing subject")
	}
	if len(f.RawPayload) == 0 {
		return classify(f.ID, "missing raw payload")
	}
	return nil
}
