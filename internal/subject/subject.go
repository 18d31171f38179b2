// Package subject is the client for the external Subject Action service that
// tags and isolates resources implicated by findings.
package subject

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/warden/internal/finding"
)

// Outcome sentinels. Errors returned by a Service wrap exactly one of these.
var (
	ErrRetryable = errors.New("subject action: retryable")
	ErrFatal     = errors.New("subject action: fatal")
)

// Action names understood by the service.
const (
	ActionTag              = "tag"
	ActionIsolate          = "isolate"
	ActionFlagManualReview = "flag-manual-review"
)

// Tags applied by the triage side-effect and the catch-all compensation.
const (
	TagFinding     = "WardenFinding"
	TagQuarantined = "Quarantined"

	QuarantinePending      = "Pending"
	QuarantineManualReview = "ManualReview"
)

// ActionSpec describes one idempotent action against a subject.
type ActionSpec struct {
	Name           string            `json:"name"`
	IdempotencyKey string            `json:"idempotency_key"`
	Tags           map[string]string `json:"tags,omitempty"`
	Params         map[string]string `json:"params,omitempty"`
}

// Service applies actions against subjects. Implementations must be safe to
// call repeatedly with the same idempotency key.
type Service interface {
	ApplyAction(ctx context.Context, ref finding.Subject, spec ActionSpec) error
}

// Applied is one action recorded by DryRun.
type Applied struct {
	Subject finding.Subject
	Spec    ActionSpec
}

// DryRun records actions instead of calling a remote service. It is used when
// no endpoint is configured. Actions with an already-seen idempotency key are
// not recorded twice.
type DryRun struct {
	mu      sync.Mutex
	logger  log.Logger
	applied []Applied
	seen    map[string]struct{}
}

// NewDryRun creates a DryRun service.
func NewDryRun(logger log.Logger) *DryRun {
	if logger == nil {
		logger = log.Nop()
	}
	return &DryRun{logger: logger, seen: make(map[string]struct{})}
}

// ApplyAction records the action.
func (d *DryRun) ApplyAction(ctx context.Context, ref finding.Subject, spec ActionSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if spec.IdempotencyKey != "" {
		if _, ok := d.seen[spec.IdempotencyKey]; ok {
			return nil
		}
		d.seen[spec.IdempotencyKey] = struct{}{}
	}
	d.applied = append(d.applied, Applied{Subject: ref, Spec: spec})
	d.logger.Info(ctx, "subject action (dry run)",
		"subject", ref.String(),
		"action", spec.Name,
		"idempotency_key", spec.IdempotencyKey,
		"tags", sortedTags(spec.Tags),
	)
	return nil
}

// Applied returns a copy of the recorded actions.
func (d *DryRun) Applied() []Applied {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Applied, len(d.applied))
	copy(out, d.applied)
	return out
}

func sortedTags(tags map[string]string) []string {
	out := make([]string, 0, len(tags))
	for k, v := range tags {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
