package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/evidence"
	"github.com/linnemanlabs/warden/internal/finding"
	"github.com/linnemanlabs/warden/internal/subject"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// Evidence write outcomes reported through Hooks.
const (
	EvidenceCreated  = "created"
	EvidenceExisting = "existing"
	EvidenceError    = "error"
)

// Starter hands an admitted finding to the workflow engine.
type Starter interface {
	Start(ctx context.Context, h workflow.Handoff) (*workflow.Handle, error)
}

// Enricher attaches context about the finding's subject to the evidence. A
// nil result means there is nothing to attach.
type Enricher interface {
	Enrich(ctx context.Context, f *finding.Finding) (json.RawMessage, error)
}

// Hooks receives triage events. All fields are optional.
type Hooks struct {
	OnSubmit          func(outcome Outcome)
	OnTriage          func(result string, seconds float64)
	OnEvidence        func(outcome string)
	OnSubjectDegraded func()
}

// evidenceDoc is the blob committed to the evidence store.
type evidenceDoc struct {
	FindingID  string          `json:"finding_id"`
	Source     string          `json:"source"`
	Category   string          `json:"category,omitempty"`
	Subject    finding.Subject `json:"subject"`
	Severity   float64         `json:"severity"`
	ReceivedAt time.Time       `json:"received_at"`
	Raw        json.RawMessage `json:"raw"`
	Context    json.RawMessage `json:"context,omitempty"`
}

// Processor runs triage for one admitted finding: capture evidence exactly
// once, tag the subject, and hand off to the workflow engine. It never calls
// back into the engine after the handoff.
type Processor struct {
	evidence evidence.Store
	subjects subject.Service
	starter  Starter
	enricher Enricher
	logger   log.Logger
	hooks    Hooks
	now      func() time.Time
}

// NewProcessor creates a Processor. enricher may be nil.
func NewProcessor(ev evidence.Store, subjects subject.Service, starter Starter, enricher Enricher, logger log.Logger, hooks Hooks) *Processor {
	if ev == nil || subjects == nil || starter == nil {
		panic(xerrors.New("triage.NewProcessor: evidence store, subject service and starter are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Processor{
		evidence: ev,
		subjects: subjects,
		starter:  starter,
		enricher: enricher,
		logger:   logger,
		hooks:    hooks,
		now:      time.Now,
	}
}

// Triage processes an admitted finding and returns the handle of its
// workflow run. Redelivered findings reuse the committed evidence and the
// existing run.
func (p *Processor) Triage(ctx context.Context, f *finding.Finding) (*workflow.Handle, error) {
	if err := f.Validate(); err != nil {
		id := ""
		if f != nil {
			id = f.ID
		}
		return nil, &Error{Kind: KindMalformedFinding, FindingID: id, Err: err}
	}
	L := p.logger.With("finding_id", f.ID)

	rec, created, err := p.capture(ctx, L, f)
	if err != nil {
		return nil, err
	}

	// Only the delivery that committed the evidence tags the subject. A
	// redelivery must not reset a tag the workflow has since moved on.
	if created {
		p.tag(ctx, L, f)
	}

	handle, err := p.starter.Start(ctx, workflow.Handoff{Finding: f, Evidence: rec})
	if err != nil {
		if errors.Is(err, workflow.ErrEngineClosed) {
			return nil, err
		}
		return nil, &Error{Kind: KindStorageUnavailable, FindingID: f.ID, Err: fmt.Errorf("start workflow: %w", err)}
	}
	L.Info(ctx, "finding handed off",
		"run_id", handle.RunID,
		"run_created", handle.Created,
		"evidence", rec.StorageLocation,
	)
	return handle, nil
}

// capture returns the committed evidence record, writing it on first sight.
// created reports whether this call committed it. The record's content hash
// covers the raw payload only, so it can be checked against the source event.
func (p *Processor) capture(ctx context.Context, L log.Logger, f *finding.Finding) (evidence.Record, bool, error) {
	rec, ok, err := p.evidence.Get(ctx, f.ID)
	if err != nil {
		p.evidenceOutcome(EvidenceError)
		return evidence.Record{}, false, &Error{Kind: KindStorageUnavailable, FindingID: f.ID, Err: err}
	}
	if ok {
		p.evidenceOutcome(EvidenceExisting)
		return rec, false, nil
	}

	blob, err := p.buildEvidence(ctx, L, f)
	if err != nil {
		return evidence.Record{}, false, &Error{Kind: KindMalformedFinding, FindingID: f.ID, Err: err}
	}

	rec, created, err := p.evidence.PutIfAbsent(ctx, evidence.NewRecord(f.ID, f.RawPayload, p.now()), blob)
	if err != nil {
		p.evidenceOutcome(EvidenceError)
		return evidence.Record{}, false, &Error{Kind: KindStorageUnavailable, FindingID: f.ID, Err: err}
	}
	if created {
		p.evidenceOutcome(EvidenceCreated)
		L.Info(ctx, "evidence captured", "location", rec.StorageLocation, "content_hash", rec.ContentHash)
	} else {
		p.evidenceOutcome(EvidenceExisting)
	}
	return rec, created, nil
}

func (p *Processor) buildEvidence(ctx context.Context, L log.Logger, f *finding.Finding) ([]byte, error) {
	doc := evidenceDoc{
		FindingID:  f.ID,
		Source:     f.Source,
		Category:   f.Category,
		Subject:    f.Subject,
		Severity:   f.Severity,
		ReceivedAt: f.ReceivedAt.UTC(),
		Raw:        f.RawPayload,
	}
	if p.enricher != nil {
		extra, err := p.enricher.Enrich(ctx, f)
		if err != nil {
			L.Warn(ctx, "evidence enrichment failed", "error", err)
		} else if len(extra) > 0 {
			doc.Context = extra
		}
	}
	return json.Marshal(doc)
}

// tag applies the best-effort triage tags. Failure degrades to a log line.
func (p *Processor) tag(ctx context.Context, L log.Logger, f *finding.Finding) {
	err := p.subjects.ApplyAction(ctx, f.Subject, subject.ActionSpec{
		Name:           subject.ActionTag,
		IdempotencyKey: f.ID + "/tag",
		Tags: map[string]string{
			subject.TagFinding:     f.ID,
			subject.TagQuarantined: subject.QuarantinePending,
		},
	})
	if err == nil {
		return
	}
	degraded := &Error{Kind: KindSubjectActionFailed, FindingID: f.ID, Err: err}
	L.Warn(ctx, "subject tagging failed, continuing", "subject", f.Subject.String(), "error", degraded)
	if p.hooks.OnSubjectDegraded != nil {
		p.hooks.OnSubjectDegraded()
	}
}

func (p *Processor) evidenceOutcome(outcome string) {
	if p.hooks.OnEvidence != nil {
		p.hooks.OnEvidence(outcome)
	}
}
