package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/linnemanlabs/warden/internal/deadletter"
	"github.com/linnemanlabs/warden/internal/evidence"
	"github.com/linnemanlabs/warden/internal/finding"
	"github.com/linnemanlabs/warden/internal/severity"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// Outcome is the result of submitting one finding.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// SubmitResult is the outcome of submitting a finding for triage.
type SubmitResult struct {
	FindingID string  `json:"finding_id,omitempty"`
	Outcome   Outcome `json:"outcome"`
	RunID     string  `json:"run_id,omitempty"`
	Created   bool    `json:"created,omitempty"`
	Reason    string  `json:"reason,omitempty"`

	Handle *workflow.Handle `json:"-"`
}

// DeadLetters is the dead-letter capture and query surface.
type DeadLetters interface {
	deadletter.Recorder
	List(ctx context.Context, findingID string) ([]deadletter.Entry, error)
}

// RunReader looks up workflow runs.
type RunReader interface {
	GetByFinding(ctx context.Context, findingID string) (*workflow.Run, bool, error)
}

// RetryConfig bounds the retry of transient triage failures.
type RetryConfig struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// BatchConcurrency bounds how many findings of one submission are
	// triaged at once.
	BatchConcurrency int
}

// DefaultRetryConfig returns the defaults used by the server.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:      5,
		InitialInterval:  500 * time.Millisecond,
		MaxInterval:      10 * time.Second,
		BatchConcurrency: 8,
	}
}

// Service is the business boundary for finding intake.
type Service struct {
	gate        *severity.Gate
	processor   *Processor
	evidence    evidence.Store
	runs        RunReader
	deadLetters DeadLetters
	retry       RetryConfig
	logger      log.Logger
	hooks       Hooks

	flights singleflight.Group
}

// NewService creates a new triage service.
func NewService(gate *severity.Gate, processor *Processor, ev evidence.Store, runs RunReader, dl DeadLetters, retry RetryConfig, logger log.Logger, hooks Hooks) *Service {
	if gate == nil || processor == nil || ev == nil || runs == nil || dl == nil {
		panic(xerrors.New("triage.NewService: missing dependency"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 1
	}
	if retry.BatchConcurrency <= 0 {
		retry.BatchConcurrency = 1
	}
	return &Service{
		gate:        gate,
		processor:   processor,
		evidence:    ev,
		runs:        runs,
		deadLetters: dl,
		retry:       retry,
		logger:      logger,
		hooks:       hooks,
	}
}

// Submit parses a body holding one finding or an array of findings and
// submits each. The error is non-nil only when the body cannot be decoded.
func (s *Service) Submit(ctx context.Context, raw []byte) ([]SubmitResult, error) {
	items, err := finding.ParseBatch(raw)
	if err != nil {
		return nil, fmt.Errorf("decode findings: %w", err)
	}

	results := make([]SubmitResult, len(items))
	var g errgroup.Group
	g.SetLimit(s.retry.BatchConcurrency)
	for i, item := range items {
		g.Go(func() error {
			if item.Err != nil {
				results[i] = s.reject(ctx, item.Err)
				return nil
			}
			results[i] = s.SubmitFinding(ctx, item.Finding)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// SubmitFinding gates and triages one parsed finding. Concurrent submissions
// of the same finding id share a single triage.
func (s *Service) SubmitFinding(ctx context.Context, f *finding.Finding) SubmitResult {
	if !s.gate.Admit(ctx, f) {
		if _, err := s.gate.Evaluate(f); err != nil {
			return s.reject(ctx, err)
		}
		s.logger.Info(ctx, "finding below severity threshold",
			"finding_id", f.ID,
			"severity", f.Severity,
			"threshold", s.gate.Threshold(),
		)
		return s.result(SubmitResult{
			FindingID: f.ID,
			Outcome:   OutcomeSkipped,
			Reason:    fmt.Sprintf("severity %.1f below threshold %s", f.Severity, s.gate.Threshold()),
		})
	}

	// The flight outlives the caller's request; its budget is bounded by
	// the retry policy.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := s.flights.Do(f.ID, func() (any, error) {
		return s.triage(flightCtx, f)
	})
	if err != nil {
		outcome := OutcomeFailed
		if IsKind(err, KindMalformedFinding) {
			outcome = OutcomeRejected
		}
		return s.result(SubmitResult{FindingID: f.ID, Outcome: outcome, Reason: err.Error()})
	}

	handle, _ := v.(*workflow.Handle)
	return s.result(SubmitResult{
		FindingID: f.ID,
		Outcome:   OutcomeAccepted,
		RunID:     handle.RunID,
		Created:   handle.Created,
		Handle:    handle,
	})
}

// triage runs the processor with bounded retry of transient failures and
// dead-letters the finding when it gives up. It runs once per flight.
func (s *Service) triage(ctx context.Context, f *finding.Finding) (*workflow.Handle, error) {
	start := time.Now()
	L := s.logger.With("finding_id", f.ID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval
	b.MaxInterval = s.retry.MaxInterval

	attempts := 0
	handle, err := backoff.Retry(ctx, func() (*workflow.Handle, error) {
		attempts++
		h, err := s.processor.Triage(ctx, f)
		if err != nil && !isRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return h, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.retry.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			L.Warn(ctx, "triage attempt failed, retrying", "error", err, "retry_in", next.String())
		}),
	)

	result := "ok"
	if err != nil {
		result = "error"
		reason := fmt.Sprintf("triage failed after %d attempts", attempts)
		if IsKind(err, KindMalformedFinding) {
			reason = "malformed finding"
		} else if errors.Is(err, workflow.ErrEngineClosed) {
			reason = "workflow engine unavailable"
		}
		L.Error(ctx, err, "triage gave up", "attempts", attempts)
		s.deadLetters.Capture(ctx, deadletter.Entry{
			Kind:      deadletter.KindFinding,
			FindingID: f.ID,
			Reason:    reason,
			LastError: err.Error(),
		})
	}
	if s.hooks.OnTriage != nil {
		s.hooks.OnTriage(result, time.Since(start).Seconds())
	}
	return handle, err
}

// reject dead-letters a finding that failed classification.
func (s *Service) reject(ctx context.Context, err error) SubmitResult {
	id := ""
	var ce *finding.ClassificationError
	if errors.As(err, &ce) {
		id = ce.FindingID
	}
	s.logger.Error(ctx, err, "finding rejected", "finding_id", id)
	s.deadLetters.Capture(ctx, deadletter.Entry{
		Kind:      deadletter.KindFinding,
		FindingID: id,
		Reason:    "classification failed",
		LastError: err.Error(),
	})
	return s.result(SubmitResult{FindingID: id, Outcome: OutcomeRejected, Reason: err.Error()})
}

func (s *Service) result(r SubmitResult) SubmitResult {
	if s.hooks.OnSubmit != nil {
		s.hooks.OnSubmit(r.Outcome)
	}
	return r
}

// FindingStatus is everything known about one finding.
type FindingStatus struct {
	FindingID   string             `json:"finding_id"`
	Evidence    *evidence.Record   `json:"evidence,omitempty"`
	Run         *workflow.Run      `json:"run,omitempty"`
	DeadLetters []deadletter.Entry `json:"dead_letters,omitempty"`
}

// Found reports whether anything is recorded for the finding.
func (fs *FindingStatus) Found() bool {
	return fs.Evidence != nil || fs.Run != nil || len(fs.DeadLetters) > 0
}

// Status returns the evidence record, workflow run, and dead letters for a
// finding.
func (s *Service) Status(ctx context.Context, findingID string) (*FindingStatus, error) {
	st := &FindingStatus{FindingID: findingID}

	rec, ok, err := s.evidence.Get(ctx, findingID)
	if err != nil {
		return nil, fmt.Errorf("get evidence: %w", err)
	}
	if ok {
		st.Evidence = &rec
	}

	run, ok, err := s.runs.GetByFinding(ctx, findingID)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if ok {
		st.Run = run
	}

	entries, err := s.deadLetters.List(ctx, findingID)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	st.DeadLetters = entries
	return st, nil
}

// DeadLetters lists dead-letter entries, optionally for one finding.
func (s *Service) DeadLetters(ctx context.Context, findingID string) ([]deadletter.Entry, error) {
	return s.deadLetters.List(ctx, findingID)
}
