package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/evidence"
	"github.com/linnemanlabs/warden/internal/notify"
	"github.com/linnemanlabs/warden/internal/registry"
	"github.com/linnemanlabs/warden/internal/subject"
)

// Enqueuer accepts fire-and-forget jobs. *dispatch.Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job dispatch.Job)
}

// Collaborators are the external services the remediation graph drives.
type Collaborators struct {
	Evidence       evidence.Store
	Subjects       subject.Service
	Notifier       notify.Notifier
	NotifyQueue    Enqueuer
	Registry       registry.Reconciler
	ReconcileQueue Enqueuer
}

// Action names carried on dispatched jobs and messages.
const (
	jobNotify    = "notify"
	jobReconcile = "update-status"
)

// CaptureConfirmed verifies that evidence for the finding was committed
// before any remediation runs. A missing record is fatal.
func CaptureConfirmed(store evidence.Store) Action {
	return ActionFunc(func(ctx context.Context, in Input) error {
		rec, ok, err := store.Get(ctx, in.FindingID)
		if err != nil {
			return err
		}
		if !ok {
			return Fatal(fmt.Errorf("no evidence record for finding %s", in.FindingID))
		}
		if in.EvidenceLocation != "" && rec.StorageLocation != in.EvidenceLocation {
			return Fatal(fmt.Errorf("evidence location %s does not match handoff %s", rec.StorageLocation, in.EvidenceLocation))
		}
		return nil
	})
}

// IsolateSubject asks the subject service to isolate the implicated resource.
func IsolateSubject(svc subject.Service) Action {
	return ActionFunc(func(ctx context.Context, in Input) error {
		err := svc.ApplyAction(ctx, in.Subject, subject.ActionSpec{
			Name:           subject.ActionIsolate,
			IdempotencyKey: in.IdempotencyKey,
			Params: map[string]string{
				"finding_id": in.FindingID,
				"category":   in.Category,
			},
		})
		if errors.Is(err, subject.ErrFatal) {
			return Fatal(err)
		}
		return err
	})
}

// FlagManualReview is the catch-all compensation: it marks the subject for
// a human instead of leaving it half-remediated.
func FlagManualReview(svc subject.Service) Action {
	return ActionFunc(func(ctx context.Context, in Input) error {
		err := svc.ApplyAction(ctx, in.Subject, subject.ActionSpec{
			Name:           subject.ActionFlagManualReview,
			IdempotencyKey: in.IdempotencyKey,
			Tags:           map[string]string{subject.TagQuarantined: subject.QuarantineManualReview},
			Params: map[string]string{
				"finding_id":   in.FindingID,
				"failed_state": string(in.FailedState),
			},
		})
		if errors.Is(err, subject.ErrFatal) {
			return Fatal(err)
		}
		return err
	})
}

// EnqueueNotify hands the remediation notice to the notify dispatcher. The
// state completes once the job is queued; delivery failures dead-letter on
// the notify channel and never affect the run.
func EnqueueNotify(q Enqueuer, n notify.Notifier) Action {
	return ActionFunc(func(ctx context.Context, in Input) error {
		msg := &notify.Message{
			FindingID:        in.FindingID,
			RunID:            in.RunID,
			Severity:         in.Severity,
			Category:         in.Category,
			ResourceType:     in.Subject.Type,
			ResourceID:       in.Subject.ID,
			Action:           subject.ActionIsolate,
			Status:           "REMEDIATING",
			Detail:           "Triage completed, remediation initiated",
			EvidenceLocation: in.EvidenceLocation,
			Timestamp:        time.Now().UTC(),
		}
		q.Enqueue(ctx, dispatch.Job{
			FindingID: in.FindingID,
			RunID:     in.RunID,
			Action:    jobNotify,
			Do: func(ctx context.Context) error {
				return n.Publish(ctx, msg)
			},
		})
		return nil
	})
}

// EnqueueReconcile hands the RESOLVED status write-back to the reconcile
// dispatcher.
func EnqueueReconcile(q Enqueuer, r registry.Reconciler) Action {
	return ActionFunc(func(ctx context.Context, in Input) error {
		enqueueStatus(ctx, q, r, in.FindingID, in.RunID, registry.StatusResolved)
		return nil
	})
}

func enqueueStatus(ctx context.Context, q Enqueuer, r registry.Reconciler, findingID, runID, status string) {
	q.Enqueue(ctx, dispatch.Job{
		FindingID: findingID,
		RunID:     runID,
		Action:    jobReconcile,
		Do: func(ctx context.Context) error {
			return r.UpdateStatus(ctx, findingID, status)
		},
	})
}

func outcomeMessage(run *Run) *notify.Message {
	msg := &notify.Message{
		FindingID:        run.FindingID,
		RunID:            run.RunID,
		Severity:         run.Severity,
		Category:         run.Category,
		ResourceType:     run.Subject.Type,
		ResourceID:       run.Subject.ID,
		Action:           subject.ActionIsolate,
		Status:           string(run.TerminalState),
		EvidenceLocation: run.EvidenceLocation,
		Timestamp:        run.CompletedAt.UTC(),
	}
	switch run.TerminalState {
	case Succeeded:
		msg.Detail = "Remediation completed"
	case Compensated:
		msg.Action = subject.ActionFlagManualReview
		msg.Detail = fmt.Sprintf("%s exhausted retries; subject flagged for manual review: %s", run.Compensated, run.LastError)
	default:
		msg.Detail = fmt.Sprintf("Remediation failed in %s: %s", run.CurrentState, run.LastError)
	}
	return msg
}

func dispatchNotify(run *Run, msg *notify.Message, n notify.Notifier) dispatch.Job {
	return dispatch.Job{
		FindingID: run.FindingID,
		RunID:     run.RunID,
		Action:    jobNotify,
		Do: func(ctx context.Context) error {
			return n.Publish(ctx, msg)
		},
	}
}
