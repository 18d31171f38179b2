package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/deadletter"
	"github.com/linnemanlabs/warden/internal/notify"
	"github.com/linnemanlabs/warden/internal/registry"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/workflow")

var (
	// ErrForced is the cancellation cause of an operator dead-letter.
	ErrForced = errors.New("dead-lettered by operator")

	// ErrEngineClosed is returned by Start after Shutdown.
	ErrEngineClosed = errors.New("workflow engine is shut down")

	errShutdown = errors.New("engine shutting down")
)

// Attempt outcomes reported through Hooks.
const (
	AttemptSuccess = "success"
	AttemptRetry   = "retry"
	AttemptFatal   = "fatal"
)

// Hooks receives engine events. All fields are optional.
type Hooks struct {
	OnAttempt  func(state StateName, outcome string, seconds float64)
	OnComplete func(terminal TerminalState, seconds float64)
}

// Outcomes are the channels a finished run is reported on. Nil fields are
// skipped.
type Outcomes struct {
	Notifier    notify.Notifier
	NotifyQueue Enqueuer

	Registry       registry.Reconciler
	ReconcileQueue Enqueuer

	DeadLetters deadletter.Recorder
}

type activeRun struct {
	runID  string
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Engine executes runs. It keeps at most one executing goroutine per
// finding in this process; the store's conditional insert keeps at most one
// run per finding across processes.
type Engine struct {
	store    Store
	graph    *Graph
	outcomes Outcomes
	logger   log.Logger
	hooks    Hooks

	persistTries uint
	now          func() time.Time

	mu     sync.Mutex
	active map[string]*activeRun
	closed bool
	wg     sync.WaitGroup
}

// NewEngine creates an engine. It panics if store or graph is nil or the
// graph is invalid.
func NewEngine(store Store, graph *Graph, outcomes Outcomes, logger log.Logger, hooks Hooks) *Engine {
	if store == nil {
		panic(xerrors.New("workflow.NewEngine: store is nil"))
	}
	if graph == nil {
		panic(xerrors.New("workflow.NewEngine: graph is nil"))
	}
	if err := graph.Validate(); err != nil {
		panic(xerrors.New("workflow.NewEngine: " + err.Error()))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		store:        store,
		graph:        graph,
		outcomes:     outcomes,
		logger:       logger,
		hooks:        hooks,
		persistTries: 5,
		now:          time.Now,
		active:       make(map[string]*activeRun),
	}
}

// Start creates the run for a handed-off finding and executes it
// asynchronously. If the finding already has a run, no new run is created
// and the returned handle refers to the existing one.
func (e *Engine) Start(ctx context.Context, h Handoff) (*Handle, error) {
	if h.Finding == nil {
		return nil, errors.New("handoff has no finding")
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrEngineClosed
	}

	f := h.Finding
	now := e.now()
	run := &Run{
		FindingID:        f.ID,
		RunID:            ulid.Make().String(),
		CurrentState:     e.graph.First(),
		Attempts:         make(map[StateName]int),
		StartedAt:        now,
		UpdatedAt:        now,
		EvidenceLocation: h.Evidence.StorageLocation,
		Subject:          f.Subject,
		Severity:         f.Severity,
		Category:         f.Category,
	}

	stored, created, err := e.store.CreateIfAbsent(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("create run for finding %s: %w", f.ID, err)
	}

	handle := &Handle{RunID: stored.RunID, FindingID: stored.FindingID, Created: created}
	if !created {
		e.logger.Info(ctx, "finding already has a workflow run",
			"finding_id", f.ID,
			"run_id", stored.RunID,
			"terminal_state", stored.TerminalState,
		)
		handle.done = e.attach(ctx, stored)
		return handle, nil
	}

	e.logger.Info(ctx, "workflow run created", "finding_id", f.ID, "run_id", stored.RunID)
	handle.done, _ = e.launch(ctx, stored)
	return handle, nil
}

// attach returns the done channel of the goroutine executing an existing
// run. A non-terminal run with no goroutine in this process was abandoned
// after its store writes failed; it is relaunched from the latest persisted
// state.
func (e *Engine) attach(ctx context.Context, stored *Run) <-chan struct{} {
	e.mu.Lock()
	a, ok := e.active[stored.FindingID]
	e.mu.Unlock()
	if ok && a.runID == stored.RunID {
		return a.done
	}
	if stored.Terminal() {
		return nil
	}

	latest, found, err := e.store.Get(ctx, stored.RunID)
	if err != nil {
		e.logger.Warn(ctx, "could not reload workflow run", "finding_id", stored.FindingID, "run_id", stored.RunID, "error", err)
		return nil
	}
	if !found || latest.Terminal() {
		return nil
	}
	done, started := e.launch(ctx, latest)
	if started {
		e.logger.Warn(ctx, "relaunched abandoned workflow run",
			"finding_id", latest.FindingID,
			"run_id", latest.RunID,
			"state", latest.CurrentState,
		)
	}
	return done
}

// Resume relaunches every non-terminal run in the store that is not already
// executing. It returns the number of runs relaunched.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	runs, err := e.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}
	n := 0
	for _, r := range runs {
		if _, started := e.launch(ctx, r); started {
			n++
		}
	}
	if n > 0 {
		e.logger.Info(ctx, "resumed workflow runs", "count", n)
	}
	return n, nil
}

// Run calls Resume every interval until ctx is done, so runs abandoned after
// a store outage continue without waiting for a redelivery or a restart.
// Like Resume, it belongs on a single replica.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := e.Resume(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn(ctx, "workflow resume sweep failed", "error", err)
		}
	}
}

// launch starts the executing goroutine unless one is already running for
// the finding. It returns the done channel, which is nil when the engine is
// shut down, and whether a goroutine was started.
func (e *Engine) launch(ctx context.Context, run *Run) (<-chan struct{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false
	}
	if a, ok := e.active[run.FindingID]; ok {
		return a.done, false
	}

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	a := &activeRun{runID: run.RunID, cancel: cancel, done: make(chan struct{})}
	e.active[run.FindingID] = a
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer close(a.done)
		defer func() {
			e.mu.Lock()
			delete(e.active, run.FindingID)
			e.mu.Unlock()
			cancel(nil)
		}()
		e.execute(runCtx, run.Clone())
	}()
	return a.done, true
}

// ForceDeadLetter moves a run to DEAD_LETTERED on operator request. An
// executing run is cancelled, including any backoff wait, and finalized by
// its own goroutine.
func (e *Engine) ForceDeadLetter(ctx context.Context, runID, reason string) error {
	run, ok, err := e.store.Get(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if run.Terminal() {
		return ErrRunTerminal
	}
	cause := fmt.Errorf("%w: %s", ErrForced, reason)

	e.mu.Lock()
	if a, ok := e.active[run.FindingID]; ok && a.runID == runID {
		e.mu.Unlock()
		a.cancel(cause)
		select {
		case <-a.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		after, ok, err := e.store.Get(ctx, runID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if after.TerminalState != DeadLettered {
			return ErrRunTerminal
		}
		return nil
	}
	// Holding the lock keeps Resume from launching the run mid-update.
	defer e.mu.Unlock()

	now := e.now()
	run.TerminalState = DeadLettered
	run.LastError = cause.Error()
	run.CompletedAt = now
	run.UpdatedAt = now
	if err := e.store.Update(ctx, run); err != nil {
		return err
	}
	e.logger.Warn(ctx, "workflow run dead-lettered by operator",
		"finding_id", run.FindingID,
		"run_id", run.RunID,
		"state", run.CurrentState,
		"reason", reason,
	)
	e.completed(run)
	e.emit(context.WithoutCancel(ctx), run)
	return nil
}

// Get returns a run by id.
func (e *Engine) Get(ctx context.Context, runID string) (*Run, bool, error) {
	return e.store.Get(ctx, runID)
}

// GetByFinding returns the run for a finding.
func (e *Engine) GetByFinding(ctx context.Context, findingID string) (*Run, bool, error) {
	return e.store.GetByFinding(ctx, findingID)
}

// Wait blocks until every executing run has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown stops accepting runs and waits for executing runs to finish. When
// ctx expires first, the remaining runs are interrupted without reaching a
// terminal state so Resume can pick them up on the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	e.mu.Lock()
	for _, a := range e.active {
		a.cancel(errShutdown)
	}
	n := len(e.active)
	e.mu.Unlock()
	e.logger.Warn(ctx, "interrupting workflow runs for shutdown", "count", n)
	<-done
	return ctx.Err()
}

type stepResult int

const (
	stepOK stepResult = iota
	stepFatal
	stepExhausted
	stepCancelled
	stepAborted
)

func (e *Engine) execute(ctx context.Context, run *Run) {
	L := e.logger.With("finding_id", run.FindingID, "run_id", run.RunID)

	if run.CurrentState == StateCompensation {
		e.compensate(ctx, L, run, run.Compensated, errors.New(run.LastError))
		return
	}

	start := e.graph.index(run.CurrentState)
	if start < 0 {
		e.finish(ctx, L, run, DeadLettered, fmt.Errorf("unknown state %q", run.CurrentState))
		return
	}

	for _, node := range e.graph.Nodes[start:] {
		if run.CurrentState != node.Name {
			run.CurrentState = node.Name
			L.Info(ctx, "workflow state entered", "state", node.Name)
		}
		res, err := e.runState(ctx, L, run, node.Name, node.Action, node.Policy, "")
		switch res {
		case stepOK:
			continue
		case stepAborted:
			e.abort(ctx, L, run, err)
			return
		case stepCancelled:
			e.cancelled(ctx, L, run, err)
			return
		case stepFatal:
			e.finish(ctx, L, run, DeadLettered, err)
			return
		case stepExhausted:
			e.compensate(ctx, L, run, node.Name, err)
			return
		}
	}
	e.finish(ctx, L, run, Succeeded, nil)
}

// compensate runs the compensation for an exhausted state. Its success is
// COMPENSATED; any failure of the compensation itself is DEAD_LETTERED.
func (e *Engine) compensate(ctx context.Context, L log.Logger, run *Run, failed StateName, cause error) {
	act := e.graph.compensationFor(failed)
	if act == nil {
		e.finish(ctx, L, run, DeadLettered, fmt.Errorf("state %s exhausted retries with no compensation: %w", failed, cause))
		return
	}

	if run.CurrentState != StateCompensation {
		L.Warn(ctx, "workflow state exhausted retries, compensating",
			"state", failed,
			"attempts", run.Attempts[failed],
			"error", cause,
		)
		run.CurrentState = StateCompensation
		run.Compensated = failed
	}

	res, err := e.runState(ctx, L, run, StateCompensation, act, e.graph.CompensationPolicy, failed)
	switch res {
	case stepOK:
		e.finish(ctx, L, run, Compensated, cause)
	case stepAborted:
		e.abort(ctx, L, run, err)
	case stepCancelled:
		e.cancelled(ctx, L, run, err)
	default:
		e.finish(ctx, L, run, DeadLettered, fmt.Errorf("compensation for %s failed: %w", failed, err))
	}
}

// runState drives one state through its retry policy. Attempt counters are
// persisted before each call so a restarted process never exceeds the
// budget.
func (e *Engine) runState(ctx context.Context, L log.Logger, run *Run, state StateName, act Action, p RetryPolicy, failed StateName) (stepResult, error) {
	var lastErr error
	if run.LastError != "" {
		lastErr = errors.New(run.LastError)
	}

	for {
		if ctx.Err() != nil {
			return stepCancelled, context.Cause(ctx)
		}
		attempt := run.Attempts[state] + 1
		if attempt > p.MaxAttempts {
			if lastErr == nil {
				lastErr = fmt.Errorf("state %s exhausted %d attempts", state, p.MaxAttempts)
			}
			return stepExhausted, lastErr
		}
		run.Attempts[state] = attempt
		if err := e.persist(ctx, run); err != nil {
			return stepAborted, err
		}

		err := e.attempt(ctx, run, state, act, p, attempt, failed)
		if err == nil {
			run.LastError = ""
			return stepOK, nil
		}
		if ctx.Err() != nil {
			return stepCancelled, context.Cause(ctx)
		}
		lastErr = err
		run.LastError = err.Error()

		if IsFatal(err) {
			L.Error(ctx, err, "workflow state failed fatally", "state", state, "attempt", attempt)
			return stepFatal, err
		}
		if attempt >= p.MaxAttempts {
			return stepExhausted, err
		}

		delay := p.Delay(attempt)
		L.Warn(ctx, "workflow state attempt failed, retrying",
			"state", state,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"retry_in", delay.String(),
			"error", err,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return stepCancelled, context.Cause(ctx)
		case <-timer.C:
		}
	}
}

func (e *Engine) attempt(ctx context.Context, run *Run, state StateName, act Action, p RetryPolicy, attempt int, failed StateName) error {
	ctx, span := tracer.Start(ctx, "workflow.attempt", trace.WithAttributes(
		attribute.String("warden.finding_id", run.FindingID),
		attribute.String("warden.run_id", run.RunID),
		attribute.String("warden.state", string(state)),
		attribute.Int("warden.attempt", attempt),
	))
	defer span.End()

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	key := IdempotencyKey(run.FindingID, state)
	if failed != "" {
		key = IdempotencyKey(run.FindingID, StateName(string(state)+"."+string(failed)))
	}

	start := time.Now()
	err := act.Execute(ctx, Input{
		FindingID:        run.FindingID,
		RunID:            run.RunID,
		State:            state,
		Attempt:          attempt,
		IdempotencyKey:   key,
		Subject:          run.Subject,
		Severity:         run.Severity,
		Category:         run.Category,
		EvidenceLocation: run.EvidenceLocation,
		FailedState:      failed,
	})

	outcome := AttemptSuccess
	if err != nil {
		outcome = AttemptRetry
		if IsFatal(err) {
			outcome = AttemptFatal
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if e.hooks.OnAttempt != nil {
		e.hooks.OnAttempt(state, outcome, time.Since(start).Seconds())
	}
	return err
}

// persist writes the run with its own bounded retry. Store writes outlive
// operator cancellation so the terminal state is always recorded.
func (e *Engine) persist(ctx context.Context, run *Run) error {
	run.UpdatedAt = e.now()
	snapshot := run.Clone()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	ctx = context.WithoutCancel(ctx)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := e.store.Update(ctx, snapshot)
		if errors.Is(err, ErrRunTerminal) || errors.Is(err, ErrNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(e.persistTries), backoff.WithMaxElapsedTime(0))
	return err
}

func (e *Engine) cancelled(ctx context.Context, L log.Logger, run *Run, cause error) {
	if errors.Is(cause, errShutdown) {
		e.abort(ctx, L, run, cause)
		return
	}
	e.finish(ctx, L, run, DeadLettered, cause)
}

// abort leaves the run non-terminal in the store. A redelivery, the resume
// sweep or the next start picks it up again.
func (e *Engine) abort(ctx context.Context, L log.Logger, run *Run, err error) {
	if errors.Is(err, ErrRunTerminal) {
		L.Warn(ctx, "workflow run finalized elsewhere, stopping", "state", run.CurrentState)
		return
	}
	L.Error(ctx, err, "workflow run interrupted", "state", run.CurrentState)
}

func (e *Engine) finish(ctx context.Context, L log.Logger, run *Run, terminal TerminalState, cause error) {
	now := e.now()
	run.TerminalState = terminal
	run.CompletedAt = now
	if cause != nil {
		run.LastError = cause.Error()
	}
	if err := e.persist(ctx, run); err != nil {
		e.abort(ctx, L, run, err)
		return
	}

	kv := []any{
		"terminal_state", terminal,
		"state", run.CurrentState,
		"duration", run.CompletedAt.Sub(run.StartedAt).String(),
	}
	if terminal == Succeeded {
		L.Info(ctx, "workflow run finished", kv...)
	} else {
		L.Warn(ctx, "workflow run finished", append(kv, "error", run.LastError)...)
	}
	e.completed(run)
	e.emit(context.WithoutCancel(ctx), run)
}

func (e *Engine) completed(run *Run) {
	if e.hooks.OnComplete != nil {
		e.hooks.OnComplete(run.TerminalState, run.CompletedAt.Sub(run.StartedAt).Seconds())
	}
}

// emit reports a terminal run. None of these can change the run.
func (e *Engine) emit(ctx context.Context, run *Run) {
	o := e.outcomes
	if o.NotifyQueue != nil && o.Notifier != nil {
		msg := outcomeMessage(run)
		o.NotifyQueue.Enqueue(ctx, dispatchNotify(run, msg, o.Notifier))
	}
	if run.TerminalState != Succeeded && o.ReconcileQueue != nil && o.Registry != nil {
		status := registry.StatusCompensated
		if run.TerminalState == DeadLettered {
			status = registry.StatusDeadLettered
		}
		enqueueStatus(ctx, o.ReconcileQueue, o.Registry, run.FindingID, run.RunID, status)
	}
	if run.TerminalState == DeadLettered && o.DeadLetters != nil {
		o.DeadLetters.Capture(ctx, deadletter.Entry{
			Kind:      deadletter.KindWorkflow,
			FindingID: run.FindingID,
			RunID:     run.RunID,
			Reason:    fmt.Sprintf("workflow run dead-lettered in state %s", run.CurrentState),
			LastError: run.LastError,
		})
	}
}
