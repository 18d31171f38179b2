package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/warden/internal/deadletter"
	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/evidence"
	evmem "github.com/linnemanlabs/warden/internal/evidence/memstore"
	"github.com/linnemanlabs/warden/internal/finding"
	"github.com/linnemanlabs/warden/internal/notify"
	"github.com/linnemanlabs/warden/internal/registry"
	"github.com/linnemanlabs/warden/internal/subject"
	"github.com/linnemanlabs/warden/internal/workflow"
	"github.com/linnemanlabs/warden/internal/workflow/memstore"
)

// inlineQueue runs dispatched jobs synchronously.
type inlineQueue struct{}

func (inlineQueue) Enqueue(ctx context.Context, job dispatch.Job) {
	_ = job.Do(ctx)
}

type mockNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (m *mockNotifier) Publish(_ context.Context, msg *notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, *msg)
	return nil
}

func (m *mockNotifier) statuses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.msgs))
	for i, msg := range m.msgs {
		out[i] = msg.Status
	}
	return out
}

type mockRecorder struct {
	mu      sync.Mutex
	entries []deadletter.Entry
}

func (m *mockRecorder) Capture(_ context.Context, e deadletter.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *mockRecorder) all() []deadletter.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]deadletter.Entry(nil), m.entries...)
}

// mockSubjects fails actions according to fail, keyed by action name.
type mockSubjects struct {
	mu    sync.Mutex
	calls []subject.ActionSpec
	fail  func(spec subject.ActionSpec, n int) error
}

func (m *mockSubjects) ApplyAction(ctx context.Context, _ finding.Subject, spec subject.ActionSpec) error {
	m.mu.Lock()
	m.calls = append(m.calls, spec)
	n := 0
	for _, c := range m.calls {
		if c.Name == spec.Name {
			n++
		}
	}
	fail := m.fail
	m.mu.Unlock()
	if fail == nil {
		return nil
	}
	return fail(spec, n)
}

func (m *mockSubjects) count(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Name == action {
			n++
		}
	}
	return n
}

func (m *mockSubjects) keys(action string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		if c.Name == action {
			out = append(out, c.IdempotencyKey)
		}
	}
	return out
}

type harness struct {
	engine   *workflow.Engine
	store    *memstore.Store
	evidence *evmem.Store
	subjects *mockSubjects
	notifier *mockNotifier
	registry *registry.Memory
	dl       *mockRecorder
	metrics  *workflow.Metrics
}

func fastPolicy() workflow.RetryPolicy {
	return workflow.RetryPolicy{
		BaseInterval: time.Millisecond,
		BackoffRate:  2,
		MaxAttempts:  3,
		Timeout:      time.Second,
	}
}

func newHarness(t *testing.T, p workflow.RetryPolicy) *harness {
	t.Helper()
	return newHarnessWithStore(t, p, nil)
}

// newHarnessWithStore builds the engine over wrap(h.store) when wrap is set.
func newHarnessWithStore(t *testing.T, p workflow.RetryPolicy, wrap func(*memstore.Store) workflow.Store) *harness {
	t.Helper()
	h := &harness{
		store:    memstore.New(),
		evidence: evmem.New(),
		subjects: &mockSubjects{},
		notifier: &mockNotifier{},
		registry: registry.NewMemory(log.Nop()),
		dl:       &mockRecorder{},
		metrics:  workflow.NewMetrics(prometheus.NewRegistry()),
	}
	graph := workflow.RemediationGraph(workflow.Collaborators{
		Evidence:       h.evidence,
		Subjects:       h.subjects,
		Notifier:       h.notifier,
		NotifyQueue:    inlineQueue{},
		Registry:       h.registry,
		ReconcileQueue: inlineQueue{},
	}, workflow.Policies{Default: p})
	var store workflow.Store = h.store
	if wrap != nil {
		store = wrap(h.store)
	}
	h.engine = workflow.NewEngine(store, graph, workflow.Outcomes{
		Notifier:       h.notifier,
		NotifyQueue:    inlineQueue{},
		Registry:       h.registry,
		ReconcileQueue: inlineQueue{},
		DeadLetters:    h.dl,
	}, log.Nop(), h.metrics.Hooks())
	return h
}

func f1() *finding.Finding {
	return &finding.Finding{
		ID:         "f1",
		Severity:   8.5,
		Category:   "SSHBruteForce",
		Subject:    finding.Subject{Type: finding.SubjectInstance, ID: "i-1"},
		RawPayload: []byte(`{"id":"f1"}`),
		ReceivedAt: time.Now(),
	}
}

// capture commits evidence the way the triage step does before handoff.
func (h *harness) capture(t *testing.T, f *finding.Finding) workflow.Handoff {
	t.Helper()
	rec, _, err := h.evidence.PutIfAbsent(context.Background(), evidence.NewRecord(f.ID, f.RawPayload, time.Now()), f.RawPayload)
	if err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	return workflow.Handoff{Finding: f, Evidence: rec}
}

func (h *harness) startAndWait(t *testing.T, ho workflow.Handoff) *workflow.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	handle, err := h.engine.Start(ctx, ho)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := handle.Wait(ctx); err != nil {
		t.Fatalf("run did not finish: %v", err)
	}
	run, ok, err := h.engine.Get(ctx, handle.RunID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	return run
}

func TestEngine_HappyPathSucceeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastPolicy())

	run := h.startAndWait(t, h.capture(t, f1()))

	if run.TerminalState != workflow.Succeeded {
		t.Fatalf("terminal = %s (%s), want SUCCEEDED", run.TerminalState, run.LastError)
	}
	if run.CurrentState != workflow.StateReconcileStatus {
		t.Errorf("final state = %s, want ReconcileStatus", run.CurrentState)
	}
	for _, s := range []workflow.StateName{
		workflow.StateCaptureConfirmed, workflow.StateIsolateSubject,
		workflow.StateNotify, workflow.StateReconcileStatus,
	} {
		if run.Attempts[s] != 1 {
			t.Errorf("attempts[%s] = %d, want 1", s, run.Attempts[s])
		}
	}
	if run.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}
	if keys := h.subjects.keys(subject.ActionIsolate); len(keys) != 1 || keys[0] != "f1/IsolateSubject" {
		t.Errorf("isolate keys = %v", keys)
	}
	if got := h.notifier.statuses(); len(got) != 2 || got[0] != "REMEDIATING" || got[1] != string(workflow.Succeeded) {
		t.Errorf("notifications = %v", got)
	}
	if st, _ := h.registry.Status("f1"); st != registry.StatusResolved {
		t.Errorf("registry status = %q, want RESOLVED", st)
	}
	if len(h.dl.all()) != 0 {
		t.Errorf("unexpected dead letters: %+v", h.dl.all())
	}
	if got := testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues(string(workflow.Succeeded))); got != 1 {
		t.Errorf("runs_total{SUCCEEDED} = %v, want 1", got)
	}
}

func TestEngine_ExhaustedStateCompensates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastPolicy())
	h.subjects.fail = func(spec subject.ActionSpec, _ int) error {
		if spec.Name == subject.ActionIsolate {
			return fmt.Errorf("%w: ec2 throttled", subject.ErrRetryable)
		}
		return nil
	}

	run := h.startAndWait(t, h.capture(t, f1()))

	if run.TerminalState != workflow.Compensated {
		t.Fatalf("terminal = %s, want COMPENSATED", run.TerminalState)
	}
	if run.Attempts[workflow.StateIsolateSubject] != 3 {
		t.Errorf("isolate attempts = %d, want 3", run.Attempts[workflow.StateIsolateSubject])
	}
	if run.Compensated != workflow.StateIsolateSubject {
		t.Errorf("compensated state = %s", run.Compensated)
	}
	if !strings.Contains(run.LastError, "ec2 throttled") {
		t.Errorf("LastError = %q", run.LastError)
	}
	if h.subjects.count(subject.ActionFlagManualReview) != 1 {
		t.Errorf("flag-manual-review calls = %d, want 1", h.subjects.count(subject.ActionFlagManualReview))
	}
	if len(h.dl.all()) != 0 {
		t.Errorf("compensated run must not be dead-lettered: %+v", h.dl.all())
	}
	if got := h.notifier.statuses(); len(got) != 1 || got[0] != string(workflow.Compensated) {
		t.Errorf("notifications = %v, want one COMPENSATED", got)
	}
	if st, _ := h.registry.Status("f1"); st != registry.StatusCompensated {
		t.Errorf("registry status = %q", st)
	}
}

func TestEngine_CompensationFailureDeadLetters(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastPolicy())
	h.subjects.fail = func(subject.ActionSpec, int) error {
		return fmt.Errorf("%w: service down", subject.ErrRetryable)
	}

	run := h.startAndWait(t, h.capture(t, f1()))

	if run.TerminalState != workflow.DeadLettered {
		t.Fatalf("terminal = %s, want DEAD_LETTERED", run.TerminalState)
	}
	if run.CurrentState != workflow.StateCompensation {
		t.Errorf("state = %s, want Compensation", run.CurrentState)
	}
	if run.Attempts[workflow.StateCompensation] != 3 {
		t.Errorf("compensation attempts = %d, want 3", run.Attempts[workflow.StateCompensation])
	}
	entries := h.dl.all()
	if len(entries) != 1 || entries[0].Kind != deadletter.KindWorkflow || entries[0].RunID != run.RunID {
		t.Fatalf("dead letters = %+v", entries)
	}
	if st, _ := h.registry.Status("f1"); st != registry.StatusDeadLettered {
		t.Errorf("registry status = %q", st)
	}
}

func TestEngine_FatalErrorSkipsCompensation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastPolicy())
	h.subjects.fail = func(spec subject.ActionSpec, _ int) error {
		if spec.Name == subject.ActionIsolate {
			return fmt.Errorf("%w: instance not found", subject.ErrFatal)
		}
		return nil
	}

	run := h.startAndWait(t, h.capture(t, f1()))

	if run.TerminalState != workflow.DeadLettered {
		t.Fatalf("terminal = %s, want DEAD_LETTERED", run.TerminalState)
	}
	if run.Attempts[workflow.StateIsolateSubject] != 1 {
		t.Errorf("isolate attempts = %d, want 1", run.Attempts[workflow.StateIsolateSubject])
	}
	if h.subjects.count(subject.ActionFlagManualReview) != 0 {
		t.Error("fatal error must not run compensation")
	}
	if len(h.dl.all()) != 1 {
		t.Errorf("dead letters = %d, want 1", len(h.dl.all()))
	}
}

func TestEngine_MissingEvidenceIsFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastPolicy())

	run := h.startAndWait(t, workflow.Handoff{Finding: f1()})

	if run.TerminalState != workflow.DeadLettered {
		t.Fatalf("terminal = %s, want DEAD_LETTERED", run.TerminalState)
	}
	if run.CurrentState != workflow.StateCaptureConfirmed {
		t.Errorf("state = %s", run.CurrentState)
	}
	if h.subjects.count(subject.ActionIsolate) != 0 {
		t.Error("isolate ran without evidence")
	}
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastPolicy())
	h.subjects.fail = func(spec subject.ActionSpec, n int) error {
		if spec.Name == subject.ActionIsolate && n < 3 {
			return subject.ErrRetryable
		}
		return nil
	}

	run := h.startAndWait(t, h.capture(t, f1()))

	if run.TerminalState != workflow.Succeeded {
		t.Fatalf("terminal = %s, want SUCCEEDED", run.TerminalState)
	}
	if run.Attempts[workflow.StateIsolateSubject] != 3 {
		t.Errorf("isolate attempts = %d, want 3", run.Attempts[workflow.StateIsolateSubject])
	}
	// every attempt reuses the same key
	for _, k := range h.subjects.keys(subject.ActionIsolate) {
		if k != "f1/IsolateSubject" {
			t.Errorf("key = %q", k)
		}
	}
	if got := testutil.ToFloat64(h.metrics.AttemptsTotal.WithLabelValues(string(workflow.StateIsolateSubject), workflow.AttemptRetry)); got != 2 {
		t.Errorf("retry attempts metric = %v, want 2", got)
	}
}

func TestEngine_TimeoutIsTransient(t *testing.T) {
	t.Parallel()
	p := fastPolicy()
	p.Timeout = 20 * time.Millisecond
	h := newHarness(t, p)

	var calls atomic.Int32
	h.subjects.fail = func(spec subject.ActionSpec, _ int) error {
		if spec.Name == subject.ActionIsolate && calls.Add(1) == 1 {
			time.Sleep(50 * time.Millisecond)
			return context.DeadlineExceeded
		}
		return nil
	}

	run := h.startAndWait(t, h.capture(t, f1()))
	if run.TerminalState != workflow.Succeeded {
		t.Fatalf("terminal = %s (%s), want SUCCEEDED", run.TerminalState, run.LastError)
	}
	if run.Attempts[workflow.StateIsolateSubject] != 2 {
		t.Errorf("isolate attempts = %d, want 2", run.Attempts[workflow.StateIsolateSubject])
	}
}

func TestEngine_ReplayDoesNotCreateSecondRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastPolicy())
	ho := h.capture(t, f1())

	first := h.startAndWait(t, ho)
	if first.TerminalState != workflow.Succeeded {
		t.Fatalf("first terminal = %s", first.TerminalState)
	}

	handle, err := h.engine.Start(context.Background(), ho)
	if err != nil {
		t.Fatalf("replay Start: %v", err)
	}
	if handle.Created {
		t.Error("replay created a new run")
	}
	if handle.RunID != first.RunID {
		t.Errorf("replay RunID = %s, want %s", handle.RunID, first.RunID)
	}
	select {
	case <-handle.Done():
	default:
		t.Error("handle to a finished run should be done")
	}
	h.engine.Wait()

	after, _, _ := h.engine.Get(context.Background(), first.RunID)
	if !after.UpdatedAt.Equal(first.UpdatedAt) || after.TerminalState != first.TerminalState {
		t.Errorf("terminal record mutated: before %+v after %+v", first, after)
	}
	if h.subjects.count(subject.ActionIsolate) != 1 {
		t.Errorf("isolate ran %d times, want 1", h.subjects.count(subject.ActionIsolate))
	}
}

func TestEngine_ConcurrentStartOneRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastPolicy())
	ho := h.capture(t, f1())

	var wg sync.WaitGroup
	var created atomic.Int32
	runIDs := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := h.engine.Start(context.Background(), ho)
			if err != nil {
				t.Error(err)
				return
			}
			if handle.Created {
				created.Add(1)
			}
			runIDs <- handle.RunID
		}()
	}
	wg.Wait()
	close(runIDs)
	h.engine.Wait()

	if created.Load() != 1 {
		t.Errorf("created = %d, want 1", created.Load())
	}
	var first string
	for id := range runIDs {
		if first == "" {
			first = id
		}
		if id != first {
			t.Errorf("run ids differ: %s vs %s", id, first)
		}
	}
	if h.subjects.count(subject.ActionIsolate) != 1 {
		t.Errorf("isolate ran %d times, want 1", h.subjects.count(subject.ActionIsolate))
	}
}

func TestEngine_ForceDeadLetterCancelsBackoffWait(t *testing.T) {
	t.Parallel()
	p := fastPolicy()
	p.BaseInterval = time.Hour
	h := newHarness(t, p)

	failed := make(chan struct{}, 1)
	h.subjects.fail = func(spec subject.ActionSpec, _ int) error {
		if spec.Name == subject.ActionIsolate {
			select {
			case failed <- struct{}{}:
			default:
			}
			return subject.ErrRetryable
		}
		return nil
	}

	handle, err := h.engine.Start(context.Background(), h.capture(t, f1()))
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("isolate never attempted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := h.engine.ForceDeadLetter(ctx, handle.RunID, "analyst confirmed false positive"); err != nil {
		t.Fatalf("ForceDeadLetter: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("ForceDeadLetter waited out the backoff")
	}

	run, _, _ := h.engine.Get(ctx, handle.RunID)
	if run.TerminalState != workflow.DeadLettered {
		t.Fatalf("terminal = %s", run.TerminalState)
	}
	if !strings.Contains(run.LastError, "analyst confirmed false positive") {
		t.Errorf("LastError = %q", run.LastError)
	}
	if h.subjects.count(subject.ActionFlagManualReview) != 0 {
		t.Error("operator dead-letter must not compensate")
	}
	if len(h.dl.all()) != 1 {
		t.Errorf("dead letters = %d, want 1", len(h.dl.all()))
	}

	if err := h.engine.ForceDeadLetter(ctx, handle.RunID, "again"); !errors.Is(err, workflow.ErrRunTerminal) {
		t.Errorf("second ForceDeadLetter = %v, want ErrRunTerminal", err)
	}
	if err := h.engine.ForceDeadLetter(ctx, "nope", "x"); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("missing ForceDeadLetter = %v, want ErrNotFound", err)
	}
}

func TestEngine_ForceDeadLetterIdleRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastPolicy())
	ctx := context.Background()

	// a run persisted by a previous process and not yet resumed
	now := time.Now()
	_, _, err := h.store.CreateIfAbsent(ctx, &workflow.Run{
		FindingID:    "f9",
		RunID:        "run-f9",
		CurrentState: workflow.StateIsolateSubject,
		Attempts:     map[workflow.StateName]int{workflow.StateCaptureConfirmed: 1, workflow.StateIsolateSubject: 1},
		StartedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.engine.ForceDeadLetter(ctx, "run-f9", "stale"); err != nil {
		t.Fatalf("ForceDeadLetter: %v", err)
	}
	run, _, _ := h.store.Get(ctx, "run-f9")
	if run.TerminalState != workflow.DeadLettered || run.CompletedAt.IsZero() {
		t.Errorf("run = %+v", run)
	}
	if n, _ := h.engine.Resume(ctx); n != 0 {
		t.Errorf("Resume relaunched %d runs, want 0", n)
	}
}

func TestEngine_ResumeContinuesFromPersistedState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastPolicy())
	ctx := context.Background()
	ho := h.capture(t, f1())

	now := time.Now()
	_, _, err := h.store.CreateIfAbsent(ctx, &workflow.Run{
		FindingID:        "f1",
		RunID:            "run-f1",
		CurrentState:     workflow.StateIsolateSubject,
		Attempts:         map[workflow.StateName]int{workflow.StateCaptureConfirmed: 1, workflow.StateIsolateSubject: 2},
		StartedAt:        now,
		UpdatedAt:        now,
		EvidenceLocation: ho.Evidence.StorageLocation,
		Subject:          ho.Finding.Subject,
		Severity:         ho.Finding.Severity,
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := h.engine.Resume(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Resume = %d, %v", n, err)
	}
	h.engine.Wait()

	run, _, _ := h.store.Get(ctx, "run-f1")
	if run.TerminalState != workflow.Succeeded {
		t.Fatalf("terminal = %s", run.TerminalState)
	}
	if run.Attempts[workflow.StateCaptureConfirmed] != 1 {
		t.Errorf("completed state re-executed: attempts %v", run.Attempts)
	}
	if run.Attempts[workflow.StateIsolateSubject] != 3 {
		t.Errorf("isolate attempts = %d, want 3", run.Attempts[workflow.StateIsolateSubject])
	}
}

func TestEngine_ResumeRespectsSpentBudget(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastPolicy())
	ctx := context.Background()

	now := time.Now()
	_, _, err := h.store.CreateIfAbsent(ctx, &workflow.Run{
		FindingID:    "f1",
		RunID:        "run-f1",
		CurrentState: workflow.StateIsolateSubject,
		Attempts:     map[workflow.StateName]int{workflow.StateCaptureConfirmed: 1, workflow.StateIsolateSubject: 3},
		StartedAt:    now,
		UpdatedAt:    now,
		LastError:    "throttled",
		Subject:      finding.Subject{Type: finding.SubjectInstance, ID: "i-1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.engine.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	h.engine.Wait()

	run, _, _ := h.store.Get(ctx, "run-f1")
	if run.TerminalState != workflow.Compensated {
		t.Fatalf("terminal = %s, want COMPENSATED", run.TerminalState)
	}
	if h.subjects.count(subject.ActionIsolate) != 0 {
		t.Error("isolate ran past its budget")
	}
}

func TestEngine_ShutdownLeavesRunsResumable(t *testing.T) {
	t.Parallel()
	p := fastPolicy()
	p.BaseInterval = time.Hour
	h := newHarness(t, p)

	failed := make(chan struct{}, 1)
	h.subjects.fail = func(spec subject.ActionSpec, _ int) error {
		if spec.Name == subject.ActionIsolate {
			select {
			case failed <- struct{}{}:
			default:
			}
			return subject.ErrRetryable
		}
		return nil
	}

	handle, err := h.engine.Start(context.Background(), h.capture(t, f1()))
	if err != nil {
		t.Fatal(err)
	}
	<-failed

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.engine.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown = %v, want DeadlineExceeded", err)
	}

	run, _, _ := h.store.Get(context.Background(), handle.RunID)
	if run.Terminal() {
		t.Errorf("interrupted run became terminal: %s", run.TerminalState)
	}
	if _, err := h.engine.Start(context.Background(), workflow.Handoff{Finding: f1()}); !errors.Is(err, workflow.ErrEngineClosed) {
		t.Errorf("Start after Shutdown = %v, want ErrEngineClosed", err)
	}
}

// flakyUpdates fails the first failN calls to Update, as a database
// outage would.
type flakyUpdates struct {
	*memstore.Store
	failN int32
	calls atomic.Int32
}

func (f *flakyUpdates) Update(ctx context.Context, run *workflow.Run) error {
	if f.calls.Add(1) <= f.failN {
		return errors.New("connection reset by peer")
	}
	return f.Store.Update(ctx, run)
}

// abandonRun starts f1 over a store whose first persistTries writes fail,
// and waits for the goroutine to give up.
func abandonRun(t *testing.T) (*harness, workflow.Handoff, string) {
	t.Helper()
	h := newHarnessWithStore(t, fastPolicy(), func(m *memstore.Store) workflow.Store {
		return &flakyUpdates{Store: m, failN: 5}
	})
	ho := h.capture(t, f1())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	handle, err := h.engine.Start(ctx, ho)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := handle.Wait(ctx); err != nil {
		t.Fatalf("goroutine did not give up: %v", err)
	}
	run, _, _ := h.store.Get(ctx, handle.RunID)
	if run.Terminal() {
		t.Fatalf("run terminal = %s, want abandoned mid-run", run.TerminalState)
	}
	return h, ho, handle.RunID
}

func TestEngine_RedeliveryRevivesAbandonedRun(t *testing.T) {
	t.Parallel()
	h, ho, runID := abandonRun(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	handle, err := h.engine.Start(ctx, ho)
	if err != nil {
		t.Fatalf("redelivery Start: %v", err)
	}
	if handle.Created || handle.RunID != runID {
		t.Errorf("handle = %+v, want existing run %s", handle, runID)
	}
	if err := handle.Wait(ctx); err != nil {
		t.Fatalf("revived run did not finish: %v", err)
	}

	run, _, _ := h.store.Get(ctx, runID)
	if run.TerminalState != workflow.Succeeded {
		t.Fatalf("terminal = %q (%s), want SUCCEEDED", run.TerminalState, run.LastError)
	}
	if got := h.notifier.statuses(); len(got) == 0 || got[len(got)-1] != string(workflow.Succeeded) {
		t.Errorf("notifications = %v, want final SUCCEEDED", got)
	}
}

func TestEngine_RunSweepRevivesAbandonedRun(t *testing.T) {
	t.Parallel()
	h, _, runID := abandonRun(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go h.engine.Run(ctx, 5*time.Millisecond)

	for {
		run, _, _ := h.store.Get(ctx, runID)
		if run.TerminalState == workflow.Succeeded {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("sweep did not finish the run: state=%s terminal=%q", run.CurrentState, run.TerminalState)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	h.engine.Wait()

	if n, err := h.engine.Resume(context.Background()); err != nil || n != 0 {
		t.Errorf("Resume after completion = %d, %v, want 0", n, err)
	}
}

func TestEngine_ResumeSkipsExecutingRuns(t *testing.T) {
	t.Parallel()
	p := fastPolicy()
	p.BaseInterval = time.Hour
	h := newHarness(t, p)

	failed := make(chan struct{}, 1)
	h.subjects.fail = func(spec subject.ActionSpec, _ int) error {
		if spec.Name == subject.ActionIsolate {
			select {
			case failed <- struct{}{}:
			default:
			}
			return subject.ErrRetryable
		}
		return nil
	}
	handle, err := h.engine.Start(context.Background(), h.capture(t, f1()))
	if err != nil {
		t.Fatal(err)
	}
	<-failed

	if n, err := h.engine.Resume(context.Background()); err != nil || n != 0 {
		t.Errorf("Resume = %d, %v, want 0 for an executing run", n, err)
	}
	if err := h.engine.ForceDeadLetter(context.Background(), handle.RunID, "test cleanup"); err != nil {
		t.Fatal(err)
	}
	h.engine.Wait()
}

func TestNewEngine_PanicsOnInvalidGraph(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	workflow.NewEngine(memstore.New(), &workflow.Graph{}, workflow.Outcomes{}, nil, workflow.Hooks{})
}
