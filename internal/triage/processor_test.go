package triage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/warden/internal/evidence"
	evmem "github.com/linnemanlabs/warden/internal/evidence/memstore"
	"github.com/linnemanlabs/warden/internal/finding"
	"github.com/linnemanlabs/warden/internal/subject"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// mockStarter records handoffs and returns a fixed handle.
type mockStarter struct {
	mu       sync.Mutex
	handoffs []workflow.Handoff
	err      error
}

func (m *mockStarter) Start(_ context.Context, h workflow.Handoff) (*workflow.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.handoffs = append(m.handoffs, h)
	return &workflow.Handle{RunID: "run-" + h.Finding.ID, FindingID: h.Finding.ID, Created: len(m.handoffs) == 1}, nil
}

// flakyEvidence fails the first failN calls to PutIfAbsent.
type flakyEvidence struct {
	*evmem.Store
	mu    sync.Mutex
	failN int
	calls int
}

func (f *flakyEvidence) PutIfAbsent(ctx context.Context, rec evidence.Record, blob []byte) (evidence.Record, bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failN
	f.mu.Unlock()
	if fail {
		return evidence.Record{}, false, evidence.ErrUnavailable
	}
	return f.Store.PutIfAbsent(ctx, rec, blob)
}

type failingSubjects struct{}

func (failingSubjects) ApplyAction(context.Context, finding.Subject, subject.ActionSpec) error {
	return subject.ErrRetryable
}

type mockEnricher struct {
	out json.RawMessage
	err error
}

func (m mockEnricher) Enrich(context.Context, *finding.Finding) (json.RawMessage, error) {
	return m.out, m.err
}

func testFinding(id string, sev float64) *finding.Finding {
	return &finding.Finding{
		ID:         id,
		Severity:   sev,
		Category:   "SSHBruteForce",
		Subject:    finding.Subject{Type: finding.SubjectInstance, ID: "i-1"},
		RawPayload: json.RawMessage(`{"id":"` + id + `"}`),
		ReceivedAt: time.Now(),
	}
}

func TestTriage_CapturesEvidenceAndHandsOff(t *testing.T) {
	t.Parallel()

	ev := evmem.New()
	dry := subject.NewDryRun(log.Nop())
	starter := &mockStarter{}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	p := NewProcessor(ev, dry, starter, nil, log.Nop(), m.Hooks())

	h, err := p.Triage(context.Background(), testFinding("f1", 8.5))
	if err != nil {
		t.Fatalf("Triage: %v", err)
	}
	if h.RunID != "run-f1" {
		t.Errorf("RunID = %q", h.RunID)
	}

	rec, ok, _ := ev.Get(context.Background(), "f1")
	if !ok {
		t.Fatal("no evidence record")
	}
	if len(starter.handoffs) != 1 || starter.handoffs[0].Evidence != rec {
		t.Errorf("handoff evidence = %+v, want %+v", starter.handoffs, rec)
	}

	f := starter.handoffs[0].Finding
	if rec.ContentHash != evidence.Hash(f.RawPayload) {
		t.Errorf("content hash %s is not the hash of the raw payload %s", rec.ContentHash, evidence.Hash(f.RawPayload))
	}
	blob, _ := ev.Blob("f1")
	var doc evidenceDoc
	if err := json.Unmarshal(blob, &doc); err != nil {
		t.Fatalf("evidence blob: %v", err)
	}
	if string(doc.Raw) != `{"id":"f1"}` {
		t.Errorf("raw payload = %s", doc.Raw)
	}

	applied := dry.Applied()
	if len(applied) != 1 || applied[0].Spec.Name != subject.ActionTag {
		t.Fatalf("applied = %+v", applied)
	}
	if applied[0].Spec.Tags[subject.TagFinding] != "f1" || applied[0].Spec.Tags[subject.TagQuarantined] != subject.QuarantinePending {
		t.Errorf("tags = %v", applied[0].Spec.Tags)
	}
	if got := testutil.ToFloat64(m.EvidenceWritesTotal.WithLabelValues(EvidenceCreated)); got != 1 {
		t.Errorf("evidence created = %v, want 1", got)
	}
}

func TestTriage_RedeliveryReusesEvidence(t *testing.T) {
	t.Parallel()

	ev := evmem.New()
	starter := &mockStarter{}
	p := NewProcessor(ev, subject.NewDryRun(nil), starter, nil, log.Nop(), Hooks{})

	for i := 0; i < 3; i++ {
		if _, err := p.Triage(context.Background(), testFinding("f1", 8.5)); err != nil {
			t.Fatalf("Triage #%d: %v", i, err)
		}
	}
	if ev.Writes() != 1 {
		t.Errorf("evidence writes = %d, want 1", ev.Writes())
	}
	first := starter.handoffs[0].Evidence
	for _, h := range starter.handoffs[1:] {
		if h.Evidence != first {
			t.Errorf("redelivery evidence = %+v, want %+v", h.Evidence, first)
		}
	}
}

func TestTriage_RedeliveryDoesNotRetag(t *testing.T) {
	t.Parallel()

	dry := subject.NewDryRun(nil)
	p := NewProcessor(evmem.New(), dry, &mockStarter{}, nil, log.Nop(), Hooks{})

	for i := range 3 {
		if _, err := p.Triage(context.Background(), testFinding("f1", 8.5)); err != nil {
			t.Fatalf("Triage #%d: %v", i, err)
		}
	}
	if n := len(dry.Applied()); n != 1 {
		t.Errorf("tag actions = %d, want 1 (first capture only)", n)
	}
}

func TestTriage_ContentHashCoversRawPayloadOnly(t *testing.T) {
	t.Parallel()

	plain := testFinding("f1", 8.5)
	late := testFinding("f1", 8.5)
	late.ReceivedAt = plain.ReceivedAt.Add(time.Hour)

	evA, evB := evmem.New(), evmem.New()
	pA := NewProcessor(evA, subject.NewDryRun(nil), &mockStarter{}, nil, log.Nop(), Hooks{})
	pB := NewProcessor(evB, subject.NewDryRun(nil), &mockStarter{},
		mockEnricher{out: json.RawMessage(`{"lines":["sshd: failed password"]}`)}, log.Nop(), Hooks{})

	if _, err := pA.Triage(context.Background(), plain); err != nil {
		t.Fatal(err)
	}
	if _, err := pB.Triage(context.Background(), late); err != nil {
		t.Fatal(err)
	}

	recA, _, _ := evA.Get(context.Background(), "f1")
	recB, _, _ := evB.Get(context.Background(), "f1")
	want := evidence.Hash(plain.RawPayload)
	if recA.ContentHash != want || recB.ContentHash != want {
		t.Errorf("content hashes = %s, %s, want %s for both", recA.ContentHash, recB.ContentHash, want)
	}
	blobA, _ := evA.Blob("f1")
	blobB, _ := evB.Blob("f1")
	if string(blobA) == string(blobB) {
		t.Error("evidence blobs should differ by arrival time and enrichment")
	}
}

func TestTriage_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		finding  *finding.Finding
		evidence evidence.Store
		starter  *mockStarter
		wantKind Kind
	}{
		{
			name:     "missing subject",
			finding:  &finding.Finding{ID: "f1", Severity: 8, RawPayload: []byte(`{}`)},
			evidence: evmem.New(),
			starter:  &mockStarter{},
			wantKind: KindMalformedFinding,
		},
		{
			name:     "nil finding",
			evidence: evmem.New(),
			starter:  &mockStarter{},
			wantKind: KindMalformedFinding,
		},
		{
			name:     "evidence store down",
			finding:  testFinding("f1", 8),
			evidence: &flakyEvidence{Store: evmem.New(), failN: 1},
			starter:  &mockStarter{},
			wantKind: KindStorageUnavailable,
		},
		{
			name:     "run store down",
			finding:  testFinding("f1", 8),
			evidence: evmem.New(),
			starter:  &mockStarter{err: errors.New("connection refused")},
			wantKind: KindStorageUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := NewProcessor(tt.evidence, subject.NewDryRun(nil), tt.starter, nil, log.Nop(), Hooks{})
			_, err := p.Triage(context.Background(), tt.finding)
			if !IsKind(err, tt.wantKind) {
				t.Errorf("err = %v, want kind %s", err, tt.wantKind)
			}
		})
	}
}

func TestTriage_EngineClosedIsNotRetryable(t *testing.T) {
	t.Parallel()

	p := NewProcessor(evmem.New(), subject.NewDryRun(nil), &mockStarter{err: workflow.ErrEngineClosed}, nil, log.Nop(), Hooks{})
	_, err := p.Triage(context.Background(), testFinding("f1", 8))
	if !errors.Is(err, workflow.ErrEngineClosed) {
		t.Fatalf("err = %v, want ErrEngineClosed", err)
	}
	if isRetryable(err) {
		t.Error("engine closed should not be retried")
	}
}

func TestTriage_SubjectFailureDegrades(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	starter := &mockStarter{}
	p := NewProcessor(evmem.New(), failingSubjects{}, starter, nil, log.Nop(), m.Hooks())

	if _, err := p.Triage(context.Background(), testFinding("f1", 8)); err != nil {
		t.Fatalf("Triage: %v", err)
	}
	if len(starter.handoffs) != 1 {
		t.Error("pipeline stopped on tagging failure")
	}
	if got := testutil.ToFloat64(m.SubjectDegradedTotal); got != 1 {
		t.Errorf("degraded = %v, want 1", got)
	}
}

func TestTriage_Enrichment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		enricher    Enricher
		wantContext string
	}{
		{"attached", mockEnricher{out: json.RawMessage(`{"logs":["sshd: failed password"]}`)}, `{"logs":["sshd: failed password"]}`},
		{"failure ignored", mockEnricher{err: errors.New("loki down")}, ""},
		{"nothing to attach", mockEnricher{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := evmem.New()
			p := NewProcessor(ev, subject.NewDryRun(nil), &mockStarter{}, tt.enricher, log.Nop(), Hooks{})
			if _, err := p.Triage(context.Background(), testFinding("f1", 8)); err != nil {
				t.Fatalf("Triage: %v", err)
			}
			blob, _ := ev.Blob("f1")
			var doc evidenceDoc
			if err := json.Unmarshal(blob, &doc); err != nil {
				t.Fatal(err)
			}
			if string(doc.Context) != tt.wantContext {
				t.Errorf("context = %s, want %s", doc.Context, tt.wantContext)
			}
		})
	}
}

func TestNewProcessor_PanicsOnMissingDeps(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewProcessor(nil, subject.NewDryRun(nil), &mockStarter{}, nil, nil, Hooks{})
}
