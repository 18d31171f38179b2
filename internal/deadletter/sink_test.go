package deadletter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/warden/internal/deadletter"
	"github.com/linnemanlabs/warden/internal/deadletter/memstore"
)

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

// blockingStore blocks every Append until released.
type blockingStore struct {
	*memstore.Store
	release chan struct{}
}

func (b *blockingStore) Append(ctx context.Context, e deadletter.Entry) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.Store.Append(ctx, e)
}

func TestCapture_FillsIDAndTimestamp(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	s := deadletter.NewSink(store, 10, log.Nop())
	ctx := context.Background()

	s.Capture(ctx, deadletter.Entry{Kind: deadletter.KindFinding, FindingID: "f1", Reason: "malformed"})
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, _ := store.List(ctx, "f1")
	if len(got) != 1 {
		t.Fatalf("durable entries = %d, want 1", len(got))
	}
	if got[0].ID == "" {
		t.Error("expected entry id to be assigned")
	}
	if got[0].FailedAt.IsZero() {
		t.Error("expected FailedAt to be set")
	}
}

func TestCapture_NeverBlocksOnSlowStore(t *testing.T) {
	t.Parallel()

	store := &blockingStore{Store: memstore.New(), release: make(chan struct{})}
	s := deadletter.NewSink(store, 4, log.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Capture(ctx, deadletter.Entry{Kind: deadletter.KindWorkflow, FindingID: "f1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Capture blocked on an unavailable store")
	}
	close(store.release)
}

func TestCapture_OverflowDropsAndCounts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := deadletter.NewMetrics(reg)
	s := deadletter.NewSink(memstore.New(), 2, log.Nop(), deadletter.WithHooks(m.Hooks()))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Capture(ctx, deadletter.Entry{Kind: deadletter.KindNotify, FindingID: "f1"})
	}

	if s.Pending() != 2 {
		t.Errorf("Pending = %d, want 2", s.Pending())
	}
	if got := testutil.ToFloat64(m.DroppedTotal.WithLabelValues("notify")); got != 3 {
		t.Errorf("dropped = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.EntriesTotal.WithLabelValues("notify")); got != 2 {
		t.Errorf("captured = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BufferedDepth); got != 2 {
		t.Errorf("depth = %v, want 2", got)
	}
}

func TestFlush_RetriesIndependently(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	store.FailNext(2, errors.New("disk full"))
	s := deadletter.NewSink(store, 10, log.Nop(), deadletter.WithAppendRetry(3, zeroBackOff))
	ctx := context.Background()

	s.Capture(ctx, deadletter.Entry{Kind: deadletter.KindFinding, FindingID: "f1"})
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", s.Pending())
	}
	got, _ := store.List(ctx, "f1")
	if len(got) != 1 {
		t.Errorf("durable = %d, want 1", len(got))
	}
}

func TestFlush_ExhaustedKeepsEntryBuffered(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	store.FailNext(10, errors.New("unavailable"))
	s := deadletter.NewSink(store, 10, log.Nop(), deadletter.WithAppendRetry(2, zeroBackOff))
	ctx := context.Background()

	s.Capture(ctx, deadletter.Entry{Kind: deadletter.KindFinding, FindingID: "f1", Reason: "r"})
	if err := s.Flush(ctx); err == nil {
		t.Fatal("expected flush error")
	}
	if s.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", s.Pending())
	}

	// still queryable while buffered
	list, err := s.List(ctx, "f1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Reason != "r" {
		t.Errorf("List = %+v", list)
	}
}

func TestList_MergesDurableAndPending(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	s := deadletter.NewSink(store, 10, log.Nop())
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.Capture(ctx, deadletter.Entry{Kind: deadletter.KindFinding, FindingID: "f1", FailedAt: base})
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	s.Capture(ctx, deadletter.Entry{Kind: deadletter.KindNotify, FindingID: "f1", FailedAt: base.Add(time.Minute)})
	s.Capture(ctx, deadletter.Entry{Kind: deadletter.KindNotify, FindingID: "f2", FailedAt: base.Add(time.Minute)})

	got, err := s.List(ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("List(f1) = %d, want 2", len(got))
	}
	if got[0].Kind != deadletter.KindFinding || got[1].Kind != deadletter.KindNotify {
		t.Errorf("unexpected order: %+v", got)
	}

	all, _ := s.List(ctx, "")
	if len(all) != 3 {
		t.Errorf("List all = %d, want 3", len(all))
	}
}

func TestClose_Drains(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	s := deadletter.NewSink(store, 10, log.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Capture(context.Background(), deadletter.Entry{Kind: deadletter.KindWorkflow, FindingID: "f1"})
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Close(ctx)

	got, _ := store.List(context.Background(), "f1")
	if len(got) != 5 {
		t.Errorf("durable after close = %d, want 5", len(got))
	}
}

func TestRun_FlushesOnCapture(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	s := deadletter.NewSink(store, 10, log.Nop(), deadletter.WithFlushInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Capture(ctx, deadletter.Entry{Kind: deadletter.KindFinding, FindingID: "f1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := store.List(ctx, "f1"); len(got) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("entry was not flushed")
}
