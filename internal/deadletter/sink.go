package deadletter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
)

// ErrBufferFull is logged when an entry cannot be buffered.
var ErrBufferFull = errors.New("dead-letter buffer full")

const (
	DefaultBufferSize    = 1024
	defaultFlushInterval = 5 * time.Second
	defaultAppendTries   = 5
)

// Hooks receives sink events. All fields are optional.
type Hooks struct {
	OnCaptured func(kind Kind)
	OnDropped  func(kind Kind)
	OnFlushed  func(n int)
	OnDepth    func(depth int)
}

// Sink buffers entries in memory and flushes them to a Store on its own
// retry schedule, so a slow or unavailable store never blocks the pipeline.
type Sink struct {
	store  Store
	logger log.Logger
	hooks  Hooks

	mu      sync.Mutex
	pending []Entry
	size    int

	flushMu       sync.Mutex
	wake          chan struct{}
	flushInterval time.Duration
	appendTries   uint
	newBackOff    func() backoff.BackOff
	now           func() time.Time
}

// Option configures a Sink.
type Option func(*Sink)

// WithHooks sets the event hooks.
func WithHooks(h Hooks) Option {
	return func(s *Sink) { s.hooks = h }
}

// WithFlushInterval sets how often Run retries pending entries without a new capture.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithAppendRetry sets the per-entry retry budget and backoff used when flushing.
func WithAppendRetry(tries uint, newBackOff func() backoff.BackOff) Option {
	return func(s *Sink) {
		if tries > 0 {
			s.appendTries = tries
		}
		if newBackOff != nil {
			s.newBackOff = newBackOff
		}
	}
}

// NewSink creates a sink with a pending buffer of the given size.
func NewSink(store Store, size int, logger log.Logger, opts ...Option) *Sink {
	if store == nil {
		panic(xerrors.New("deadletter: store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if size <= 0 {
		size = DefaultBufferSize
	}
	s := &Sink{
		store:         store,
		logger:        logger,
		size:          size,
		wake:          make(chan struct{}, 1),
		flushInterval: defaultFlushInterval,
		appendTries:   defaultAppendTries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Capture buffers the entry for durable append. When the buffer is full the
// entry is logged in full at error level and dropped.
func (s *Sink) Capture(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.FailedAt.IsZero() {
		e.FailedAt = s.now().UTC()
	}

	s.mu.Lock()
	if len(s.pending) >= s.size {
		s.mu.Unlock()
		s.logEntry(ctx, ErrBufferFull, "dead letter dropped", e)
		if s.hooks.OnDropped != nil {
			s.hooks.OnDropped(e.Kind)
		}
		return
	}
	s.pending = append(s.pending, e)
	depth := len(s.pending)
	s.mu.Unlock()

	s.logger.Warn(ctx, "dead letter captured",
		"entry_id", e.ID,
		"kind", e.Kind,
		"finding_id", e.FindingID,
		"run_id", e.RunID,
		"reason", e.Reason,
	)
	if s.hooks.OnCaptured != nil {
		s.hooks.OnCaptured(e.Kind)
	}
	if s.hooks.OnDepth != nil {
		s.hooks.OnDepth(depth)
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run flushes pending entries until ctx is done.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		if err := s.Flush(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn(ctx, "dead-letter flush incomplete", "err", err, "pending", s.Pending())
		}
	}
}

// Flush appends pending entries in capture order. It stops at the first entry
// whose retry budget is exhausted; that entry stays buffered.
func (s *Sink) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	flushed := 0
	defer func() {
		if flushed > 0 && s.hooks.OnFlushed != nil {
			s.hooks.OnFlushed(flushed)
		}
	}()

	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return nil
		}
		e := s.pending[0]
		s.mu.Unlock()

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, s.store.Append(ctx, e)
		}, backoff.WithBackOff(s.newBackOff()), backoff.WithMaxTries(s.appendTries))
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.pending = s.pending[1:]
		depth := len(s.pending)
		s.mu.Unlock()
		flushed++
		if s.hooks.OnDepth != nil {
			s.hooks.OnDepth(depth)
		}
	}
}

// Close drains the buffer until ctx expires. Entries still pending afterwards
// are logged in full so the log stream retains them.
func (s *Sink) Close(ctx context.Context) {
	err := s.Flush(ctx)
	if err == nil {
		return
	}

	s.mu.Lock()
	left := make([]Entry, len(s.pending))
	copy(left, s.pending)
	s.mu.Unlock()

	for _, e := range left {
		s.logEntry(ctx, err, "dead letter not persisted at shutdown", e)
	}
}

// Pending returns the number of buffered entries.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// List merges durable and buffered entries for a finding, oldest first.
// A store error is logged and only buffered entries are returned with it.
func (s *Sink) List(ctx context.Context, findingID string) ([]Entry, error) {
	durable, err := s.store.List(ctx, findingID)
	if err != nil {
		s.logger.Warn(ctx, "dead-letter store list failed", "finding_id", findingID, "err", err)
	}

	seen := make(map[string]struct{}, len(durable))
	out := make([]Entry, 0, len(durable))
	for _, e := range durable {
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}

	s.mu.Lock()
	for _, e := range s.pending {
		if findingID != "" && e.FindingID != findingID {
			continue
		}
		if _, ok := seen[e.ID]; ok {
			continue
		}
		out = append(out, e)
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FailedAt.Before(out[j].FailedAt)
	})
	return out, err
}

func (s *Sink) logEntry(ctx context.Context, err error, msg string, e Entry) {
	s.logger.Error(ctx, err, msg,
		"entry_id", e.ID,
		"kind", e.Kind,
		"finding_id", e.FindingID,
		"run_id", e.RunID,
		"reason", e.Reason,
		"last_error", e.LastError,
		"failed_at", e.FailedAt.Format(time.RFC3339Nano),
	)
}
