// Package dispatch delivers fire-and-forget side-channel jobs (notifications,
// status write-backs) on their own bounded retry schedule. A job that cannot
// be delivered becomes a dead-letter entry of the dispatcher's kind; it never
// propagates back to the caller.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/deadletter"
)

// Delivery outcomes reported through Hooks.
const (
	OutcomeDelivered = "delivered"
	OutcomeExhausted = "exhausted"
	OutcomeOverflow  = "overflow"
)

var errClosed = errors.New("dispatcher closed")

// Job is one delivery. Do must be idempotent; it may run more than once.
type Job struct {
	FindingID string
	RunID     string
	Action    string
	Do        func(ctx context.Context) error
}

// Config bounds the worker pool and the retry schedule.
type Config struct {
	Workers         int
	QueueSize       int
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

// DefaultConfig returns the defaults used by the server.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       256,
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		AttemptTimeout:  10 * time.Second,
	}
}

// Hooks receives dispatcher events.
type Hooks struct {
	OnResult func(channel, outcome string, attempts int)
}

// Dispatcher runs jobs for one channel.
type Dispatcher struct {
	name   string
	kind   deadletter.Kind
	cfg    Config
	dl     deadletter.Recorder
	logger log.Logger
	hooks  Hooks

	queue  chan Job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
}

// New creates a dispatcher. kind is recorded on dead-letter entries.
func New(name string, kind deadletter.Kind, cfg Config, dl deadletter.Recorder, logger log.Logger, hooks Hooks) *Dispatcher {
	if dl == nil {
		panic(xerrors.New("dispatch: dead-letter recorder is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}

	return &Dispatcher{
		name:   name,
		kind:   kind,
		cfg:    cfg,
		dl:     dl,
		logger: logger.With("channel", name),
		hooks:  hooks,
		queue:  make(chan Job, cfg.QueueSize),
	}
}

// Start launches the worker pool. Workers keep running until Close.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for job := range d.queue {
				d.run(ctx, job)
			}
		}()
	}
}

// Enqueue hands the job to the pool without blocking. When the queue is full
// or the dispatcher is closed the job is dead-lettered immediately.
func (d *Dispatcher) Enqueue(ctx context.Context, job Job) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.deadLetter(ctx, job, 0, errClosed)
		return
	}
	select {
	case d.queue <- job:
	default:
		d.report(OutcomeOverflow, 0)
		d.deadLetter(ctx, job, 0, fmt.Errorf("%s queue full (%d)", d.name, d.cfg.QueueSize))
	}
}

// Close stops accepting jobs and drains the queue. If ctx expires first, the
// in-flight retries are cancelled and their jobs dead-lettered.
func (d *Dispatcher) Close(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if d.cancel != nil {
			d.cancel()
		}
		<-done
	}
	if d.cancel != nil {
		d.cancel()
	}

	// only non-empty when Start was never called
	for job := range d.queue {
		d.deadLetter(ctx, job, 0, errClosed)
	}
}

func (d *Dispatcher) run(ctx context.Context, job Job) {
	attempts := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialInterval
	b.MaxInterval = d.cfg.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()
		return struct{}{}, job.Do(actx)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(d.cfg.MaxAttempts), backoff.WithMaxElapsedTime(0))

	if err == nil {
		d.report(OutcomeDelivered, attempts)
		return
	}

	d.report(OutcomeExhausted, attempts)
	d.deadLetter(ctx, job, attempts, err)
}

func (d *Dispatcher) deadLetter(ctx context.Context, job Job, attempts int, err error) {
	d.logger.Error(ctx, err, "delivery failed",
		"finding_id", job.FindingID,
		"run_id", job.RunID,
		"action", job.Action,
		"attempts", attempts,
	)
	d.dl.Capture(ctx, deadletter.Entry{
		Kind:      d.kind,
		FindingID: job.FindingID,
		RunID:     job.RunID,
		Reason:    fmt.Sprintf("%s %s not delivered after %d attempts", d.name, job.Action, attempts),
		LastError: err.Error(),
	})
}

func (d *Dispatcher) report(outcome string, attempts int) {
	if d.hooks.OnResult != nil {
		d.hooks.OnResult(d.name, outcome, attempts)
	}
}
