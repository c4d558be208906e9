package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"sweepdesk.io/internal/auth"
	"sweepdesk.io/internal/ids"
	"sweepdesk.io/internal/obs"
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
)

// Failure reasons reported on audit_emit_failures_total.
const (
	FailureQueueFull = "queue_full"
	FailureSink      = "sink_error"
	FailureClosed    = "closed"
)

// Emitter writes records asynchronously to its sinks. Record never blocks the
// caller and never fails it; problems are logged and counted.
type Emitter struct {
	sinks        []Sink
	queue        chan Record
	writeTimeout time.Duration
	now          func() time.Time

	mu       sync.RWMutex
	closed   bool
	done     chan struct{}
	failures atomic.Int64
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithQueueSize bounds the number of pending records.
func WithQueueSize(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.queue = make(chan Record, n)
		}
	}
}

// WithWriteTimeout bounds each sink write.
func WithWriteTimeout(d time.Duration) Option {
	return func(e *Emitter) {
		if d > 0 {
			e.writeTimeout = d
		}
	}
}

// WithClock overrides the time source used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEmitter starts the drain worker.
func NewEmitter(sinks []Sink, opts ...Option) *Emitter {
	e := &Emitter{
		sinks:        sinks,
		queue:        make(chan Record, defaultQueueSize),
		writeTimeout: defaultWriteTimeout,
		now:          time.Now,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.run()
	return e
}

// Record stamps r and enqueues it.
func (e *Emitter) Record(ctx context.Context, r Record) {
	if r.ID == "" {
		r.ID = ids.New()
	}
	if r.OccurredAt.IsZero() {
		r.OccurredAt = e.now().UTC()
	}
	if r.RequestID == "" {
		r.RequestID = RequestIDFromContext(ctx)
	}
	if r.ActorID == "" {
		if p, ok := auth.PrincipalFromContext(ctx); ok {
			r.ActorID, r.ActorKind = p.ID, string(p.Kind)
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.fail(FailureClosed, r, nil)
		return
	}
	select {
	case e.queue <- r:
	default:
		e.fail(FailureQueueFull, r, nil)
	}
}

// Failures returns how many records were dropped or failed in at least one sink.
func (e *Emitter) Failures() int64 { return e.failures.Load() }

// Close stops accepting records and waits for the queue to drain or ctx to end.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for r := range e.queue {
		for _, s := range e.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), e.writeTimeout)
			err := s.Write(ctx, r)
			cancel()
			if err != nil {
				e.fail(FailureSink, r, err)
			}
		}
	}
}

func (e *Emitter) fail(reason string, r Record, err error) {
	e.failures.Add(1)
	obs.ObserveAuditFailure(reason)
	fields := map[string]any{
		"reason":          reason,
		"audit_id":        r.ID,
		"action":          r.Action,
		"organization_id": r.OrganizationID,
		"outcome":         string(r.Outcome),
	}
	if err != nil {
		fields["error"] = err
	}
	obs.Error("audit_emit_failed", fields)
}
