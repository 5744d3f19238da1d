package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/biopulse/internal/observe"
	"github.com/MrWong99/biopulse/internal/resilience"
	"github.com/MrWong99/biopulse/pkg/biometric"
)

const (
	// DefaultBuffer is the number of samples a [Recorder] queues before it
	// starts dropping.
	DefaultBuffer = 256

	// maxBatch bounds how many queued samples are written in one call.
	maxBatch = 64

	// writeTimeout bounds a single store write.
	writeTimeout = 5 * time.Second
)

// Recorder queues samples from the frame loop and writes them to a [Store]
// from its own goroutine. [Recorder.Record] never blocks: when the queue is
// full the sample is dropped and counted.
//
// All methods are safe for concurrent use.
type Recorder struct {
	store     Store
	sessionID string
	metrics   *observe.Metrics
	breaker   *resilience.Breaker

	queue    chan biometric.BiometricSample
	done     chan struct{}
	stopOnce sync.Once
	finished chan struct{}

	dropped atomic.Int64
	written atomic.Int64
}

// RecorderOption configures a [Recorder].
type RecorderOption func(*recorderConfig)

type recorderConfig struct {
	buffer    int
	sessionID string
	metrics   *observe.Metrics
	breaker   *resilience.Breaker
}

// WithBuffer sets the queue length. Non-positive values are ignored.
func WithBuffer(n int) RecorderOption {
	return func(c *recorderConfig) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// WithSessionID records under id instead of a freshly generated one.
func WithSessionID(id string) RecorderOption {
	return func(c *recorderConfig) {
		if id != "" {
			c.sessionID = id
		}
	}
}

// WithRecorderMetrics sets the metrics the recorder reports to.
func WithRecorderMetrics(m *observe.Metrics) RecorderOption {
	return func(c *recorderConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithBreaker routes writes through b. While b is open, batches are
// discarded without touching the store and counted as "rejected".
func WithBreaker(b *resilience.Breaker) RecorderOption {
	return func(c *recorderConfig) { c.breaker = b }
}

// NewRecorder creates a recorder writing to store. Call [Recorder.Run] to
// start writing.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	cfg := recorderConfig{buffer: DefaultBuffer}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.sessionID == "" {
		cfg.sessionID = NewSessionID()
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	return &Recorder{
		store:     store,
		sessionID: cfg.sessionID,
		metrics:   cfg.metrics,
		breaker:   cfg.breaker,
		queue:     make(chan biometric.BiometricSample, cfg.buffer),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
	}
}

// SessionID returns the session the recorder writes under.
func (r *Recorder) SessionID() string { return r.sessionID }

// Dropped returns the number of samples discarded because the queue was full
// or the recorder was stopped.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written returns the number of samples the store accepted.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Record queues sample for writing. It has the shape of a frame loop sample
// sink.
func (r *Recorder) Record(sample biometric.BiometricSample) {
	select {
	case <-r.done:
		r.drop()
		return
	default:
	}
	select {
	case r.queue <- sample:
	default:
		r.drop()
	}
}

func (r *Recorder) drop() {
	r.dropped.Add(1)
	r.metrics.RecordHistoryWrite(context.Background(), "dropped")
}

// Stop ends [Recorder.Run] after the queued samples are flushed. Safe to
// call multiple times.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

// Wait blocks until Run has returned.
func (r *Recorder) Wait() {
	<-r.finished
}

// Run writes queued samples until ctx is cancelled or Stop is called, then
// flushes what is still queued. It always returns nil, so it can be used
// directly as an errgroup task.
func (r *Recorder) Run(ctx context.Context) error {
	defer close(r.finished)
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case <-r.done:
			r.flush()
			return nil
		case s := <-r.queue:
			r.write(ctx, r.collect(s))
		}
	}
}

// collect returns first followed by whatever else is queued, up to maxBatch.
func (r *Recorder) collect(first biometric.BiometricSample) []biometric.BiometricSample {
	batch := []biometric.BiometricSample{first}
	for len(batch) < maxBatch {
		select {
		case s := <-r.queue:
			batch = append(batch, s)
		default:
			return batch
		}
	}
	return batch
}

// flush drains the queue with a fresh context so a cancelled parent does not
// discard the tail of the session.
func (r *Recorder) flush() {
	ctx := context.Background()
	for {
		select {
		case s := <-r.queue:
			r.write(ctx, r.collect(s))
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, batch []biometric.BiometricSample) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	status := "ok"
	err := r.append(ctx, batch)
	switch {
	case errors.Is(err, resilience.ErrOpen):
		status = "rejected"
	case err != nil:
		status = "error"
		slog.Warn("history: write failed",
			"session_id", r.sessionID,
			"samples", len(batch),
			"err", err,
		)
	default:
		r.written.Add(int64(len(batch)))
	}
	for range batch {
		r.metrics.RecordHistoryWrite(ctx, status)
	}
}

func (r *Recorder) append(ctx context.Context, batch []biometric.BiometricSample) error {
	if r.breaker == nil {
		return r.store.AppendBatch(ctx, r.sessionID, batch)
	}
	return r.breaker.Execute(func() error {
		return r.store.AppendBatch(ctx, r.sessionID, batch)
	})
}
