// Package loop drives the estimation pipeline: on every scheduler tick it
// reads one frame from an [audio.Source], runs the estimators against it,
// assembles a [biometric.BiometricSample] and hands it to the registered
// sinks.
//
// One tick runs at a time. The next tick is scheduled only after the current
// one has published, so sinks observe samples strictly in tick order and
// never concurrently with each other.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/biopulse/internal/observe"
	"github.com/MrWong99/biopulse/pkg/audio"
	"github.com/MrWong99/biopulse/pkg/biometric"
)

// DefaultMicGain is the RMS multiplier used for the mic level stream.
const DefaultMicGain = 10.0

// Option configures a [FrameLoop].
type Option func(*FrameLoop)

// WithScheduler sets the tick scheduler. Defaults to an
// [IntervalScheduler] at [DefaultInterval].
func WithScheduler(s Scheduler) Option {
	return func(l *FrameLoop) { l.sched = s }
}

// WithEstimators replaces the estimators; nil fields keep the defaults.
func WithEstimators(e Estimators) Option {
	return func(l *FrameLoop) { l.est = e.merge(l.est) }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(l *FrameLoop) { l.metrics = m }
}

// WithClock sets the time source used to stamp samples.
func WithClock(now func() time.Time) Option {
	return func(l *FrameLoop) { l.now = now }
}

// WithMicGain sets the RMS multiplier for mic levels. Non-positive values
// are ignored.
func WithMicGain(gain float64) Option {
	return func(l *FrameLoop) {
		if gain > 0 {
			l.micGain = gain
		}
	}
}

// FrameLoop pulls frames from a source and publishes biometric samples.
// All methods are safe for concurrent use, including from inside sinks.
type FrameLoop struct {
	source  audio.Source
	sched   Scheduler
	metrics *observe.Metrics
	now     func() time.Time
	micGain float64

	mu          sync.Mutex
	idle        *sync.Cond
	est         Estimators
	st          state
	cancel      func()
	sampleSinks []func(biometric.BiometricSample)
	levelSinks  []func(float64)
	errorSinks  []func(error)
}

// New creates a stopped loop reading from source.
func New(source audio.Source, opts ...Option) *FrameLoop {
	l := &FrameLoop{
		source:  source,
		est:     DefaultEstimators(),
		now:     time.Now,
		micGain: DefaultMicGain,
	}
	l.idle = sync.NewCond(&l.mu)
	for _, o := range opts {
		o(l)
	}
	if l.sched == nil {
		l.sched = NewIntervalScheduler(DefaultInterval)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l
}

// OnSample registers a sink that receives every published sample. Sinks run
// synchronously on the tick goroutine in registration order; a slow sink
// delays the next tick.
func (l *FrameLoop) OnSample(fn func(biometric.BiometricSample)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sampleSinks = append(l.sampleSinks, fn)
}

// OnMicLevel registers a sink for the per-frame loudness in [0, 1]. It fires
// for every frame read, including frames whose estimation later faults.
func (l *FrameLoop) OnMicLevel(fn func(float64)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levelSinks = append(l.levelSinks, fn)
}

// OnError registers a hook for estimator faults. Errors passed to it are
// *[EstimatorFault].
func (l *FrameLoop) OnError(fn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorSinks = append(l.errorSinks, fn)
}

// SetEstimators swaps estimators at runtime; nil fields are left unchanged.
// The next tick uses the new set.
func (l *FrameLoop) SetEstimators(e Estimators) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.est = e.merge(l.est)
}

// Start begins ticking. It is a no-op when the loop is already running.
// When a tick of the previous run is still executing, the first tick of the
// new run is scheduled once that tick returns.
func (l *FrameLoop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st.running {
		return
	}
	l.st.reset()
	if !l.st.inFlight {
		l.scheduleLocked(l.st.generation)
	}
	slog.Info("frame loop started", "generation", l.st.generation)
}

// Stop halts ticking. Once Stop returns no further tick will be scheduled;
// a tick that is already executing finishes and publishes. Stop is
// idempotent.
func (l *FrameLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.st.running {
		return
	}
	l.st.running = false
	l.st.generation++
	l.st.previous = biometric.AudioFrame{}
	l.st.hasPrevious = false
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	slog.Info("frame loop stopped",
		"ticks", l.st.ticks,
		"published", l.st.published,
		"skipped", l.st.skipped,
		"faults", l.st.faults,
	)
}

// Run starts the loop and stops it when ctx is done. It returns after the
// in-flight tick, if any, has published.
func (l *FrameLoop) Run(ctx context.Context) error {
	l.Start()
	<-ctx.Done()
	l.Stop()
	l.Wait()
	return nil
}

// Wait blocks until no tick is executing. It must not be called from a sink.
func (l *FrameLoop) Wait() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.st.inFlight {
		l.idle.Wait()
	}
}

// Running reports whether the loop is started.
func (l *FrameLoop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.running
}

// State returns a snapshot of the loop's bookkeeping.
func (l *FrameLoop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.snapshot()
}

// PreviousFrame returns a copy of the last frame read in the current run.
func (l *FrameLoop) PreviousFrame() (biometric.AudioFrame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.st.hasPrevious {
		return biometric.AudioFrame{}, false
	}
	f := l.st.previous
	f.Samples = slices.Clone(f.Samples)
	return f, true
}

// Check reports an error when the loop is not running. It matches the
// readiness checker signature.
func (l *FrameLoop) Check(context.Context) error {
	if !l.Running() {
		return errors.New("loop: not running")
	}
	return nil
}

// scheduleLocked queues a tick for gen. l.mu must be held.
func (l *FrameLoop) scheduleLocked(gen uint64) {
	l.cancel = l.sched.ScheduleNext(func() { l.tick(gen) })
}

// finish ends the in-flight tick and queues the next one if the loop is
// running. After a restart during the tick that is the new run's first tick.
func (l *FrameLoop) finish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st.inFlight = false
	if l.st.running {
		l.scheduleLocked(l.st.generation)
	}
	l.idle.Broadcast()
}

// tick executes one read-estimate-publish cycle for generation gen.
func (l *FrameLoop) tick(gen uint64) {
	l.mu.Lock()
	if !l.st.running || l.st.generation != gen {
		l.mu.Unlock()
		return
	}
	l.st.ticks++
	l.st.inFlight = true
	est := l.est
	l.mu.Unlock()

	defer l.finish()

	ctx, span := observe.StartSpan(context.Background(), "loop.tick",
		trace.WithAttributes(attribute.Int64("loop.generation", int64(gen))))
	defer span.End()
	start := time.Now()

	frame, err := l.source.ReadFrame()
	if err != nil {
		l.count(gen, func(s *state) { s.skipped++ })
		l.metrics.RecordTick(ctx, observe.OutcomeSkipped, 0)
		span.SetAttributes(attribute.String("loop.outcome", observe.OutcomeSkipped))
		observe.Logger(ctx).Debug("frame loop: skipping tick", "err", err)
		return
	}
	span.SetAttributes(
		attribute.Int("frame.samples", frame.Len()),
		attribute.Int("frame.sample_rate", frame.SampleRate),
	)

	l.mu.Lock()
	if l.st.generation == gen {
		l.st.previous = frame
		l.st.hasPrevious = true
	}
	levelSinks := slices.Clone(l.levelSinks)
	l.mu.Unlock()

	level := biometric.MicLevel(frame.Samples, l.micGain)
	for _, fn := range levelSinks {
		fn(level)
	}

	sample, err := l.estimate(ctx, est, frame)
	if err != nil {
		l.count(gen, func(s *state) { s.faults++ })
		l.metrics.RecordTick(ctx, observe.OutcomeFault, time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.reportError(ctx, err)
		return
	}
	sample.MicLevel = level
	sample.TimestampMs = l.now().UnixMilli()

	l.mu.Lock()
	sampleSinks := slices.Clone(l.sampleSinks)
	l.mu.Unlock()

	for _, fn := range sampleSinks {
		fn(sample)
	}

	at := time.UnixMilli(sample.TimestampMs)
	l.count(gen, func(s *state) {
		s.published++
		s.lastAt = at
	})
	l.metrics.RecordTick(ctx, observe.OutcomePublished, time.Since(start).Seconds())
	span.SetAttributes(attribute.String("loop.outcome", observe.OutcomePublished))
}

// count applies fn to the state if it still belongs to generation gen or to
// the run that gen ended. Counters of a newer run are never touched.
func (l *FrameLoop) count(gen uint64, fn func(*state)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st.generation == gen || (!l.st.running && l.st.generation == gen+1) {
		fn(&l.st)
	}
}

// estimate runs all estimators concurrently against frame. The first fault
// aborts the tick.
func (l *FrameLoop) estimate(ctx context.Context, est Estimators, frame biometric.AudioFrame) (biometric.BiometricSample, error) {
	var (
		sample biometric.BiometricSample
		g      errgroup.Group
	)
	g.Go(func() error {
		return l.runEstimator(ctx, nameVitals, func() { sample.Vitals = est.Vitals.Estimate(frame) })
	})
	g.Go(func() error {
		return l.runEstimator(ctx, nameBands, func() { sample.Bands = est.Bands.Estimate(frame) })
	})
	g.Go(func() error {
		return l.runEstimator(ctx, nameAffect, func() { sample.Emotion = est.Affect.Estimate(frame) })
	})
	g.Go(func() error {
		return l.runEstimator(ctx, nameQuality, func() { sample.Quality = est.Quality.Estimate(frame) })
	})
	if err := g.Wait(); err != nil {
		return biometric.BiometricSample{}, err
	}
	return sample, nil
}

// runEstimator times fn and converts a panic into an [EstimatorFault].
func (l *FrameLoop) runEstimator(ctx context.Context, name string, fn func()) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &EstimatorFault{Estimator: name, Err: fmt.Errorf("%w: %v", ErrEstimatorPanic, r)}
		}
		l.metrics.RecordEstimator(ctx, name, time.Since(start).Seconds(), err)
	}()
	fn()
	return nil
}

// reportError logs err and passes it to every error hook.
func (l *FrameLoop) reportError(ctx context.Context, err error) {
	l.mu.Lock()
	hooks := slices.Clone(l.errorSinks)
	l.mu.Unlock()

	observe.Logger(ctx).Warn("frame loop: estimator fault, tick dropped", "err", err)
	for _, fn := range hooks {
		fn(err)
	}
}
