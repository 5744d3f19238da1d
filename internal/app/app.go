// Package app wires all biopulse subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run drives the frame loop, the history recorder and the HTTP
// server until its context ends, and Shutdown releases what New opened.
// ApplyConfig applies hot-reloadable config changes to the running pipeline.
//
// For testing, inject doubles via functional options (WithSource, WithStore,
// WithScheduler). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/biopulse/internal/config"
	"github.com/MrWong99/biopulse/internal/health"
	"github.com/MrWong99/biopulse/internal/history"
	"github.com/MrWong99/biopulse/internal/history/postgres"
	"github.com/MrWong99/biopulse/internal/loop"
	"github.com/MrWong99/biopulse/internal/observe"
	"github.com/MrWong99/biopulse/internal/resilience"
	"github.com/MrWong99/biopulse/internal/server"
	"github.com/MrWong99/biopulse/internal/stream"
	"github.com/MrWong99/biopulse/pkg/audio"
	"github.com/MrWong99/biopulse/pkg/biometric"
)

// App owns all subsystem lifetimes.
type App struct {
	mu  sync.Mutex
	cfg *config.Config

	registry    *config.Registry
	metrics     *observe.Metrics
	metricsHTTP http.Handler
	levels      *slog.LevelVar

	// Subsystems, initialised in New.
	source   audio.Source
	store    history.Store
	recorder *history.Recorder
	breaker  *resilience.Breaker
	hub      *stream.Hub
	sched    loop.Scheduler
	loop     *loop.FrameLoop
	health   *health.Handler
	server   *server.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects an audio source instead of creating one from config.
// The app does not close an injected source.
func WithSource(s audio.Source) Option {
	return func(a *App) { a.source = s }
}

// WithStore injects a history store instead of creating one from config.
// The app does not close an injected store.
func WithStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRegistry replaces the source registry. The default registry holds the
// builtin sources.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithScheduler replaces the loop scheduler. Interval changes are only
// applied to an [*loop.IntervalScheduler].
func WithScheduler(s loop.Scheduler) Option {
	return func(a *App) { a.sched = s }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHTTP = h }
}

// WithLevelVar lets ApplyConfig change the log level of the handler built on
// v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levels = v }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
		RegisterBuiltinSources(a.registry)
	}

	// ── 1. Audio source ──────────────────────────────────────────────────
	if err := a.initSource(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init source: %w", err)
	}

	// ── 2. History ───────────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 3. Frame loop and its sinks ──────────────────────────────────────
	a.initLoop()

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initSource() error {
	if a.source != nil {
		return nil
	}
	src, err := a.registry.CreateSource(a.cfg.Source)
	if err != nil {
		return err
	}
	a.source = src
	a.closers = append(a.closers, src.Close)
	slog.Info("audio source ready",
		"source", a.cfg.Source.Name,
		"sample_rate", a.cfg.Source.SampleRate,
		"frame_size", a.cfg.Source.FrameSize,
	)
	return nil
}

func (a *App) initHistory(ctx context.Context) error {
	if a.store == nil {
		if dsn := a.cfg.History.PostgresDSN; dsn != "" {
			store, err := postgres.NewStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = store
			slog.Info("history store ready", "backend", "postgres")
		} else {
			a.store = history.NewMemStore(a.cfg.History.Capacity)
			slog.Info("history store ready", "backend", "memory", "capacity", a.cfg.History.Capacity)
		}
		a.closers = append(a.closers, a.store.Close)
	}

	a.breaker = resilience.New(resilience.Config{Name: "history"})
	a.recorder = history.NewRecorder(a.store,
		history.WithBuffer(a.cfg.History.Buffer),
		history.WithRecorderMetrics(a.metrics),
		history.WithBreaker(a.breaker),
	)
	slog.Info("recording session", "session_id", a.recorder.SessionID())
	return nil
}

func (a *App) initLoop() {
	if a.sched == nil {
		a.sched = loop.NewIntervalScheduler(a.cfg.Loop.Interval)
	}
	a.hub = stream.NewHub(stream.WithMetrics(a.metrics))

	a.loop = loop.New(a.source,
		loop.WithScheduler(a.sched),
		loop.WithEstimators(EstimatorsFromConfig(a.cfg.Estimators)),
		loop.WithMetrics(a.metrics),
		loop.WithMicGain(a.cfg.Loop.MicGain),
	)
	a.loop.OnMicLevel(a.hub.PublishLevel)
	a.loop.OnSample(a.hub.PublishSample)
	a.loop.OnSample(a.recorder.Record)
	a.loop.OnError(func(err error) {
		slog.Warn("frame loop fault", "err", err)
	})
}

// checkHistory fails while the write breaker is open, even if the store
// answers pings again.
func (a *App) checkHistory(ctx context.Context) error {
	if st := a.breaker.State(); st == resilience.StateOpen {
		return fmt.Errorf("history writes suspended: breaker %s", st)
	}
	return a.store.Ping(ctx)
}

func (a *App) initServer() error {
	a.health = health.New(
		health.Checker{Name: "loop", Check: a.loop.Check},
		health.Checker{Name: "history", Check: a.checkHistory, Optional: true},
	)

	var ingest http.Handler
	if ing, ok := a.source.(audio.Ingester); ok {
		ingest = stream.NewIngestHandler(ing, a.metrics)
	}

	srv, err := server.New(a.cfg.Server, server.Deps{
		Health:  a.health,
		Hub:     a.hub,
		Loop:    a.loop,
		Ingest:  ingest,
		Store:   a.store,
		Session: a.recorder.SessionID,
		Metrics: a.metrics,

		MetricsHandler: a.metricsHTTP,
	})
	if err != nil {
		return err
	}
	a.server = srv
	return nil
}

// EstimatorsFromConfig builds the estimator set described by ec. Vitals and
// quality have no tuning and use their defaults.
func EstimatorsFromConfig(ec config.EstimatorsConfig) loop.Estimators {
	est := loop.DefaultEstimators()
	est.Bands = biometric.BandPowerEstimator{Scale: ec.BandScale}
	est.Affect = biometric.AffectEstimator{Coefficients: ec.Affect.Coefficients()}
	return est
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the frame loop, the history recorder and the HTTP server and
// blocks until ctx is cancelled or one of them fails. The recorder is
// stopped only after the loop, so the last published samples are flushed.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Run(gctx)
	})
	g.Go(func() error {
		// The recorder outlives gctx so that it can drain after the loop.
		return a.recorder.Run(context.WithoutCancel(gctx))
	})
	g.Go(func() error {
		defer a.recorder.Stop()
		return a.loop.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.hub.Close()
		return nil
	})

	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"source", a.cfg.Source.Name,
		"session_id", a.recorder.SessionID(),
	)

	err := g.Wait()
	slog.Info("app stopped",
		"samples_written", a.recorder.Written(),
		"samples_dropped", a.recorder.Dropped(),
	)
	if err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// Changes that need a restart are logged and otherwise ignored. It has the
// signature of a config watcher callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.levels != nil {
		a.levels.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.IntervalChanged {
		if is, ok := a.sched.(*loop.IntervalScheduler); ok {
			is.SetInterval(d.NewInterval)
			slog.Info("loop interval changed", "interval", d.NewInterval)
		}
	}
	if d.EstimatorsChanged {
		a.loop.SetEstimators(EstimatorsFromConfig(d.NewEstimators))
		slog.Info("estimator tuning changed",
			"band_scale", d.NewEstimators.BandScale,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "keys", d.RestartRequired)
	}

	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()
}

// Config returns the config most recently applied.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Loop returns the frame loop.
func (a *App) Loop() *loop.FrameLoop { return a.loop }

// Hub returns the stream hub.
func (a *App) Hub() *stream.Hub { return a.hub }

// Recorder returns the history recorder.
func (a *App) Recorder() *history.Recorder { return a.recorder }

// Store returns the history store.
func (a *App) Store() history.Store { return a.store }

// Scheduler returns the loop scheduler.
func (a *App) Scheduler() loop.Scheduler { return a.sched }

// AddCheck adds a readiness checker after New, e.g. for components the
// caller owns.
func (a *App) AddCheck(c health.Checker) { a.health.Add(c) }

// Server returns the HTTP server.
func (a *App) Server() *server.Server { return a.server }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the loop and releases what New opened, in reverse order.
// Safe to call multiple times; only the first call does work.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.loop.Stop()
		a.hub.Close()
		a.recorder.Stop()

		done := make(chan error, 1)
		go func() { done <- a.closeAll() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = fmt.Errorf("app: shutdown: %w", ctx.Err())
		}
	})
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
