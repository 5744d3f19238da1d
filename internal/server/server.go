// Package server exposes the running pipeline over HTTP: health probes, a
// Prometheus scrape endpoint, websocket streams of samples and mic levels,
// an optional websocket audio uplink, loop control, and a JSON API over the
// recorded history.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/biopulse/internal/config"
	"github.com/MrWong99/biopulse/internal/health"
	"github.com/MrWong99/biopulse/internal/history"
	"github.com/MrWong99/biopulse/internal/loop"
	"github.com/MrWong99/biopulse/internal/observe"
	"github.com/MrWong99/biopulse/internal/stream"
)

const (
	readHeaderTimeout = 10 * time.Second

	// shutdownGrace bounds how long Run waits for in-flight requests once
	// its context is cancelled.
	shutdownGrace = 10 * time.Second
)

// LoopController is the part of the frame loop the API drives.
type LoopController interface {
	Start()
	Stop()
	State() loop.State
}

// Deps are the components the server routes to. Health, Hub and Loop are
// required; a nil Ingest disables the uplink route and a nil Store disables
// the history API.
type Deps struct {
	Health  *health.Handler
	Hub     *stream.Hub
	Loop    LoopController
	Ingest  http.Handler
	Store   history.Store
	Session func() string
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Defaults to promhttp.Handler(), which
	// exposes the default Prometheus registry.
	MetricsHandler http.Handler
}

// Server is the HTTP front of the pipeline.
type Server struct {
	cfg     config.ServerConfig
	deps    Deps
	handler http.Handler

	ready chan struct{}
	addr  net.Addr
}

// New builds the route table. It returns an error when a required
// dependency is missing.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	var errs []error
	if deps.Health == nil {
		errs = append(errs, errors.New("health handler is required"))
	}
	if deps.Hub == nil {
		errs = append(errs, errors.New("stream hub is required"))
	}
	if deps.Loop == nil {
		errs = append(errs, errors.New("loop controller is required"))
	}
	if deps.Store != nil && deps.Session == nil {
		errs = append(errs, errors.New("session func is required with a store"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.MetricsHandler == nil {
		deps.MetricsHandler = promhttp.Handler()
	}

	s := &Server{cfg: cfg, deps: deps, ready: make(chan struct{})}
	s.handler = observe.Middleware(deps.Metrics)(s.routes())
	return s, nil
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	s.deps.Health.Register(mux)
	mux.Handle("GET /metrics", s.deps.MetricsHandler)

	mux.HandleFunc("GET /ws/samples", s.deps.Hub.ServeSamples)
	mux.HandleFunc("GET /ws/level", s.deps.Hub.ServeLevel)
	if s.deps.Ingest != nil {
		mux.Handle("GET /ws/ingest", s.deps.Ingest)
	}

	mux.HandleFunc("GET /api/loop", s.handleLoopState)
	mux.HandleFunc("POST /api/loop/start", s.handleLoopStart)
	mux.HandleFunc("POST /api/loop/stop", s.handleLoopStop)

	if s.deps.Store != nil {
		mux.HandleFunc("GET /api/sessions", s.handleSessions)
		mux.HandleFunc("GET /api/sessions/current", s.handleCurrentSession)
		mux.HandleFunc("GET /api/sessions/{id}/recent", s.handleRecent)
		mux.HandleFunc("GET /api/sessions/{id}/summary", s.handleSummary)
		mux.HandleFunc("POST /api/nearest", s.handleNearest)
	}
	return mux
}

// Addr returns the bound listener address once Run is serving, or nil.
func (s *Server) Addr() net.Addr {
	select {
	case <-s.ready:
		return s.addr
	default:
		return nil
	}
}

// Ready is closed once Run has bound its listener.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully. It returns nil after a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.addr = ln.Addr()
	close(s.ready)

	slog.Info("http server listening",
		"addr", s.addr.String(),
		"tls", s.cfg.TLS != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLS != nil {
			errCh <- srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	// Websocket streams end via their hub; Shutdown does not wait for
	// hijacked connections.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	slog.Info("http server stopped")
	return nil
}
