// Package health provides HTTP health and readiness check handlers.
//
// The package exposes two endpoints:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 unless a critical [Checker]
//     fails. Failing non-critical checkers mark the service "degraded" but
//     keep it ready.
//
// Responses are JSON objects with a top-level "status" field ("ok",
// "degraded" or "fail") and a "checks" map containing the result of each
// named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Report statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short label for this check (e.g. "loop", "history"). It
	// appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error

	// Optional marks a check whose failure degrades the service without
	// making it unready.
	Optional bool
}

// Report is the JSON response body for health endpoints.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use.
type Handler struct {
	mu       sync.RWMutex
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers concurrently on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Add registers another checker. Checkers added after the server started
// take part in the next evaluation.
func (h *Handler) Add(c Checker) {
	h.mu.Lock()
	h.checkers = append(h.checkers, c)
	h.mu.Unlock()
}

// Evaluate runs every checker concurrently, each under its own
// [checkTimeout] deadline derived from ctx.
func (h *Handler) Evaluate(ctx context.Context) Report {
	h.mu.RLock()
	checkers := slices.Clone(h.checkers)
	h.mu.RUnlock()

	var (
		mu       sync.Mutex
		checks   = make(map[string]string, len(checkers))
		critical bool
		degraded bool
	)

	var g errgroup.Group
	for _, c := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				checks[c.Name] = StatusOK
				return nil
			}
			checks[c.Name] = "fail: " + err.Error()
			if c.Optional {
				degraded = true
			} else {
				critical = true
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Checks: checks}
	switch {
	case critical:
		rep.Status = StatusFail
	case degraded:
		rep.Status = StatusDegraded
	}
	return rep
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz is a readiness probe that returns 503 when a critical [Checker]
// fails and 200 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	status := http.StatusOK
	if rep.Status == StatusFail {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
