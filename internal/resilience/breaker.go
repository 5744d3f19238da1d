// Package resilience guards calls to an unreliable dependency with a
// three-state circuit breaker (closed, open, half-open).
//
// biopulse uses it to stop hammering a history store that has gone away: the
// frame loop keeps publishing while writes fail fast, and a few probe writes
// after the reset timeout decide whether the store is back.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Execute] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. One failed
	// probe re-opens the breaker; enough successful probes close it.
	StateHalfOpen
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults for zero-valued [Config] fields.
const (
	DefaultMaxFailures    = 5
	DefaultResetTimeout   = 30 * time.Second
	DefaultHalfOpenProbes = 3
)

// Config tunes a [Breaker].
type Config struct {
	// Name labels log messages.
	Name string

	// MaxFailures is the number of consecutive failures that open a closed
	// breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// HalfOpenProbes is the number of successful probes needed to close a
	// half-open breaker. At most this many probes are in flight at once.
	HalfOpenProbes int

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker's lock released.
	OnStateChange func(from, to State)

	// Now replaces time.Now. Tests use it to move the clock.
	Now func() time.Time
}

// Breaker implements the circuit breaker pattern. It is safe for concurrent
// use.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probes      int
	probeOK     int
	transitions []transition
}

type transition struct{ from, to State }

// New returns a closed breaker. Zero-valued config fields take the package
// defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = DefaultHalfOpenProbes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Execute calls fn unless the breaker is open. fn's error is returned
// unchanged and counted as a failure; [ErrOpen] means fn was not called.
func (b *Breaker) Execute(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err == nil)
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.notify()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrOpen
		}
		b.moveTo(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.probes >= b.cfg.HalfOpenProbes {
			return false, ErrOpen
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe, ok bool) {
	b.mu.Lock()
	defer b.notify()
	defer b.mu.Unlock()

	switch {
	case probe && b.state != StateHalfOpen:
		// A concurrent probe already decided the outcome.
	case probe && !ok:
		b.open()
	case probe:
		b.probeOK++
		if b.probeOK >= b.cfg.HalfOpenProbes {
			b.moveTo(StateClosed)
		}
	case !ok:
		b.failures++
		if b.state == StateClosed && b.failures >= b.cfg.MaxFailures {
			b.open()
		}
	default:
		b.failures = 0
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.notify()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.moveTo(StateClosed)
	}
	b.failures = 0
}

func (b *Breaker) open() {
	failures := b.failures
	b.openedAt = b.cfg.Now()
	b.moveTo(StateOpen)
	slog.Warn("circuit breaker opened", "name", b.cfg.Name, "consecutive_failures", failures)
}

// moveTo changes state and queues the transition for notify. Must be called
// with b.mu held.
func (b *Breaker) moveTo(to State) {
	from := b.state
	b.state = to
	b.failures = 0
	b.probes = 0
	b.probeOK = 0
	if to != StateOpen {
		slog.Info("circuit breaker state changed", "name", b.cfg.Name, "from", from.String(), "to", to.String())
	}
	b.transitions = append(b.transitions, transition{from, to})
}

// notify delivers queued transitions to OnStateChange. Must be called
// without b.mu held.
func (b *Breaker) notify() {
	b.mu.Lock()
	pending := b.transitions
	b.transitions = nil
	b.mu.Unlock()

	if b.cfg.OnStateChange == nil {
		return
	}
	for _, t := range pending {
		b.cfg.OnStateChange(t.from, t.to)
	}
}
