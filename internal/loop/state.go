package loop

import (
	"time"

	"github.com/MrWong99/biopulse/pkg/biometric"
)

// state is the loop's mutable bookkeeping. It is owned by [FrameLoop] and
// guarded by its mutex; estimators never see it.
type state struct {
	running bool

	// generation increases on every Start and Stop. A tick captures the
	// generation it was scheduled under and does nothing once it changes, so
	// a timer that fired across a Stop cannot run a tick for the wrong run.
	generation uint64

	// inFlight is set while a tick executes. It survives Stop and Start so
	// a restarted run waits for the old tick instead of overlapping it.
	inFlight bool

	// previous is the last frame that was read successfully in this run.
	previous    biometric.AudioFrame
	hasPrevious bool

	ticks     uint64
	published uint64
	skipped   uint64
	faults    uint64
	lastAt    time.Time
}

// State is a point-in-time snapshot of a loop's bookkeeping. Counters cover
// the current run (or the last run after Stop) and restart at zero on Start.
type State struct {
	Running    bool   `json:"running"`
	Generation uint64 `json:"generation"`

	// Ticks is the number of ticks executed, whatever their outcome.
	Ticks     uint64 `json:"ticks"`
	Published uint64 `json:"published"`
	Skipped   uint64 `json:"skipped"`
	Faults    uint64 `json:"faults"`

	// LastPublished is the clock time of the most recent published sample,
	// zero if none.
	LastPublished time.Time `json:"last_published"`
}

func (s *state) snapshot() State {
	return State{
		Running:       s.running,
		Generation:    s.generation,
		Ticks:         s.ticks,
		Published:     s.published,
		Skipped:       s.skipped,
		Faults:        s.faults,
		LastPublished: s.lastAt,
	}
}

// reset starts a fresh run under a new generation.
func (s *state) reset() {
	*s = state{running: true, generation: s.generation + 1, inFlight: s.inFlight}
}
