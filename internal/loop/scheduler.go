package loop

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the delay between the end of one tick and the start of
// the next when no interval is configured.
const DefaultInterval = 50 * time.Millisecond

// Scheduler arranges for the next tick to run. The loop calls ScheduleNext
// once per tick, after the previous tick has finished, so implementations
// never see overlapping callbacks from the same loop.
type Scheduler interface {
	// ScheduleNext runs fn at some later point. The returned cancel function
	// prevents fn from running if it has not started yet; calling it after fn
	// has run is a no-op.
	ScheduleNext(fn func()) (cancel func())
}

// IntervalScheduler runs each callback after a fixed delay on a timer
// goroutine. The delay can be changed while the loop runs.
type IntervalScheduler struct {
	interval atomic.Int64
}

var _ Scheduler = (*IntervalScheduler)(nil)

// NewIntervalScheduler returns a scheduler that waits d before each tick.
// Non-positive durations fall back to [DefaultInterval].
func NewIntervalScheduler(d time.Duration) *IntervalScheduler {
	s := &IntervalScheduler{}
	s.SetInterval(d)
	return s
}

// SetInterval changes the delay used for subsequently scheduled ticks.
func (s *IntervalScheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultInterval
	}
	s.interval.Store(int64(d))
}

// Interval reports the current delay.
func (s *IntervalScheduler) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// ScheduleNext implements [Scheduler].
func (s *IntervalScheduler) ScheduleNext(fn func()) func() {
	t := time.AfterFunc(s.Interval(), fn)
	return func() { t.Stop() }
}

// ManualScheduler queues callbacks until the test drives them with
// [ManualScheduler.Step]. Callbacks run synchronously on the caller's
// goroutine.
type ManualScheduler struct {
	mu    sync.Mutex
	queue []*manualTask
}

type manualTask struct {
	fn        func()
	cancelled bool
}

var _ Scheduler = (*ManualScheduler)(nil)

// ScheduleNext implements [Scheduler].
func (m *ManualScheduler) ScheduleNext(fn func()) func() {
	task := &manualTask{fn: fn}
	m.mu.Lock()
	m.queue = append(m.queue, task)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		task.cancelled = true
		m.mu.Unlock()
	}
}

// Step runs the oldest pending callback and reports whether one ran.
func (m *ManualScheduler) Step() bool {
	m.mu.Lock()
	var next *manualTask
	for len(m.queue) > 0 {
		head := m.queue[0]
		m.queue = m.queue[1:]
		if !head.cancelled {
			next = head
			break
		}
	}
	m.mu.Unlock()

	if next == nil {
		return false
	}
	next.fn()
	return true
}

// Run steps up to n times and returns how many callbacks ran.
func (m *ManualScheduler) Run(n int) int {
	ran := 0
	for range n {
		if !m.Step() {
			break
		}
		ran++
	}
	return ran
}

// Pending reports the number of queued callbacks that have not been
// cancelled.
func (m *ManualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.queue {
		if !t.cancelled {
			n++
		}
	}
	return n
}
