package history

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/MrWong99/biopulse/pkg/biometric"
)

// DefaultCapacity is the per-session sample limit of a [MemStore] created
// with a non-positive capacity.
const DefaultCapacity = 6000

// Compile-time interface assertion.
var _ Store = (*MemStore)(nil)

// MemStore is a [Store] that keeps the newest samples of every session in a
// bounded ring. Once a session's ring is full the oldest sample is evicted.
// The zero value is not usable; create one with [NewMemStore].
type MemStore struct {
	capacity int

	mu       sync.RWMutex
	sessions map[string]*ring
	closed   bool
}

// NewMemStore returns an empty store that retains up to capacity samples per
// session.
func NewMemStore(capacity int) *MemStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemStore{
		capacity: capacity,
		sessions: make(map[string]*ring),
	}
}

var errStoreClosed = errors.New("history: store closed")

// Append implements [Store].
func (s *MemStore) Append(ctx context.Context, sessionID string, sample biometric.BiometricSample) error {
	return s.AppendBatch(ctx, sessionID, []biometric.BiometricSample{sample})
}

// AppendBatch implements [Store].
func (s *MemStore) AppendBatch(ctx context.Context, sessionID string, samples []biometric.BiometricSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sessionID == "" {
		return errors.New("history: empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	r, ok := s.sessions[sessionID]
	if !ok {
		r = newRing(s.capacity)
		s.sessions[sessionID] = r
	}
	for _, x := range samples {
		r.push(x)
	}
	return nil
}

// Recent implements [Store].
func (s *MemStore) Recent(ctx context.Context, sessionID string, n int) ([]biometric.BiometricSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("history: recent %q: %w", sessionID, ErrNotFound)
	}
	return r.last(n), nil
}

// Summary implements [Store].
func (s *MemStore) Summary(ctx context.Context, sessionID string) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	s.mu.RLock()
	r, ok := s.sessions[sessionID]
	var all []biometric.BiometricSample
	if ok {
		all = r.last(r.len)
	}
	s.mu.RUnlock()
	if !ok || len(all) == 0 {
		return Summary{}, fmt.Errorf("history: summary %q: %w", sessionID, ErrNotFound)
	}
	return summarize(sessionID, all), nil
}

// Nearest implements [Store] with a linear scan over every retained sample.
func (s *MemStore) Nearest(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vector) != biometric.FeatureDimensions {
		return nil, fmt.Errorf("history: nearest: vector has %d dimensions, want %d", len(vector), biometric.FeatureDimensions)
	}
	if k <= 0 {
		return nil, nil
	}
	query := widen(vector)

	s.mu.RLock()
	var matches []Match
	for id, r := range s.sessions {
		for _, x := range r.last(r.len) {
			matches = append(matches, Match{
				SessionID: id,
				Sample:    x,
				Distance:  cosineDistance(query, widen(x.FeatureVector())),
			})
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(matches, func(a, b Match) int {
		return cmp.Compare(a.Distance, b.Distance)
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Ping implements [Store].
func (s *MemStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	return nil
}

// Close implements [Store]. Stored samples are kept readable.
func (s *MemStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Sessions implements [Store].
func (s *MemStore) Sessions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// cosineDistance returns 1 - cos(a, b). A zero vector is treated as
// orthogonal to everything.
func cosineDistance(a, b []float64) float64 {
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - floats.Dot(a, b)/(na*nb)
}

// ring is a fixed-capacity circular buffer of samples.
type ring struct {
	buf  []biometric.BiometricSample
	head int // index of the oldest sample
	len  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]biometric.BiometricSample, capacity)}
}

func (r *ring) push(x biometric.BiometricSample) {
	if r.len < len(r.buf) {
		r.buf[(r.head+r.len)%len(r.buf)] = x
		r.len++
		return
	}
	r.buf[r.head] = x
	r.head = (r.head + 1) % len(r.buf)
}

// last returns a copy of the newest n samples, oldest first.
func (r *ring) last(n int) []biometric.BiometricSample {
	n = min(max(n, 0), r.len)
	out := make([]biometric.BiometricSample, n)
	start := r.head + r.len - n
	for i := range n {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}
