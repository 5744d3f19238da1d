// Package mock provides an in-memory [audio.Source] for unit tests.
//
// The mock is safe for concurrent use. It records every call so tests can
// assert on call counts, and exposes fields that control what reads return.
//
// Typical usage:
//
//	src := &mock.Source{Frames: []biometric.AudioFrame{frame}}
//	loop := loop.New(src, loop.WithScheduler(sched))
package mock

import (
	"sync"

	"github.com/MrWong99/biopulse/pkg/audio"
	"github.com/MrWong99/biopulse/pkg/biometric"
)

// Source is a mock implementation of [audio.Source].
// Set the exported fields before use; inspect the call counters afterwards.
type Source struct {
	mu sync.Mutex

	// Frames are returned in order by ReadFrame. Once exhausted, ReadFrame
	// returns Repeat if set, otherwise [audio.ErrNoFrame].
	Frames []biometric.AudioFrame

	// Repeat, when non-nil, is returned after Frames runs out.
	Repeat *biometric.AudioFrame

	// ReadErr, when non-nil, is returned by every ReadFrame call.
	ReadErr error

	// CloseErr is returned by Close.
	CloseErr error

	// OnRead, when set, runs at the start of every ReadFrame call without the
	// mock's lock held.
	OnRead func()

	// CallCountReadFrame records how many times ReadFrame was called.
	CallCountReadFrame int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ audio.Source = (*Source)(nil)

// ReadFrame implements [audio.Source].
func (s *Source) ReadFrame() (biometric.AudioFrame, error) {
	s.mu.Lock()
	hook := s.OnRead
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountReadFrame++
	if s.ReadErr != nil {
		return biometric.AudioFrame{}, s.ReadErr
	}
	if len(s.Frames) > 0 {
		f := s.Frames[0]
		s.Frames = s.Frames[1:]
		return cloneFrame(f), nil
	}
	if s.Repeat != nil {
		return cloneFrame(*s.Repeat), nil
	}
	return biometric.AudioFrame{}, audio.ErrNoFrame
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseErr
}

// Push appends frames to the queue.
func (s *Source) Push(frames ...biometric.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, frames...)
}

// Reads returns the current ReadFrame call count.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountReadFrame
}

func cloneFrame(f biometric.AudioFrame) biometric.AudioFrame {
	out := f
	out.Samples = append([]float64(nil), f.Samples...)
	return out
}
