// Package synth provides a deterministic synthetic [audio.Source]: a sine
// carrier whose amplitude swells at a breathing rate, with a sharp pulse at a
// heart rate and optional seeded noise. It stands in for a microphone in
// demos and tests.
package synth

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/MrWong99/biopulse/pkg/audio"
	"github.com/MrWong99/biopulse/pkg/biometric"
)

// Option configures a [Source].
type Option func(*Source)

// WithCarrier sets the sine carrier frequency and peak amplitude.
func WithCarrier(freqHz, amplitude float64) Option {
	return func(s *Source) {
		s.carrierHz = freqHz
		s.carrierAmp = amplitude
	}
}

// WithPulse injects a one-sample spike of the given amplitude bpm times per
// minute. A bpm of zero disables the pulse.
func WithPulse(bpm, amplitude float64) Option {
	return func(s *Source) {
		s.pulseBPM = bpm
		s.pulseAmp = amplitude
	}
}

// WithBreathing modulates the carrier amplitude at bpm breaths per minute
// with the given depth in [0, 1].
func WithBreathing(bpm, depth float64) Option {
	return func(s *Source) {
		s.breathBPM = bpm
		s.breathDepth = depth
	}
}

// WithNoise adds uniform noise of the given amplitude drawn from a PCG seeded
// with seed, so runs stay reproducible.
func WithNoise(amplitude float64, seed uint64) Option {
	return func(s *Source) {
		s.noiseAmp = amplitude
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// Source generates frames on demand. It never returns [audio.ErrNoFrame];
// every read advances the signal by one frame.
type Source struct {
	frameSize  int
	sampleRate int

	carrierHz, carrierAmp  float64
	pulseBPM, pulseAmp     float64
	breathBPM, breathDepth float64
	noiseAmp               float64

	mu     sync.Mutex
	rng    *rand.Rand
	pos    int64 // absolute sample index of the next frame
	closed bool
}

var _ audio.Source = (*Source)(nil)

// New returns a Source producing frameSize samples per frame at sampleRate.
// Defaults: 220 Hz carrier at 0.05, 72 BPM pulse at 0.6, 14 breaths per
// minute at depth 0.5, no noise.
func New(frameSize, sampleRate int, opts ...Option) *Source {
	if frameSize <= 0 {
		frameSize = audio.DefaultFrameSize
	}
	if sampleRate <= 0 {
		sampleRate = biometric.DefaultSampleRate
	}
	s := &Source{
		frameSize:   frameSize,
		sampleRate:  sampleRate,
		carrierHz:   220,
		carrierAmp:  0.05,
		pulseBPM:    72,
		pulseAmp:    0.6,
		breathBPM:   14,
		breathDepth: 0.5,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ReadFrame implements [audio.Source].
func (s *Source) ReadFrame() (biometric.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return biometric.AudioFrame{}, audio.ErrClosed
	}

	sr := float64(s.sampleRate)
	var pulseEvery int64
	if s.pulseBPM > 0 {
		pulseEvery = int64(math.Round(sr * 60 / s.pulseBPM))
	}

	samples := make([]float64, s.frameSize)
	for i := range samples {
		n := s.pos + int64(i)
		t := float64(n) / sr

		env := 1.0
		if s.breathBPM > 0 {
			env = 1 - s.breathDepth*0.5*(1+math.Cos(2*math.Pi*s.breathBPM/60*t))
		}
		v := s.carrierAmp * env * math.Sin(2*math.Pi*s.carrierHz*t)
		if pulseEvery > 0 && n%pulseEvery == 0 {
			v += s.pulseAmp
		}
		if s.rng != nil && s.noiseAmp > 0 {
			v += (s.rng.Float64()*2 - 1) * s.noiseAmp
		}
		samples[i] = v
	}
	s.pos += int64(s.frameSize)

	return biometric.AudioFrame{Samples: samples, SampleRate: s.sampleRate}, nil
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
