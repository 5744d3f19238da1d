// Package wav implements an [audio.Source] that decodes frames from a WAV
// file. Stereo files are averaged to mono; files recorded at a different rate
// can be resampled to the analysis rate on the fly.
//
// The source hands out one frame per ReadFrame call, so playback speed is set
// by the caller's tick interval rather than by wall-clock time.
package wav

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/gopxl/beep"
	beepwav "github.com/gopxl/beep/wav"

	"github.com/MrWong99/biopulse/pkg/audio"
	"github.com/MrWong99/biopulse/pkg/biometric"
)

// resampleQuality is the beep interpolation quality used when resampling.
const resampleQuality = 4

// Option configures a [Source].
type Option func(*Source)

// WithLoop restarts the file from the beginning when it runs out.
func WithLoop(loop bool) Option {
	return func(s *Source) { s.loop = loop }
}

// WithSampleRate resamples the file to rate. Zero keeps the file's native rate.
func WithSampleRate(rate int) Option {
	return func(s *Source) { s.targetRate = rate }
}

// Source reads fixed-length frames from a WAV file.
type Source struct {
	frameSize  int
	loop       bool
	targetRate int

	mu        sync.Mutex
	file      *os.File
	decoder   beep.StreamSeekCloser
	stream    beep.Streamer
	rate      int
	gain      float64
	buf       [][2]float64
	exhausted bool
	closed    bool
}

var _ audio.Source = (*Source)(nil)

// Open decodes the WAV header at path and prepares a Source emitting
// frameSize samples per frame.
func Open(path string, frameSize int, opts ...Option) (*Source, error) {
	if frameSize <= 0 {
		frameSize = audio.DefaultFrameSize
	}
	s := &Source{frameSize: frameSize}
	for _, o := range opts {
		o(s)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wav: open %q: %w", path, err)
	}
	dec, format, err := beepwav.Decode(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wav: decode %q: %w", path, err)
	}

	s.file = f
	s.decoder = dec
	s.rate = int(format.SampleRate)
	s.gain = fullScale(format.Precision)

	var stream beep.Streamer = dec
	if s.loop {
		stream = beep.Loop(-1, dec)
	}
	if s.targetRate > 0 && s.targetRate != s.rate {
		stream = beep.Resample(resampleQuality, format.SampleRate, beep.SampleRate(s.targetRate), stream)
		s.rate = s.targetRate
	}
	s.stream = stream
	s.buf = make([][2]float64, frameSize)
	return s, nil
}

// fullScale corrects the decoder's PCM scaling. Wider samples are divided by
// 2^bits-1 instead of 2^(bits-1), which leaves them at half amplitude. After
// correction they match [audio.PCM16ToFloat]: the most negative code is -1.
func fullScale(precision int) float64 {
	switch precision {
	case 2:
		return (1<<16 - 1) / float64(1<<15)
	case 3:
		return (1<<24 - 1) / float64(1<<23)
	default:
		return 1
	}
}

// SampleRate reports the rate stamped on emitted frames.
func (s *Source) SampleRate() int { return s.rate }

// ReadFrame implements [audio.Source]. The last frame of a non-looping file
// may be shorter than the frame size; after that every call returns
// [audio.ErrNoFrame].
func (s *Source) ReadFrame() (biometric.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return biometric.AudioFrame{}, audio.ErrClosed
	}
	if s.exhausted {
		return biometric.AudioFrame{}, audio.ErrNoFrame
	}

	filled := 0
	for filled < s.frameSize {
		n, ok := s.stream.Stream(s.buf[filled:])
		filled += n
		if !ok {
			s.exhausted = true
			break
		}
	}
	if err := s.decoder.Err(); err != nil {
		s.exhausted = true
		return biometric.AudioFrame{}, fmt.Errorf("wav: stream: %w", err)
	}
	if filled == 0 {
		return biometric.AudioFrame{}, audio.ErrNoFrame
	}

	samples := make([]float64, filled)
	for i := range samples {
		samples[i] = (s.buf[i][0] + s.buf[i][1]) / 2 * s.gain
	}
	return biometric.AudioFrame{Samples: samples, SampleRate: s.rate}, nil
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	err := s.decoder.Close()
	if cerr := s.file.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		err = errors.Join(err, cerr)
	}
	return err
}
