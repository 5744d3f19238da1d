package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/biopulse/pkg/biometric"
)

// defaultBacklogFrames bounds how many unread frames a [Buffer] keeps before
// discarding the oldest samples.
const defaultBacklogFrames = 8

// BufferOption configures a [Buffer].
type BufferOption func(*Buffer)

// WithBacklog sets how many complete frames may queue up before the oldest
// samples are discarded. Values below 1 are ignored.
func WithBacklog(frames int) BufferOption {
	return func(b *Buffer) {
		if frames > 0 {
			b.maxBacklog = frames * b.frameSize
		}
	}
}

// Buffer is a push-style [Source]: producers append sample chunks of any size
// with [Buffer.Write] and the loop reads fixed-length frames. When producers
// outpace the reader the oldest samples are discarded so that frames stay
// close to real time.
//
// All methods are safe for concurrent use.
type Buffer struct {
	frameSize  int
	sampleRate int
	maxBacklog int

	mu      sync.Mutex
	buf     []float64
	dropped uint64
	closed  bool
	warned  sync.Once
}

var (
	_ Source   = (*Buffer)(nil)
	_ Ingester = (*Buffer)(nil)
)

// NewBuffer returns a Buffer that emits frames of frameSize samples at
// sampleRate. Non-positive values fall back to [DefaultFrameSize] and
// [biometric.DefaultSampleRate].
func NewBuffer(frameSize, sampleRate int, opts ...BufferOption) *Buffer {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	if sampleRate <= 0 {
		sampleRate = biometric.DefaultSampleRate
	}
	b := &Buffer{
		frameSize:  frameSize,
		sampleRate: sampleRate,
		maxBacklog: defaultBacklogFrames * frameSize,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// SampleRate reports the rate stamped on every emitted frame.
func (b *Buffer) SampleRate() int { return b.sampleRate }

// FrameSize reports the number of samples per emitted frame.
func (b *Buffer) FrameSize() int { return b.frameSize }

// Write appends mono samples. It returns [ErrClosed] after Close.
func (b *Buffer) Write(samples []float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.buf = append(b.buf, samples...)
	if over := len(b.buf) - b.maxBacklog; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.dropped += uint64(over)
		b.warned.Do(func() {
			slog.Warn("audio buffer: reader is falling behind, discarding oldest samples",
				"frame_size", b.frameSize,
				"backlog", b.maxBacklog,
			)
		})
	}
	return nil
}

// WritePCM16 decodes little-endian int16 mono PCM and appends it.
func (b *Buffer) WritePCM16(pcm []byte) error {
	return b.Write(PCM16ToFloat(pcm))
}

// Ingest implements [Ingester] for raw little-endian int16 mono PCM.
// Messages with an odd byte count are rejected.
func (b *Buffer) Ingest(data []byte) error {
	if len(data)%2 != 0 {
		return fmt.Errorf("audio: ingest: odd PCM16 payload of %d bytes", len(data))
	}
	return b.WritePCM16(data)
}

// ReadFrame returns the oldest complete frame, or [ErrNoFrame] when fewer
// than FrameSize samples are buffered.
func (b *Buffer) ReadFrame() (biometric.AudioFrame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return biometric.AudioFrame{}, ErrClosed
	}
	if len(b.buf) < b.frameSize {
		return biometric.AudioFrame{}, ErrNoFrame
	}
	samples := make([]float64, b.frameSize)
	copy(samples, b.buf)
	b.buf = append(b.buf[:0], b.buf[b.frameSize:]...)
	return biometric.AudioFrame{Samples: samples, SampleRate: b.sampleRate}, nil
}

// Buffered returns the number of samples waiting to be read.
func (b *Buffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Dropped returns the total number of samples discarded due to backlog.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close discards buffered samples. Subsequent reads and writes return
// [ErrClosed].
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.buf = nil
	return nil
}
