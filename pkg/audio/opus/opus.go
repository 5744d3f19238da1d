// Package opus decodes 48 kHz Opus packets and feeds the resulting mono PCM
// into an [audio.Buffer], so a compressed uplink can drive the frame loop.
//
// [Source] bundles a buffer and a decoder into an [audio.Source] that also
// accepts packets through [audio.Ingester].
package opus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"layeh.com/gopus"

	"github.com/MrWong99/biopulse/pkg/audio"
	"github.com/MrWong99/biopulse/pkg/biometric"
)

// Opus streams from browsers and voice clients use 48 kHz stereo at 20 ms.
const (
	SampleRate  = 48000
	Channels    = 2
	FrameSizeMs = 20
	// FrameSize is the number of samples per channel per 20 ms frame.
	FrameSize = SampleRate * FrameSizeMs / 1000 // 960
)

// Decoder turns Opus packets into samples on a Buffer. A Decoder holds codec
// state for one stream and is not safe for concurrent use.
type Decoder struct {
	dec      *gopus.Decoder
	channels int
	sink     *audio.Buffer
}

// NewDecoder creates a decoder for a stream with the given channel count
// (1 or 2) that writes downmixed, resampled samples into sink.
func NewDecoder(channels int, sink *audio.Buffer) (*Decoder, error) {
	if channels != 1 && channels != 2 {
		channels = Channels
	}
	dec, err := gopus.NewDecoder(SampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, channels: channels, sink: sink}, nil
}

// Feed decodes one packet and appends it to the sink.
func (d *Decoder) Feed(packet []byte) error {
	pcm, err := d.dec.Decode(packet, FrameSize, false)
	if err != nil {
		return fmt.Errorf("opus: decode: %w", err)
	}
	mono := audio.Downmix(audio.Int16ToFloat(pcm), d.channels)
	if err := d.sink.Write(audio.Resample(mono, SampleRate, d.sink.SampleRate())); err != nil {
		return fmt.Errorf("opus: write: %w", err)
	}
	return nil
}

// Run feeds packets from in until the channel closes or ctx is cancelled.
// Undecodable packets are logged and skipped.
func (d *Decoder) Run(ctx context.Context, in <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-in:
			if !ok {
				return nil
			}
			if err := d.Feed(pkt); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("opus: dropping packet", "err", err, "bytes", len(pkt))
			}
		}
	}
}

// Source is an [audio.Source] fed with Opus packets. Unlike [Decoder] it is
// safe for concurrent use.
type Source struct {
	buf *audio.Buffer

	mu  sync.Mutex
	dec *Decoder
}

var (
	_ audio.Source   = (*Source)(nil)
	_ audio.Ingester = (*Source)(nil)
)

// NewSource creates a source producing frames of frameSize samples at
// sampleRate from a stream with the given channel count.
func NewSource(channels, frameSize, sampleRate int, opts ...audio.BufferOption) (*Source, error) {
	buf := audio.NewBuffer(frameSize, sampleRate, opts...)
	dec, err := NewDecoder(channels, buf)
	if err != nil {
		return nil, err
	}
	return &Source{buf: buf, dec: dec}, nil
}

// Ingest decodes one Opus packet.
func (s *Source) Ingest(packet []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dec.Feed(packet)
}

// ReadFrame implements [audio.Source].
func (s *Source) ReadFrame() (biometric.AudioFrame, error) {
	return s.buf.ReadFrame()
}

// Buffered returns the number of decoded samples not yet read.
func (s *Source) Buffered() int { return s.buf.Buffered() }

// Close implements [audio.Source].
func (s *Source) Close() error {
	return s.buf.Close()
}
