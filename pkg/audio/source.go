// Package audio defines the frame source abstraction consumed by the
// estimation loop, together with PCM conversion helpers and a push buffer
// that turns arbitrarily sized sample chunks into fixed-length frames.
//
// Concrete sources live in sub-packages:
//
//   - audio/synth: deterministic synthetic signal for demos and tests.
//   - audio/wav: frames decoded from a WAV file.
//   - audio/opus: frames decoded from a stream of Opus packets.
//
// This package lives under pkg/ because capture adapters outside this module
// are expected to implement [Source].
package audio

import (
	"errors"

	"github.com/MrWong99/biopulse/pkg/biometric"
)

// ErrNoFrame is returned by [Source.ReadFrame] when no complete frame is
// available right now (device busy, buffer not yet filled). It is not fatal;
// callers skip the current tick and try again later.
var ErrNoFrame = errors.New("audio: no frame available")

// ErrClosed is returned by sources after Close.
var ErrClosed = errors.New("audio: source closed")

// DefaultFrameSize is the analysis length, in samples, used when none is
// configured.
const DefaultFrameSize = 1024

// Source supplies fixed-length mono frames on demand.
//
// ReadFrame must not block waiting for audio: if a full frame is not ready it
// returns [ErrNoFrame]. The returned frame is owned by the caller; a source
// must not write to its Samples afterwards.
//
// Implementations must be safe for concurrent use.
type Source interface {
	ReadFrame() (biometric.AudioFrame, error)

	// Close releases the underlying device or file. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Ingester accepts encoded audio pushed from outside the process, such as a
// websocket uplink. Push-driven sources implement both Ingester and [Source].
type Ingester interface {
	// Ingest decodes one message and appends its samples. Messages that
	// cannot be decoded return an error and leave the source unchanged.
	Ingest(data []byte) error
}
