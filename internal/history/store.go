// Package history persists published biometric samples per session and
// answers queries over them: the most recent samples, a session summary, and
// a nearest-state search over the sample feature vector.
//
// Two [Store] implementations exist: [MemStore], a bounded in-memory ring per
// session, and history/postgres, backed by PostgreSQL with pgvector. The
// frame loop never writes to a store directly; it feeds a [Recorder], which
// buffers samples and writes them from its own goroutine.
package history

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/MrWong99/biopulse/pkg/biometric"
)

// ErrNotFound is returned when a session has no stored samples.
var ErrNotFound = errors.New("history: session not found")

// Store persists samples and answers queries over them. Implementations must
// be safe for concurrent use.
type Store interface {
	// Append stores one sample under sessionID.
	Append(ctx context.Context, sessionID string, sample biometric.BiometricSample) error

	// AppendBatch stores samples under sessionID in order.
	AppendBatch(ctx context.Context, sessionID string, samples []biometric.BiometricSample) error

	// Recent returns up to n of the newest samples of sessionID in
	// chronological order. It returns [ErrNotFound] for unknown sessions.
	Recent(ctx context.Context, sessionID string, n int) ([]biometric.BiometricSample, error)

	// Summary aggregates all retained samples of sessionID. It returns
	// [ErrNotFound] for unknown sessions.
	Summary(ctx context.Context, sessionID string) (Summary, error)

	// Nearest returns the k stored samples whose feature vectors are closest
	// to vector by cosine distance, nearest first, across all sessions.
	Nearest(ctx context.Context, vector []float32, k int) ([]Match, error)

	// Sessions returns the ids of every session with stored samples, sorted.
	Sessions(ctx context.Context) ([]string, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// Summary aggregates a session's samples.
type Summary struct {
	SessionID string `json:"session_id"`
	Count     int    `json:"count"`

	FirstMs int64 `json:"first_timestamp_ms"`
	LastMs  int64 `json:"last_timestamp_ms"`

	AvgHeartRateBPM     float64 `json:"avg_heart_rate_bpm"`
	AvgBreathingRateBPM float64 `json:"avg_breathing_rate_bpm"`
	AvgSNRdB            float64 `json:"avg_snr_db"`
	AvgValence          float64 `json:"avg_valence"`
	AvgArousal          float64 `json:"avg_arousal"`
	AvgDominance        float64 `json:"avg_dominance"`
}

// Match is one result of [Store.Nearest].
type Match struct {
	SessionID string                    `json:"session_id"`
	Sample    biometric.BiometricSample `json:"sample"`

	// Distance is the cosine distance in [0, 2]; 0 means identical
	// direction.
	Distance float64 `json:"distance"`
}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidSessionID reports whether id has the format produced by
// [NewSessionID].
func ValidSessionID(id string) bool {
	return uuid.Validate(id) == nil
}

// summarize folds samples into a Summary. samples must be non-empty and in
// chronological order.
func summarize(sessionID string, samples []biometric.BiometricSample) Summary {
	s := Summary{
		SessionID: sessionID,
		Count:     len(samples),
		FirstMs:   samples[0].TimestampMs,
		LastMs:    samples[len(samples)-1].TimestampMs,
	}
	for _, x := range samples {
		s.AvgHeartRateBPM += float64(x.Vitals.HeartRateBPM)
		s.AvgBreathingRateBPM += float64(x.Vitals.BreathingRateBPM)
		s.AvgSNRdB += x.Quality.SNRdB
		s.AvgValence += x.Emotion.Valence
		s.AvgArousal += x.Emotion.Arousal
		s.AvgDominance += x.Emotion.Dominance
	}
	n := float64(len(samples))
	s.AvgHeartRateBPM /= n
	s.AvgBreathingRateBPM /= n
	s.AvgSNRdB /= n
	s.AvgValence /= n
	s.AvgArousal /= n
	s.AvgDominance /= n
	return s
}
