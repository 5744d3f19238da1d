// Package postgres implements [history.Store] on PostgreSQL with the
// pgvector extension. Samples live in one table; the feature vector of each
// sample is indexed with HNSW for cosine nearest-neighbour search.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	rec := history.NewRecorder(store)
package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/biopulse/internal/history"
	"github.com/MrWong99/biopulse/pkg/biometric"
)

var _ history.Store = (*Store)(nil)

// Store is a PostgreSQL-backed [history.Store].
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, registers the pgvector types on every pooled
// connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Append implements [history.Store].
func (s *Store) Append(ctx context.Context, sessionID string, sample biometric.BiometricSample) error {
	const q = `
		INSERT INTO biometric_samples
		    (session_id, timestamp_ms, heart_rate_bpm, breathing_rate_bpm, snr_db,
		     valence, arousal, dominance, sample, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	if _, err := s.pool.Exec(ctx, q, row(sessionID, sample)...); err != nil {
		return fmt.Errorf("postgres: append: %w", err)
	}
	return nil
}

// AppendBatch implements [history.Store] with a single COPY.
func (s *Store) AppendBatch(ctx context.Context, sessionID string, samples []biometric.BiometricSample) error {
	if len(samples) == 0 {
		return nil
	}
	columns := []string{
		"session_id", "timestamp_ms", "heart_rate_bpm", "breathing_rate_bpm", "snr_db",
		"valence", "arousal", "dominance", "sample", "embedding",
	}
	src := pgx.CopyFromSlice(len(samples), func(i int) ([]any, error) {
		return row(sessionID, samples[i]), nil
	})
	if _, err := s.pool.CopyFrom(ctx, pgx.Identifier{"biometric_samples"}, columns, src); err != nil {
		return fmt.Errorf("postgres: append batch: %w", err)
	}
	return nil
}

func row(sessionID string, x biometric.BiometricSample) []any {
	return []any{
		sessionID,
		x.TimestampMs,
		x.Vitals.HeartRateBPM,
		x.Vitals.BreathingRateBPM,
		x.Quality.SNRdB,
		x.Emotion.Valence,
		x.Emotion.Arousal,
		x.Emotion.Dominance,
		x,
		pgvector.NewVector(x.FeatureVector()),
	}
}

// Recent implements [history.Store].
func (s *Store) Recent(ctx context.Context, sessionID string, n int) ([]biometric.BiometricSample, error) {
	if n <= 0 {
		if err := s.exists(ctx, sessionID); err != nil {
			return nil, err
		}
		return []biometric.BiometricSample{}, nil
	}

	const q = `
		SELECT sample
		FROM biometric_samples
		WHERE session_id = $1
		ORDER BY id DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, q, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent: %w", err)
	}
	samples, err := pgx.CollectRows(rows, pgx.RowTo[biometric.BiometricSample])
	if err != nil {
		return nil, fmt.Errorf("postgres: recent: %w", err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("postgres: recent %q: %w", sessionID, history.ErrNotFound)
	}
	slices.Reverse(samples)
	return samples, nil
}

// Summary implements [history.Store].
func (s *Store) Summary(ctx context.Context, sessionID string) (history.Summary, error) {
	const q = `
		SELECT count(*),
		       coalesce(min(timestamp_ms), 0),
		       coalesce(max(timestamp_ms), 0),
		       coalesce(avg(heart_rate_bpm), 0)::float8,
		       coalesce(avg(breathing_rate_bpm), 0)::float8,
		       coalesce(avg(snr_db), 0),
		       coalesce(avg(valence), 0),
		       coalesce(avg(arousal), 0),
		       coalesce(avg(dominance), 0)
		FROM biometric_samples
		WHERE session_id = $1`

	sum := history.Summary{SessionID: sessionID}
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&sum.Count, &sum.FirstMs, &sum.LastMs,
		&sum.AvgHeartRateBPM, &sum.AvgBreathingRateBPM, &sum.AvgSNRdB,
		&sum.AvgValence, &sum.AvgArousal, &sum.AvgDominance,
	)
	if err != nil {
		return history.Summary{}, fmt.Errorf("postgres: summary: %w", err)
	}
	if sum.Count == 0 {
		return history.Summary{}, fmt.Errorf("postgres: summary %q: %w", sessionID, history.ErrNotFound)
	}
	return sum, nil
}

// Nearest implements [history.Store] using the pgvector cosine distance
// operator (<=>).
func (s *Store) Nearest(ctx context.Context, vector []float32, k int) ([]history.Match, error) {
	if len(vector) != biometric.FeatureDimensions {
		return nil, fmt.Errorf("postgres: nearest: vector has %d dimensions, want %d", len(vector), biometric.FeatureDimensions)
	}
	if k <= 0 {
		return nil, nil
	}

	const q = `
		SELECT session_id, sample, embedding <=> $1 AS distance
		FROM biometric_samples
		ORDER BY embedding <=> $1
		LIMIT $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("postgres: nearest: %w", err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Match, error) {
		var m history.Match
		err := row.Scan(&m.SessionID, &m.Sample, &m.Distance)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: nearest: %w", err)
	}
	return matches, nil
}

// Sessions implements [history.Store].
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT session_id FROM biometric_samples ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: sessions: %w", err)
	}
	return ids, nil
}

// Ping implements [history.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [history.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) exists(ctx context.Context, sessionID string) error {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM biometric_samples WHERE session_id = $1 LIMIT 1`, sessionID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: recent %q: %w", sessionID, history.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres: recent: %w", err)
	}
	return nil
}
