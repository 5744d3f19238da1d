package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/biopulse/pkg/biometric"
)

const ddlExtensions = `CREATE EXTENSION IF NOT EXISTS vector;`

// ddlSamples stores one row per published sample. The full sample is kept as
// JSONB; the columns duplicate what Summary aggregates and what Nearest
// searches.
var ddlSamples = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS biometric_samples (
    id                  BIGSERIAL         PRIMARY KEY,
    session_id          TEXT              NOT NULL,
    timestamp_ms        BIGINT            NOT NULL,
    heart_rate_bpm      INTEGER           NOT NULL,
    breathing_rate_bpm  INTEGER           NOT NULL,
    snr_db              DOUBLE PRECISION  NOT NULL,
    valence             DOUBLE PRECISION  NOT NULL,
    arousal             DOUBLE PRECISION  NOT NULL,
    dominance           DOUBLE PRECISION  NOT NULL,
    sample              JSONB             NOT NULL,
    embedding           vector(%d)        NOT NULL,
    created_at          TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_biometric_samples_session_id
    ON biometric_samples (session_id, id);

CREATE INDEX IF NOT EXISTS idx_biometric_samples_embedding
    ON biometric_samples USING hnsw (embedding vector_cosine_ops);
`, biometric.FeatureDimensions)

// Migrate creates the pgvector extension, the samples table and its indexes.
// It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlExtensions, ddlSamples} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}
