// Package postgres provides a PostgreSQL-backed [memory.TranscriptStore].
//
// Transcripts live in a single audio_transcripts table. Full-text search
// uses a GIN index over to_tsvector('english', text) and plainto_tsquery, so
// user queries never need operator syntax.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	id, _ := store.Save(ctx, memory.Transcript{Source: "microphone", Text: "hello"})
//	hits, _ := store.Search(ctx, "hello", memory.SearchOpts{})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS audio_transcripts (
    id          BIGSERIAL    PRIMARY KEY,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    source      TEXT         NOT NULL,
    speaker     TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL,
    confidence  DOUBLE PRECISION,
    audio_file  TEXT,
    call_id     TEXT,
    metadata    JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_audio_timestamp
    ON audio_transcripts (timestamp);

CREATE INDEX IF NOT EXISTS idx_audio_source
    ON audio_transcripts (source);

CREATE INDEX IF NOT EXISTS idx_audio_call_id
    ON audio_transcripts (call_id);

CREATE INDEX IF NOT EXISTS idx_audio_fts
    ON audio_transcripts USING GIN (to_tsvector('english', text));
`

// Migrate creates the transcript table and its indexes. It is idempotent
// (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and safe to call
// on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscripts); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
