package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/contextengine/pkg/memory"
)

var _ memory.TranscriptStore = (*Store)(nil)

// Store is a PostgreSQL-backed transcript store holding a single
// [pgxpool.Pool]. All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Save implements [memory.TranscriptStore].
func (s *Store) Save(ctx context.Context, t memory.Transcript) (int64, error) {
	if strings.TrimSpace(t.Text) == "" {
		return 0, errors.New("postgres store: save: empty text")
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	meta := t.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("postgres store: save: encode metadata: %w", err)
	}

	const q = `
		INSERT INTO audio_transcripts
		    (timestamp, source, speaker, text, confidence, audio_file, call_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	var id int64
	err = s.pool.QueryRow(ctx, q,
		t.Timestamp.UTC(),
		t.Source,
		t.Speaker,
		t.Text,
		t.Confidence,
		t.AudioFile,
		t.CallID,
		metaJSON,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres store: save: %w", err)
	}
	return id, nil
}

// Recent implements [memory.TranscriptStore]. Results are ordered
// chronologically (oldest first).
func (s *Store) Recent(ctx context.Context, since time.Time, source string) ([]memory.Transcript, error) {
	args := []any{since.UTC()}
	q := selectColumns +
		"WHERE  timestamp >= $1\n"
	if source != "" {
		args = append(args, source)
		q += "  AND  source = $2\n"
	}
	q += "ORDER  BY timestamp, id"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	return collectTranscripts(rows)
}

// Search implements [memory.TranscriptStore]. The query is passed to
// plainto_tsquery so no special operator syntax is required; results are
// newest first.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.Transcript, error) {
	if strings.TrimSpace(query) == "" {
		return []memory.Transcript{}, nil
	}
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if !opts.Since.IsZero() {
		conditions = append(conditions, "timestamp >= "+next(opts.Since.UTC()))
	}
	if opts.Source != "" {
		conditions = append(conditions, "source = "+next(opts.Source))
	}

	q := selectColumns +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp DESC, id DESC\n" +
		"LIMIT  " + next(opts.EffectiveLimit())

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: %w", err)
	}
	return collectTranscripts(rows)
}

// Cleanup implements [memory.TranscriptStore]. Records carrying a call-id are
// never deleted.
func (s *Store) Cleanup(ctx context.Context, opts memory.CleanupOpts) (int64, error) {
	const q = `
		DELETE FROM audio_transcripts
		WHERE  timestamp < $1
		  AND  source = ANY($2)
		  AND  (call_id IS NULL OR call_id = '')`

	tag, err := s.pool.Exec(ctx, q, opts.Before.UTC(), opts.EffectiveSources())
	if err != nil {
		return 0, fmt.Errorf("postgres store: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping implements [memory.TranscriptStore].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const selectColumns = "SELECT id, timestamp, source, speaker, text, confidence, audio_file, call_id, metadata\n" +
	"FROM   audio_transcripts\n"

// collectTranscripts scans pgx rows into a slice of Transcript values.
func collectTranscripts(rows pgx.Rows) ([]memory.Transcript, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Transcript, error) {
		var (
			t    memory.Transcript
			meta []byte
		)
		if err := row.Scan(
			&t.ID,
			&t.Timestamp,
			&t.Source,
			&t.Speaker,
			&t.Text,
			&t.Confidence,
			&t.AudioFile,
			&t.CallID,
			&meta,
		); err != nil {
			return memory.Transcript{}, err
		}
		t.Timestamp = t.Timestamp.UTC()
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Metadata); err != nil {
				return memory.Transcript{}, fmt.Errorf("decode metadata: %w", err)
			}
		}
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if out == nil {
		out = []memory.Transcript{}
	}
	return out, nil
}
