// Package sqlite provides the default [memory.TranscriptStore], backed by an
// embedded SQLite database (modernc.org/sqlite, no CGO).
//
// Transcript text is indexed by an FTS5 external-content table that triggers
// keep in sync with audio_transcripts. Timestamps are stored as fixed-width
// UTC strings so lexical comparison matches chronological order.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/contextengine/pkg/memory"
)

// timeLayout is fixed width so that string ordering equals time ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

var _ memory.TranscriptStore = (*Store)(nil)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS audio_transcripts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		source TEXT NOT NULL,
		speaker TEXT,
		text TEXT NOT NULL,
		confidence REAL,
		audio_file TEXT,
		call_id TEXT,
		metadata TEXT
	)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS audio_transcripts_fts USING fts5(
		text,
		content='audio_transcripts',
		content_rowid='id'
	)`,
	`CREATE TRIGGER IF NOT EXISTS audio_transcripts_ai AFTER INSERT ON audio_transcripts BEGIN
		INSERT INTO audio_transcripts_fts(rowid, text) VALUES (new.id, new.text);
	END`,
	`CREATE TRIGGER IF NOT EXISTS audio_transcripts_ad AFTER DELETE ON audio_transcripts BEGIN
		INSERT INTO audio_transcripts_fts(audio_transcripts_fts, rowid, text) VALUES ('delete', old.id, old.text);
	END`,
	`CREATE TRIGGER IF NOT EXISTS audio_transcripts_au AFTER UPDATE ON audio_transcripts BEGIN
		INSERT INTO audio_transcripts_fts(audio_transcripts_fts, rowid, text) VALUES ('delete', old.id, old.text);
		INSERT INTO audio_transcripts_fts(rowid, text) VALUES (new.id, new.text);
	END`,
	`CREATE INDEX IF NOT EXISTS idx_audio_timestamp ON audio_transcripts(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_audio_source ON audio_transcripts(source)`,
	`CREATE INDEX IF NOT EXISTS idx_audio_call_id ON audio_transcripts(call_id)`,
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

// Store is a SQLite-backed transcript store. All methods are safe for
// concurrent use; writes are serialised through a single connection.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for recency windows. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens (creating if needed) the database at path and migrates the
// schema. Use [MemoryPath] for a throwaway database.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open %q: %w", path, err)
	}
	// One connection keeps :memory: databases coherent and avoids
	// SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			// WAL is unavailable for in-memory databases; carry on.
			slog.Debug("sqlite store: pragma failed", "pragma", p, "err", err)
		}
	}

	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: migrate: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite store: migrate: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: migrate: commit: %w", err)
	}
	return nil
}

// Save implements [memory.TranscriptStore].
func (s *Store) Save(ctx context.Context, t memory.Transcript) (int64, error) {
	if strings.TrimSpace(t.Text) == "" {
		return 0, errors.New("sqlite store: save: empty text")
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = s.now()
	}
	var meta sql.NullString
	if len(t.Metadata) > 0 {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return 0, fmt.Errorf("sqlite store: save: encode metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audio_transcripts
		(timestamp, source, speaker, text, confidence, audio_file, call_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(t.Timestamp),
		t.Source,
		t.Speaker,
		t.Text,
		nullFloat(t.Confidence),
		nullString(t.AudioFile),
		nullString(t.CallID),
		meta,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite store: save: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite store: save: last insert id: %w", err)
	}
	return id, nil
}

// Recent implements [memory.TranscriptStore].
func (s *Store) Recent(ctx context.Context, since time.Time, source string) ([]memory.Transcript, error) {
	args := []any{formatTime(since)}
	q := selectColumns + ` FROM audio_transcripts WHERE timestamp >= ?`
	if source != "" {
		q += ` AND source = ?`
		args = append(args, source)
	}
	q += ` ORDER BY timestamp ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: recent: %w", err)
	}
	return scanTranscripts(rows)
}

// Search implements [memory.TranscriptStore].
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.Transcript, error) {
	match := MatchExpr(query)
	if match == "" {
		return []memory.Transcript{}, nil
	}

	conditions := []string{"audio_transcripts_fts MATCH ?"}
	args := []any{match}
	if !opts.Since.IsZero() {
		conditions = append(conditions, "t.timestamp >= ?")
		args = append(args, formatTime(opts.Since))
	}
	if opts.Source != "" {
		conditions = append(conditions, "t.source = ?")
		args = append(args, opts.Source)
	}
	args = append(args, opts.EffectiveLimit())

	q := `SELECT t.id, t.timestamp, t.source, t.speaker, t.text, t.confidence, t.audio_file, t.call_id, t.metadata
		FROM audio_transcripts t
		JOIN audio_transcripts_fts ON audio_transcripts_fts.rowid = t.id
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY t.timestamp DESC, t.id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: search: %w", err)
	}
	return scanTranscripts(rows)
}

// Cleanup implements [memory.TranscriptStore].
func (s *Store) Cleanup(ctx context.Context, opts memory.CleanupOpts) (int64, error) {
	sources := opts.EffectiveSources()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sources)), ",")
	args := []any{formatTime(opts.Before)}
	for _, src := range sources {
		args = append(args, src)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audio_transcripts
		WHERE timestamp < ?
		AND source IN (`+placeholders+`)
		AND (call_id IS NULL OR call_id = '')`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite store: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite store: cleanup: rows affected: %w", err)
	}
	return n, nil
}

// Ping implements [memory.TranscriptStore].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite store: ping: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// MatchExpr turns free text into an FTS5 MATCH expression in which every
// whitespace-separated term is a quoted phrase, so that user input never
// reaches the FTS5 query parser as syntax. Terms are ANDed implicitly.
// It returns "" when the query holds no terms.
func MatchExpr(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		if strings.Trim(f, `"`) == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " ")
}

const selectColumns = `SELECT id, timestamp, source, speaker, text, confidence, audio_file, call_id, metadata`

func scanTranscripts(rows *sql.Rows) ([]memory.Transcript, error) {
	defer rows.Close()
	out := []memory.Transcript{}
	for rows.Next() {
		var (
			t                      memory.Transcript
			ts                     string
			speaker, audio, callID sql.NullString
			meta                   sql.NullString
			conf                   sql.NullFloat64
		)
		if err := rows.Scan(&t.ID, &ts, &t.Source, &speaker, &t.Text, &conf, &audio, &callID, &meta); err != nil {
			return nil, fmt.Errorf("sqlite store: scan: %w", err)
		}
		parsed, err := time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: parse timestamp %q: %w", ts, err)
		}
		t.Timestamp = parsed
		t.Speaker = speaker.String
		if conf.Valid {
			t.Confidence = &conf.Float64
		}
		if audio.Valid {
			t.AudioFile = &audio.String
		}
		if callID.Valid {
			t.CallID = &callID.String
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
				return nil, fmt.Errorf("sqlite store: decode metadata: %w", err)
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: rows: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}
