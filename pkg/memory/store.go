// Package memory defines the transcript record and the storage contract used
// by the capture pipeline and the query tools.
//
// A [TranscriptStore] persists transcripts under an auto-incrementing id,
// returns recency windows in chronological order, runs full-text search
// newest-first, and enforces the retention rule: records from the configured
// sources older than the retention window are deleted, except records tied
// to an external call, which are kept indefinitely.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (SQLite, PostgreSQL, in-memory) without depending on
// contextengine internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// DefaultSearchLimit is applied when [SearchOpts.Limit] is zero.
const DefaultSearchLimit = 50

// SearchOpts configures a full-text search. All non-zero fields are applied
// as AND conditions.
type SearchOpts struct {
	// Since filters records at or after this instant.
	// A zero Time disables the lower bound.
	Since time.Time

	// Source restricts results to one capture channel.
	// An empty string matches all sources.
	Source string

	// Limit caps the number of results returned.
	// Zero means [DefaultSearchLimit].
	Limit int
}

// EffectiveLimit returns Limit, or [DefaultSearchLimit] when unset.
func (o SearchOpts) EffectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultSearchLimit
	}
	return o.Limit
}

// CleanupOpts configures a retention sweep.
type CleanupOpts struct {
	// Before is the cutoff: records strictly older than it are candidates.
	Before time.Time

	// Sources lists the capture channels subject to retention.
	// Empty means [SourceMicrophone] only.
	Sources []string
}

// EffectiveSources returns Sources, or the microphone channel when unset.
func (o CleanupOpts) EffectiveSources() []string {
	if len(o.Sources) == 0 {
		return []string{SourceMicrophone}
	}
	return o.Sources
}

// TranscriptStore is the persistence contract for transcripts.
type TranscriptStore interface {
	// Save persists t and returns the assigned id. t.Text must be non-empty.
	// A zero t.Timestamp is replaced with the current time.
	Save(ctx context.Context, t Transcript) (int64, error)

	// Recent returns records with Timestamp >= since, oldest first.
	// An empty source matches all sources.
	Recent(ctx context.Context, since time.Time, source string) ([]Transcript, error)

	// Search runs a full-text query over transcript text and returns matches
	// newest first. Each whitespace-separated term must match; no query
	// operator syntax is interpreted.
	Search(ctx context.Context, query string, opts SearchOpts) ([]Transcript, error)

	// Cleanup deletes records older than opts.Before whose source is in
	// opts.Sources and which carry no call-id. It returns the number of
	// deleted records.
	Cleanup(ctx context.Context, opts CleanupOpts) (int64, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
