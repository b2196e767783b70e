// Package mock provides an in-memory test double for [memory.TranscriptStore].
//
// Store keeps saved transcripts in a slice, records every method call for
// assertion in tests and exposes exported *Err fields that force failures.
// It is safe for concurrent use via an internal [sync.Mutex].
//
// Search is a case-insensitive substring match of every query term, which is
// close enough to full-text matching for the words used in tests.
//
// Typical usage:
//
//	store := &mock.Store{}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Save"); got != 1 {
//	    t.Errorf("expected 1 Save call, got %d", got)
//	}
package mock

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/contextengine/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable in-memory [memory.TranscriptStore].
// All exported *Err fields default to nil (success).
type Store struct {
	mu sync.Mutex

	calls   []Call
	records []memory.Transcript
	nextID  int64
	closed  bool

	// Now overrides the clock used by Save. Nil means time.Now.
	Now func() time.Time

	SaveErr    error
	RecentErr  error
	SearchErr  error
	CleanupErr error
	PingErr    error
}

var _ memory.TranscriptStore = (*Store)(nil)

func (s *Store) record(method string, args ...any) {
	s.calls = append(s.calls, Call{Method: method, Args: args})
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Save implements [memory.TranscriptStore].
func (s *Store) Save(_ context.Context, t memory.Transcript) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Save", t)
	if s.SaveErr != nil {
		return 0, s.SaveErr
	}
	if strings.TrimSpace(t.Text) == "" {
		return 0, errors.New("mock store: save: empty text")
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = s.now()
	}
	t.Timestamp = t.Timestamp.UTC()
	s.nextID++
	t.ID = s.nextID
	s.records = append(s.records, t)
	return t.ID, nil
}

// Recent implements [memory.TranscriptStore].
func (s *Store) Recent(_ context.Context, since time.Time, source string) ([]memory.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Recent", since, source)
	if s.RecentErr != nil {
		return nil, s.RecentErr
	}
	cutoff := since
	out := []memory.Transcript{}
	for _, r := range s.records {
		if r.Timestamp.Before(cutoff) || (source != "" && r.Source != source) {
			continue
		}
		out = append(out, r)
	}
	slices.SortStableFunc(out, func(a, b memory.Transcript) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}

// Search implements [memory.TranscriptStore].
func (s *Store) Search(_ context.Context, query string, opts memory.SearchOpts) ([]memory.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Search", query, opts)
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	terms := strings.Fields(strings.ToLower(query))
	out := []memory.Transcript{}
	if len(terms) == 0 {
		return out, nil
	}
	for _, r := range s.records {
		if !opts.Since.IsZero() && r.Timestamp.Before(opts.Since) {
			continue
		}
		if opts.Source != "" && r.Source != opts.Source {
			continue
		}
		text := strings.ToLower(r.Text)
		if !containsAll(text, terms) {
			continue
		}
		out = append(out, r)
	}
	slices.SortStableFunc(out, func(a, b memory.Transcript) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return int(b.ID - a.ID)
	})
	if limit := opts.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func containsAll(text string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(text, term) {
			return false
		}
	}
	return true
}

// Cleanup implements [memory.TranscriptStore].
func (s *Store) Cleanup(_ context.Context, opts memory.CleanupOpts) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Cleanup", opts)
	if s.CleanupErr != nil {
		return 0, s.CleanupErr
	}
	sources := opts.EffectiveSources()
	kept := s.records[:0]
	var n int64
	for _, r := range s.records {
		if r.Timestamp.Before(opts.Before) && slices.Contains(sources, r.Source) && !r.HasCallID() {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return n, nil
}

// Ping implements [memory.TranscriptStore].
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Ping")
	if s.closed {
		return errors.New("mock store: closed")
	}
	return s.PingErr
}

// Close implements [memory.TranscriptStore].
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Close")
	s.closed = true
	return nil
}

// Records returns a copy of all stored transcripts in insertion order.
func (s *Store) Records() []memory.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records)
}

// Calls returns a copy of all recorded method calls in invocation order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallCount returns the number of times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and stored transcripts.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.records = nil
	s.nextID = 0
	s.closed = false
}
