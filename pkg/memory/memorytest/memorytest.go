// Package memorytest provides a behavioural test suite that every
// [memory.TranscriptStore] backend runs against itself.
//
// Example:
//
//	func TestStore(t *testing.T) {
//		memorytest.Run(t, func(t *testing.T) memory.TranscriptStore {
//			return newTestStore(t)
//		})
//	}
package memorytest

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/contextengine/pkg/memory"
)

// Factory returns a fresh, empty store. It should register its own cleanup.
type Factory func(t *testing.T) memory.TranscriptStore

// Run executes the full suite. Each subtest gets its own store.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(*testing.T, memory.TranscriptStore)
	}{
		{"SaveAssignsIncreasingIDs", testSaveIDs},
		{"SaveRejectsEmptyText", testSaveEmpty},
		{"RecentRoundTrip", testRecentRoundTrip},
		{"RecentWindowAndOrder", testRecentWindow},
		{"RecentSourceFilter", testRecentSource},
		{"SearchPrecision", testSearchPrecision},
		{"SearchNewestFirstAndLimit", testSearchOrder},
		{"SearchFilters", testSearchFilters},
		{"SearchNoMatches", testSearchNone},
		{"SearchOperatorCharacters", testSearchOperators},
		{"CleanupKeepsCallRecords", testCleanupRetention},
		{"CleanupOnlyConfiguredSources", testCleanupSources},
		{"Ping", testPing},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func ptr[T any](v T) *T { return &v }

func mustSave(t *testing.T, s memory.TranscriptStore, tr memory.Transcript) int64 {
	t.Helper()
	id, err := s.Save(context.Background(), tr)
	if err != nil {
		t.Fatalf("Save(%q): %v", tr.Text, err)
	}
	return id
}

func mic(text string, at time.Time) memory.Transcript {
	return memory.Transcript{
		Timestamp: at,
		Source:    memory.SourceMicrophone,
		Speaker:   memory.DefaultSpeaker,
		Text:      text,
	}
}

func texts(ts []memory.Transcript) []string {
	out := make([]string, len(ts))
	for i, tr := range ts {
		out[i] = tr.Text
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testSaveIDs(t *testing.T, s memory.TranscriptStore) {
	now := time.Now()
	id1 := mustSave(t, s, mic("first", now))
	id2 := mustSave(t, s, mic("second", now))
	if id1 <= 0 || id2 <= id1 {
		t.Errorf("ids = %d, %d; want positive and increasing", id1, id2)
	}
}

func testSaveEmpty(t *testing.T, s memory.TranscriptStore) {
	if _, err := s.Save(context.Background(), mic("   ", time.Now())); err == nil {
		t.Error("expected error for blank text")
	}
}

func testRecentRoundTrip(t *testing.T, s memory.TranscriptStore) {
	ctx := context.Background()
	in := memory.Transcript{
		Timestamp:  time.Now().Add(-time.Minute),
		Source:     memory.SourceMicrophone,
		Speaker:    memory.DefaultSpeaker,
		Text:       "let's schedule the review for Thursday",
		Confidence: nil,
		Metadata: map[string]any{
			memory.MetaModel:    "base.en",
			memory.MetaLanguage: "en",
		},
	}
	id := mustSave(t, s, in)

	got, err := s.Recent(ctx, time.Now().Add(-5*time.Minute), "")
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Recent returned %d records, want 1", len(got))
	}
	out := got[0]
	if out.ID != id {
		t.Errorf("ID = %d, want %d", out.ID, id)
	}
	if out.Text != in.Text || out.Source != in.Source || out.Speaker != in.Speaker {
		t.Errorf("got (%q, %q, %q), want (%q, %q, %q)",
			out.Text, out.Source, out.Speaker, in.Text, in.Source, in.Speaker)
	}
	if out.Confidence != nil || out.CallID != nil || out.AudioFile != nil {
		t.Errorf("optional fields = %v/%v/%v, want nil", out.Confidence, out.CallID, out.AudioFile)
	}
	if out.Metadata[memory.MetaModel] != "base.en" || out.Metadata[memory.MetaLanguage] != "en" {
		t.Errorf("metadata = %v", out.Metadata)
	}
	if d := out.Timestamp.Sub(in.Timestamp); d > time.Millisecond || d < -time.Millisecond {
		t.Errorf("timestamp = %v, want %v", out.Timestamp, in.Timestamp)
	}
}

func testRecentWindow(t *testing.T, s memory.TranscriptStore) {
	now := time.Now()
	mustSave(t, s, mic("newest", now.Add(-1*time.Minute)))
	mustSave(t, s, mic("too old", now.Add(-2*time.Hour)))
	mustSave(t, s, mic("oldest in window", now.Add(-4*time.Minute)))
	mustSave(t, s, mic("middle", now.Add(-2*time.Minute)))

	got, err := s.Recent(context.Background(), now.Add(-5*time.Minute), memory.SourceMicrophone)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	want := []string{"oldest in window", "middle", "newest"}
	if !equal(texts(got), want) {
		t.Errorf("Recent = %q, want %q", texts(got), want)
	}
}

func testRecentSource(t *testing.T, s memory.TranscriptStore) {
	now := time.Now()
	mustSave(t, s, mic("from the mic", now))
	sys := mic("from the speakers", now)
	sys.Source = memory.SourceSystemAudio
	mustSave(t, s, sys)

	got, err := s.Recent(context.Background(), now.Add(-time.Minute), memory.SourceSystemAudio)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if !equal(texts(got), []string{"from the speakers"}) {
		t.Errorf("Recent(system_audio) = %q", texts(got))
	}

	all, err := s.Recent(context.Background(), now.Add(-time.Minute), "")
	if err != nil {
		t.Fatalf("Recent(all): %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Recent(all) returned %d, want 2", len(all))
	}
}

func testSearchPrecision(t *testing.T, s memory.TranscriptStore) {
	now := time.Now()
	id1 := mustSave(t, s, mic("discuss the insurance policy", now.Add(-3*time.Minute)))
	mustSave(t, s, mic("compliance requirements changed", now.Add(-2*time.Minute)))
	id3 := mustSave(t, s, mic("insurance claim approved", now.Add(-1*time.Minute)))

	got, err := s.Search(context.Background(), "insurance", memory.SearchOpts{Since: now.Add(-7 * 24 * time.Hour)})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Search returned %q, want 2 records", texts(got))
	}
	if got[0].ID != id3 || got[1].ID != id1 {
		t.Errorf("Search ids = [%d %d], want [%d %d]", got[0].ID, got[1].ID, id3, id1)
	}
}

func testSearchOrder(t *testing.T, s memory.TranscriptStore) {
	now := time.Now()
	for i := range 5 {
		mustSave(t, s, mic("budget meeting notes", now.Add(time.Duration(i-5)*time.Minute)))
	}
	mustSave(t, s, mic("budget meeting final", now))

	got, err := s.Search(context.Background(), "budget", memory.SearchOpts{Limit: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Search returned %d records, want 3", len(got))
	}
	if got[0].Text != "budget meeting final" {
		t.Errorf("first result = %q, want newest", got[0].Text)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Errorf("results not newest first at %d", i)
		}
	}
}

func testSearchFilters(t *testing.T, s memory.TranscriptStore) {
	now := time.Now()
	mustSave(t, s, mic("quarterly report draft", now.Add(-30*24*time.Hour)))
	mustSave(t, s, mic("quarterly report final", now.Add(-time.Hour)))
	sys := mic("quarterly report webinar", now.Add(-time.Hour))
	sys.Source = memory.SourceSystemAudio
	mustSave(t, s, sys)

	got, err := s.Search(context.Background(), "quarterly report", memory.SearchOpts{
		Since:  now.Add(-7 * 24 * time.Hour),
		Source: memory.SourceMicrophone,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !equal(texts(got), []string{"quarterly report final"}) {
		t.Errorf("Search = %q", texts(got))
	}
}

func testSearchNone(t *testing.T, s memory.TranscriptStore) {
	mustSave(t, s, mic("nothing relevant here", time.Now()))
	got, err := s.Search(context.Background(), "kubernetes", memory.SearchOpts{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Search = %v, want empty non-nil slice", got)
	}
}

func testSearchOperators(t *testing.T, s memory.TranscriptStore) {
	mustSave(t, s, mic("the server crashed again", time.Now()))
	for _, q := range []string{`server"`, "server OR", "server*", "(server", "server -crashed"} {
		if _, err := s.Search(context.Background(), q, memory.SearchOpts{}); err != nil {
			t.Errorf("Search(%q): %v", q, err)
		}
	}
}

func testCleanupRetention(t *testing.T, s memory.TranscriptStore) {
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-100 * 24 * time.Hour)

	mustSave(t, s, mic("old microphone note", old))
	call := mic("old call note", old)
	call.CallID = ptr("call-42")
	mustSave(t, s, call)
	mustSave(t, s, mic("fresh microphone note", now))

	n, err := s.Cleanup(ctx, memory.CleanupOpts{Before: now.Add(-90 * 24 * time.Hour)})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("Cleanup deleted %d, want 1", n)
	}

	got, err := s.Recent(ctx, now.Add(-365*24*time.Hour), "")
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	want := []string{"old call note", "fresh microphone note"}
	if !equal(texts(got), want) {
		t.Errorf("remaining = %q, want %q", texts(got), want)
	}
	if got[0].CallID == nil || *got[0].CallID != "call-42" {
		t.Errorf("call id = %v", got[0].CallID)
	}
}

func testCleanupSources(t *testing.T, s memory.TranscriptStore) {
	ctx := context.Background()
	old := time.Now().Add(-100 * 24 * time.Hour)
	mustSave(t, s, mic("old mic", old))
	sys := mic("old system", old)
	sys.Source = memory.SourceSystemAudio
	mustSave(t, s, sys)

	n, err := s.Cleanup(ctx, memory.CleanupOpts{Before: time.Now().Add(-90 * 24 * time.Hour)})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("default sources deleted %d, want 1", n)
	}

	n, err = s.Cleanup(ctx, memory.CleanupOpts{
		Before:  time.Now().Add(-90 * 24 * time.Hour),
		Sources: []string{memory.SourceMicrophone, memory.SourceSystemAudio},
	})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("explicit sources deleted %d, want 1", n)
	}
}

func testPing(t *testing.T, s memory.TranscriptStore) {
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
