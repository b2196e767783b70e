package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/contextengine/internal/observe"
	"github.com/MrWong99/contextengine/pkg/memory"
	"github.com/MrWong99/contextengine/pkg/memory/mock"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func ptr(s string) *string { return &s }

func seed(t *testing.T) *mock.Store {
	t.Helper()
	store := &mock.Store{Now: func() time.Time { return now }}
	recs := []memory.Transcript{
		{Timestamp: now.Add(-100 * 24 * time.Hour), Source: memory.SourceMicrophone, Text: "expired"},
		{Timestamp: now.Add(-100 * 24 * time.Hour), Source: memory.SourceCall, Text: "call audio", CallID: ptr("call-42")},
		{Timestamp: now.Add(-100 * 24 * time.Hour), Source: memory.SourceMicrophone, Text: "tied to a call", CallID: ptr("call-7")},
		{Timestamp: now.Add(-100 * 24 * time.Hour), Source: memory.SourceSystemAudio, Text: "old system audio"},
		{Timestamp: now.Add(-time.Hour), Source: memory.SourceMicrophone, Text: "fresh"},
	}
	for _, r := range recs {
		if _, err := store.Save(context.Background(), r); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	return store
}

func newSweeper(t *testing.T, cfg Config) *Sweeper {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return now }
	}
	if cfg.Metrics == nil {
		m, err := observe.NewMetrics(noop.NewMeterProvider())
		if err != nil {
			t.Fatalf("NewMetrics: %v", err)
		}
		cfg.Metrics = m
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func texts(recs []memory.Transcript) map[string]bool {
	out := make(map[string]bool, len(recs))
	for _, r := range recs {
		out[r.Text] = true
	}
	return out
}

func TestSweepNow_Defaults(t *testing.T) {
	t.Parallel()
	store := seed(t)
	s := newSweeper(t, Config{Store: store})

	n, err := s.SweepNow(context.Background())
	if err != nil {
		t.Fatalf("SweepNow: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	left := texts(store.Records())
	if left["expired"] {
		t.Error("expired microphone record was kept")
	}
	for _, keep := range []string{"call audio", "tied to a call", "old system audio", "fresh"} {
		if !left[keep] {
			t.Errorf("%q was deleted", keep)
		}
	}

	calls := store.Calls()
	opts := calls[len(calls)-1].Args[0].(memory.CleanupOpts)
	if want := now.Add(-DefaultMaxAge); !opts.Before.Equal(want) {
		t.Errorf("cutoff = %s, want %s", opts.Before, want)
	}
}

func TestSweepNow_Sources(t *testing.T) {
	t.Parallel()
	store := seed(t)
	s := newSweeper(t, Config{
		Store:   store,
		Sources: []string{memory.SourceMicrophone, memory.SourceSystemAudio, memory.SourceCall},
	})

	n, err := s.SweepNow(context.Background())
	if err != nil {
		t.Fatalf("SweepNow: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	left := texts(store.Records())
	if !left["call audio"] || !left["tied to a call"] {
		t.Error("records with a call-id must survive every sweep")
	}
}

func TestSweepNow_MaxAge(t *testing.T) {
	t.Parallel()
	store := seed(t)
	s := newSweeper(t, Config{Store: store, MaxAge: 30 * time.Minute})

	n, err := s.SweepNow(context.Background())
	if err != nil {
		t.Fatalf("SweepNow: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2 (expired and fresh)", n)
	}
}

func TestSetPolicy(t *testing.T) {
	t.Parallel()
	store := seed(t)
	s := newSweeper(t, Config{Store: store})
	s.SetPolicy(0, []string{memory.SourceSystemAudio})

	n, err := s.SweepNow(context.Background())
	if err != nil {
		t.Fatalf("SweepNow: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	left := texts(store.Records())
	if left["old system audio"] || !left["expired"] {
		t.Errorf("left = %v, want only system audio swept", left)
	}

	calls := store.Calls()
	opts := calls[len(calls)-1].Args[0].(memory.CleanupOpts)
	if want := now.Add(-DefaultMaxAge); !opts.Before.Equal(want) {
		t.Errorf("cutoff = %s, want the window kept at %s", opts.Before, want)
	}

	s.SetPolicy(time.Minute, nil)
	if _, err := s.SweepNow(context.Background()); err != nil {
		t.Fatalf("SweepNow: %v", err)
	}
	calls = store.Calls()
	opts = calls[len(calls)-1].Args[0].(memory.CleanupOpts)
	if want := now.Add(-time.Minute); !opts.Before.Equal(want) {
		t.Errorf("cutoff = %s, want %s", opts.Before, want)
	}
}

func TestSweepNow_StoreError(t *testing.T) {
	t.Parallel()
	store := &mock.Store{CleanupErr: errors.New("database is locked")}
	s := newSweeper(t, Config{Store: store})

	if _, err := s.SweepNow(context.Background()); err == nil {
		t.Fatal("expected an error")
	}
}

func TestRun_SweepsAtStartAndOnTick(t *testing.T) {
	t.Parallel()
	store := &mock.Store{}
	s := newSweeper(t, Config{Store: store, Interval: 5 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for store.CallCount("Cleanup") < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("Cleanup calls = %d after 2s", store.CallCount("Cleanup"))
		}
		time.Sleep(time.Millisecond)
	}

	s.Stop()
	s.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRun_ContextCancel(t *testing.T) {
	t.Parallel()
	store := &mock.Store{CleanupErr: errors.New("boom")}
	s := newSweeper(t, Config{Store: store, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for store.CallCount("Cleanup") < 1 {
		if time.Now().After(deadline) {
			t.Fatal("initial sweep did not run")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without a store")
	}
	if _, err := New(Config{Store: &mock.Store{}, MaxAge: -time.Hour}); err == nil {
		t.Error("expected error for a negative max age")
	}
}
