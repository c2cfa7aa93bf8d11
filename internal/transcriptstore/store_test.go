package transcriptstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/capitalrow/MinaProd-sub000/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.StoreConfig {
	t.Helper()
	return config.StoreConfig{
		Path:          filepath.Join(t.TempDir(), "transcripts.db"),
		RetentionMode: "persistent",
		RetentionDays: 30,
		MaxSessions:   100,
	}
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, config.StoreConfig{RetentionMode: "ephemeral"}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.AppendSession(ctx, "s-1", "active"); err != nil {
		t.Fatalf("AppendSession: %v", err)
	}
	if err := store.AppendSegment(ctx, Segment{ID: "seg-1", SessionID: "s-1", Text: "hello"}); err != nil {
		t.Fatalf("AppendSegment: %v", err)
	}
	segments, err := store.ListSessionSegments(ctx, "s-1", 10)
	if err != nil {
		t.Fatalf("ListSessionSegments: %v", err)
	}
	if len(segments) != 0 {
		t.Fatalf("expected ephemeral store to discard writes, got %d segments", len(segments))
	}
}

func TestAppendAndList(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.AppendSession(ctx, "s-1", "active"); err != nil {
		t.Fatalf("AppendSession: %v", err)
	}

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i, text := range []string{"hello there", "how are you"} {
		seg := Segment{
			ID:            "seg-" + text[:3],
			SessionID:     "s-1",
			SpeakerID:     i,
			Text:          text,
			Confidence:    0.9,
			FirstSeenAt:   base.Add(time.Duration(i) * time.Second),
			LastUpdatedAt: base.Add(time.Duration(i)*time.Second + 500*time.Millisecond),
		}
		if err := store.AppendSegment(ctx, seg); err != nil {
			t.Fatalf("AppendSegment %q: %v", text, err)
		}
	}

	segments, err := store.ListSessionSegments(ctx, "s-1", 10)
	if err != nil {
		t.Fatalf("ListSessionSegments: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}
	if segments[0].Text != "hello there" || segments[1].Text != "how are you" {
		t.Fatalf("unexpected commit order: %q, %q", segments[0].Text, segments[1].Text)
	}
	if segments[1].SpeakerID != 1 {
		t.Fatalf("expected speaker 1, got %d", segments[1].SpeakerID)
	}
	if !segments[0].FirstSeenAt.Equal(base) {
		t.Fatalf("expected first seen %v, got %v", base, segments[0].FirstSeenAt)
	}
}

func TestAppendSegmentIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.AppendSession(ctx, "s-1", "active"); err != nil {
		t.Fatalf("AppendSession: %v", err)
	}
	seg := Segment{ID: "seg-1", SessionID: "s-1", Text: "hello", FirstSeenAt: time.Now(), LastUpdatedAt: time.Now()}
	for i := 0; i < 3; i++ {
		if err := store.AppendSegment(ctx, seg); err != nil {
			t.Fatalf("AppendSegment attempt %d: %v", i, err)
		}
	}
	segments, err := store.ListSessionSegments(ctx, "s-1", 10)
	if err != nil {
		t.Fatalf("ListSessionSegments: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("expected 1 segment after replays, got %d", len(segments))
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.RetentionDays = 7
	cfg.MaxSessions = 2

	store, err := Open(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	// Old session falls outside the retention window.
	store.clock = func() time.Time { return now.AddDate(0, 0, -10) }
	if err := store.AppendSession(ctx, "s-old", "ended"); err != nil {
		t.Fatalf("AppendSession old: %v", err)
	}
	if err := store.AppendSegment(ctx, Segment{ID: "seg-old", SessionID: "s-old", Text: "stale"}); err != nil {
		t.Fatalf("AppendSegment old: %v", err)
	}

	store.clock = func() time.Time { return now }
	for _, id := range []string{"s-1", "s-2", "s-3"} {
		if err := store.AppendSession(ctx, id, "ended"); err != nil {
			t.Fatalf("AppendSession %s: %v", id, err)
		}
		// Keep created_at ordering distinct for the max-sessions cut.
		now = now.Add(time.Minute)
	}

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	segments, err := store.ListSessionSegments(ctx, "s-old", 10)
	if err != nil {
		t.Fatalf("ListSessionSegments: %v", err)
	}
	if len(segments) != 0 {
		t.Fatalf("expected stale session segments pruned, got %d", len(segments))
	}

	var count int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 sessions after prune, got %d", count)
	}
}

func TestSessionModeKeepsOnlyLatest(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.RetentionMode = "session"

	store, err := Open(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"s-1", "s-2"} {
		offset := time.Duration(i) * time.Minute
		store.clock = func() time.Time { return now.Add(offset) }
		if err := store.AppendSession(ctx, id, "ended"); err != nil {
			t.Fatalf("AppendSession %s: %v", id, err)
		}
	}

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	var survivor string
	if err := store.db.QueryRowContext(ctx, `SELECT session_id FROM sessions`).Scan(&survivor); err != nil {
		t.Fatalf("query surviving session: %v", err)
	}
	if survivor != "s-2" {
		t.Fatalf("expected latest session to survive, got %q", survivor)
	}
}
