package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/capitalrow/MinaProd-sub000/internal/config"
	"github.com/capitalrow/MinaProd-sub000/internal/reconcile"
	"github.com/capitalrow/MinaProd-sub000/internal/transcriptstore"
)

type fakeArchive struct {
	sessions map[string]string
	segments []transcriptstore.Segment
	pruned   int
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{sessions: make(map[string]string)}
}

func (f *fakeArchive) AppendSession(_ context.Context, sessionID, state string) error {
	f.sessions[sessionID] = state
	return nil
}

func (f *fakeArchive) AppendSegment(_ context.Context, seg transcriptstore.Segment) error {
	f.segments = append(f.segments, seg)
	return nil
}

func (f *fakeArchive) Prune(_ context.Context) error {
	f.pruned++
	return nil
}

func testManager(t *testing.T) (*Manager, *fakeArchive) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	archive := newFakeArchive()
	engine := reconcile.NewEngine(log)
	mgr := NewManager(config.SessionConfig{EndTimeoutMS: 200}, engine, archive, log)
	return mgr, archive
}

func TestStartSessionOnlyOneActive(t *testing.T) {
	ctx := context.Background()
	mgr, archive := testManager(t)

	sess, err := mgr.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected a session ID")
	}
	if archive.sessions[sess.ID] != "active" {
		t.Fatalf("expected archived state active, got %q", archive.sessions[sess.ID])
	}

	if _, err := mgr.StartSession(ctx); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}

	if _, err := mgr.EndSession(ctx, nil); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if _, err := mgr.StartSession(ctx); err != nil {
		t.Fatalf("StartSession after end: %v", err)
	}
}

func TestApplyResultArchivesCommitted(t *testing.T) {
	ctx := context.Background()
	mgr, archive := testManager(t)

	var updates []reconcile.Update
	mgr.OnTranscriptUpdate(func(_ string, update reconcile.Update) {
		updates = append(updates, update)
	})

	sess, err := mgr.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if _, ok := mgr.ApplyResult(ctx, reconcile.Result{
		SessionID: sess.ID, Text: "hel", IsFinal: false,
	}); !ok {
		t.Fatal("expected interim result applied")
	}
	if len(archive.segments) != 0 {
		t.Fatalf("interim result must not be archived, got %d segments", len(archive.segments))
	}

	update, ok := mgr.ApplyResult(ctx, reconcile.Result{
		SessionID: sess.ID, Text: "hello there", IsFinal: true, Confidence: 0.95,
	})
	if !ok || !update.Committed {
		t.Fatalf("expected committed update, got ok=%v committed=%v", ok, update.Committed)
	}
	if len(archive.segments) != 1 || archive.segments[0].Text != "hello there" {
		t.Fatalf("unexpected archived segments: %+v", archive.segments)
	}
	if archive.segments[0].SessionID != sess.ID {
		t.Fatalf("archived segment has session %q, want %q", archive.segments[0].SessionID, sess.ID)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 observed updates, got %d", len(updates))
	}
}

func TestApplyResultUnknownSessionDiscarded(t *testing.T) {
	ctx := context.Background()
	mgr, archive := testManager(t)

	if _, ok := mgr.ApplyResult(ctx, reconcile.Result{SessionID: "ghost", Text: "hi", IsFinal: true}); ok {
		t.Fatal("expected result discarded with no active session")
	}

	sess, err := mgr.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, ok := mgr.ApplyResult(ctx, reconcile.Result{SessionID: "other", Text: "hi", IsFinal: true}); ok {
		t.Fatal("expected mismatched session result discarded")
	}
	if len(archive.segments) != 0 {
		t.Fatalf("expected nothing archived, got %d", len(archive.segments))
	}

	if _, err := mgr.EndSession(ctx, nil); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if _, ok := mgr.ApplyResult(ctx, reconcile.Result{SessionID: sess.ID, Text: "late", IsFinal: true}); ok {
		t.Fatal("expected result for ended session discarded")
	}
}

func TestEndSessionFlushDeadline(t *testing.T) {
	ctx := context.Background()
	mgr, archive := testManager(t)

	sess, err := mgr.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	mgr.ApplyResult(ctx, reconcile.Result{SessionID: sess.ID, Text: "hello", IsFinal: true})

	start := time.Now()
	transcript, err := mgr.EndSession(ctx, func(flushCtx context.Context) error {
		<-flushCtx.Done()
		return flushCtx.Err()
	})
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond || elapsed > time.Second {
		t.Fatalf("flush deadline not honored, took %v", elapsed)
	}
	if len(transcript) != 1 || transcript[0].Text != "hello" {
		t.Fatalf("unexpected transcript: %+v", transcript)
	}
	if archive.sessions[sess.ID] != "ended" {
		t.Fatalf("expected archived state ended, got %q", archive.sessions[sess.ID])
	}
	if archive.pruned != 1 {
		t.Fatalf("expected prune on session end, got %d", archive.pruned)
	}
}

func TestEndSessionWithoutActive(t *testing.T) {
	mgr, _ := testManager(t)
	if _, err := mgr.EndSession(context.Background(), nil); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}
