package reconcile

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newEngine() *Engine {
	e := NewEngine(newLogger())
	e.Reset("session-1")
	return e
}

func texts(segments []Segment) []string {
	var out []string
	for _, s := range segments {
		out = append(out, s.Text)
	}
	return out
}

func TestInterimInterimFinalCommitsOnce(t *testing.T) {
	e := newEngine()

	u1, ok := e.Apply(Result{SpeakerID: 1, Text: "hel", Confidence: 0.4})
	if !ok || u1.Committed {
		t.Fatalf("expected uncommitted interim, got %+v ok=%v", u1, ok)
	}
	u2, ok := e.Apply(Result{SpeakerID: 1, Text: "hello", Confidence: 0.6})
	if !ok || u2.Committed {
		t.Fatalf("expected uncommitted interim, got %+v ok=%v", u2, ok)
	}
	if u2.Segment.ID != u1.Segment.ID {
		t.Fatal("second interim must replace the first, not open a new segment")
	}
	if u2.Segment.Text != "hello" {
		t.Fatalf("expected superseded text, got %q", u2.Segment.Text)
	}

	u3, ok := e.Apply(Result{SpeakerID: 1, Text: "hello there", Confidence: 0.9, IsFinal: true})
	if !ok || !u3.Committed {
		t.Fatalf("expected committed final, got %+v ok=%v", u3, ok)
	}

	committed := e.Committed()
	if len(committed) != 1 || committed[0].Text != "hello there" {
		t.Fatalf("expected transcript [hello there], got %v", texts(committed))
	}
	if _, live := e.Interim(1); live {
		t.Fatal("interim lane must be cleared after promotion")
	}
}

func TestReplayedFinalIsIdempotent(t *testing.T) {
	e := newEngine()
	res := Result{SpeakerID: 1, Text: "hello there", Confidence: 0.9, IsFinal: true}
	if _, ok := e.Apply(res); !ok {
		t.Fatal("first final must commit")
	}
	if _, ok := e.Apply(res); ok {
		t.Fatal("replayed final must be discarded")
	}
	if got := e.Committed(); len(got) != 1 {
		t.Fatalf("expected 1 committed segment, got %d", len(got))
	}
}

func TestPrefixFinalIsDiscarded(t *testing.T) {
	e := newEngine()
	e.Apply(Result{SpeakerID: 1, Text: "good morning everyone", IsFinal: true})
	if _, ok := e.Apply(Result{SpeakerID: 1, Text: "Good morning", IsFinal: true}); ok {
		t.Fatal("prefix of last committed text must be discarded")
	}
	if _, ok := e.Apply(Result{SpeakerID: 1, Text: "everyone", IsFinal: true}); ok {
		t.Fatal("suffix of last committed text must be discarded")
	}
	if _, ok := e.Apply(Result{SpeakerID: 1, Text: "a new sentence", IsFinal: true}); !ok {
		t.Fatal("unrelated final must commit")
	}
}

func TestSpeakersHaveIndependentLanes(t *testing.T) {
	e := newEngine()
	e.Apply(Result{SpeakerID: 1, Text: "one"})
	e.Apply(Result{SpeakerID: 2, Text: "two"})

	if _, ok := e.Interim(1); !ok {
		t.Fatal("speaker 1 lane missing")
	}
	if _, ok := e.Interim(2); !ok {
		t.Fatal("speaker 2 lane missing")
	}

	e.Apply(Result{SpeakerID: 2, Text: "two done", IsFinal: true})
	if _, ok := e.Interim(1); !ok {
		t.Fatal("finalizing speaker 2 must not touch speaker 1 lane")
	}
}

func TestCommitOrderPerSpeaker(t *testing.T) {
	e := newEngine()
	e.Apply(Result{SpeakerID: 1, Text: "first utterance", IsFinal: true})
	e.Apply(Result{SpeakerID: 1, Text: "second utterance", IsFinal: true})
	committed := e.Committed()
	if len(committed) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(committed))
	}
	if committed[1].FirstSeenAt.Before(committed[0].FirstSeenAt) {
		t.Fatal("commit order must be non-decreasing by FirstSeenAt")
	}
}

func TestUnknownSessionResultDiscarded(t *testing.T) {
	e := newEngine()
	if _, ok := e.Apply(Result{SessionID: "other", SpeakerID: 1, Text: "stray"}); ok {
		t.Fatal("result for unknown session must be discarded")
	}
}

func TestEmptyTextDiscarded(t *testing.T) {
	e := newEngine()
	if _, ok := e.Apply(Result{SpeakerID: 1, Text: "   "}); ok {
		t.Fatal("blank result must be discarded")
	}
}

func TestLatencyPrefersCaptureTime(t *testing.T) {
	e := newEngine()
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return base }

	u, ok := e.Apply(Result{
		SpeakerID:  1,
		Text:       "timed",
		CapturedAt: base.Add(-750 * time.Millisecond),
		SentAt:     base.Add(-300 * time.Millisecond),
	})
	if !ok {
		t.Fatal("expected applied result")
	}
	if u.Latency != 750*time.Millisecond {
		t.Fatalf("expected latency from capture time, got %v", u.Latency)
	}

	u, _ = e.Apply(Result{SpeakerID: 1, Text: "timed more", SentAt: base.Add(-300 * time.Millisecond)})
	if u.Latency != 300*time.Millisecond {
		t.Fatalf("expected latency from send time, got %v", u.Latency)
	}
}

func TestResetClearsState(t *testing.T) {
	e := newEngine()
	e.Apply(Result{SpeakerID: 1, Text: "before", IsFinal: true})
	e.Reset("session-2")
	if len(e.Committed()) != 0 {
		t.Fatal("reset must clear committed transcript")
	}
	if _, ok := e.Apply(Result{SpeakerID: 1, Text: "before", IsFinal: true}); !ok {
		t.Fatal("dedup state must not survive reset")
	}
}
