package reconcile

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result is one backend recognition result after transport decoding,
// annotated with whatever timing the transport could trace.
type Result struct {
	SessionID  string
	SpeakerID  int
	Text       string
	Confidence float64
	IsFinal    bool
	// CapturedAt is the capture time of the chunk that produced this
	// result, when the transport could correlate it. Zero otherwise.
	CapturedAt time.Time
	// SentAt is when the producing chunk left the client. Used for the
	// latency metric when CapturedAt is untraceable.
	SentAt time.Time
}

// Segment is one logical utterance lane entry. Interim segments are
// replaced in place until a final result promotes them to the committed
// transcript, after which they never change.
type Segment struct {
	ID            string
	SpeakerID     int
	Text          string
	Confidence    float64
	IsFinal       bool
	FirstSeenAt   time.Time
	LastUpdatedAt time.Time
}

// Update describes the effect of applying one result.
type Update struct {
	Segment   Segment
	Committed bool
	Latency   time.Duration
}

// Engine folds a stream of interim/final results into one append-only
// transcript. Interim results restate the whole in-progress utterance,
// so an incoming interim replaces the lane text rather than appending.
type Engine struct {
	mu        sync.Mutex
	sessionID string
	interim   map[int]*Segment
	committed []Segment
	clock     func() time.Time
	log       *slog.Logger
}

func NewEngine(log *slog.Logger) *Engine {
	return &Engine{
		interim: make(map[int]*Segment),
		clock:   time.Now,
		log:     log,
	}
}

// Reset clears all lanes and the committed transcript for a new session.
func (e *Engine) Reset(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionID = sessionID
	e.interim = make(map[int]*Segment)
	e.committed = nil
}

// SessionID returns the session the engine is currently bound to.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Apply folds one result into the transcript. The returned bool is
// false when the result was discarded: empty text, a session mismatch,
// or a duplicate of an already-committed utterance.
func (e *Engine) Apply(res Result) (Update, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if strings.TrimSpace(res.Text) == "" {
		return Update{}, false
	}
	if res.SessionID != "" && e.sessionID != "" && res.SessionID != e.sessionID {
		e.log.Warn("discarding result for unknown session",
			slog.String("session_id", res.SessionID),
			slog.String("active_session_id", e.sessionID))
		return Update{}, false
	}

	now := e.clock()

	lane, ok := e.interim[res.SpeakerID]
	switch {
	case ok && !res.IsFinal:
		// A new interim restates the utterance; supersede in place.
		lane.Text = res.Text
		lane.Confidence = res.Confidence
		lane.LastUpdatedAt = now
		return Update{Segment: *lane, Latency: e.latency(res, now)}, true

	case ok && res.IsFinal:
		if e.isDuplicate(res) {
			delete(e.interim, res.SpeakerID)
			return Update{}, false
		}
		lane.Text = res.Text
		lane.Confidence = res.Confidence
		lane.IsFinal = true
		lane.LastUpdatedAt = now
		committed := *lane
		e.committed = append(e.committed, committed)
		delete(e.interim, res.SpeakerID)
		return Update{Segment: committed, Committed: true, Latency: e.latency(res, now)}, true

	case res.IsFinal:
		if e.isDuplicate(res) {
			return Update{}, false
		}
		seg := Segment{
			ID:            uuid.NewString(),
			SpeakerID:     res.SpeakerID,
			Text:          res.Text,
			Confidence:    res.Confidence,
			IsFinal:       true,
			FirstSeenAt:   now,
			LastUpdatedAt: now,
		}
		e.committed = append(e.committed, seg)
		return Update{Segment: seg, Committed: true, Latency: e.latency(res, now)}, true

	default:
		seg := &Segment{
			ID:            uuid.NewString(),
			SpeakerID:     res.SpeakerID,
			Text:          res.Text,
			Confidence:    res.Confidence,
			FirstSeenAt:   now,
			LastUpdatedAt: now,
		}
		e.interim[res.SpeakerID] = seg
		return Update{Segment: *seg, Latency: e.latency(res, now)}, true
	}
}

// Committed returns a copy of the committed transcript in commit order.
func (e *Engine) Committed() []Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Segment, len(e.committed))
	copy(out, e.committed)
	return out
}

// Interim returns the current interim segment for a speaker, if any.
func (e *Engine) Interim(speakerID int) (Segment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if lane, ok := e.interim[speakerID]; ok {
		return *lane, true
	}
	return Segment{}, false
}

// isDuplicate guards against the backend resending an already-finalized
// utterance: a final whose normalized text is a prefix or suffix of the
// speaker's last committed segment is dropped.
func (e *Engine) isDuplicate(res Result) bool {
	last, ok := e.lastCommitted(res.SpeakerID)
	if !ok {
		return false
	}
	in := normalize(res.Text)
	prev := normalize(last.Text)
	if in == "" || prev == "" {
		return false
	}
	if strings.HasPrefix(prev, in) || strings.HasSuffix(prev, in) {
		e.log.Warn("discarding duplicate final result",
			slog.Int("speaker_id", res.SpeakerID),
			slog.String("text", res.Text))
		return true
	}
	return false
}

func (e *Engine) lastCommitted(speakerID int) (Segment, bool) {
	for i := len(e.committed) - 1; i >= 0; i-- {
		if e.committed[i].SpeakerID == speakerID {
			return e.committed[i], true
		}
	}
	return Segment{}, false
}

func (e *Engine) latency(res Result, now time.Time) time.Duration {
	if !res.CapturedAt.IsZero() {
		return now.Sub(res.CapturedAt)
	}
	if !res.SentAt.IsZero() {
		return now.Sub(res.SentAt)
	}
	return 0
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
