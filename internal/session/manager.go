package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalrow/MinaProd-sub000/internal/config"
	"github.com/capitalrow/MinaProd-sub000/internal/reconcile"
	"github.com/capitalrow/MinaProd-sub000/internal/transcriptstore"
)

var (
	// ErrSessionActive is returned by StartSession while another
	// session is still running.
	ErrSessionActive = errors.New("a session is already active")

	// ErrNoSession is returned by EndSession with nothing to end.
	ErrNoSession = errors.New("no active session")
)

// Archive persists sessions and committed segments. Satisfied by
// *transcriptstore.Store.
type Archive interface {
	AppendSession(ctx context.Context, sessionID, state string) error
	AppendSegment(ctx context.Context, seg transcriptstore.Segment) error
	Prune(ctx context.Context) error
}

// UpdateFunc observes transcript updates as they are applied.
type UpdateFunc func(sessionID string, update reconcile.Update)

// FlushFunc drains in-flight audio before a session finalizes. It is
// given a deadline context and should return once the final chunk has
// been delivered or the deadline passes.
type FlushFunc func(ctx context.Context) error

// Session is one capture-to-transcript run.
type Session struct {
	ID        string
	StartedAt time.Time
}

// Manager enforces the one-active-session rule and routes results into
// the reconciliation engine and archive.
type Manager struct {
	mu       sync.Mutex
	cfg      config.SessionConfig
	engine   *reconcile.Engine
	archive  Archive
	log      *slog.Logger
	clock    func() time.Time
	active   *Session
	onUpdate UpdateFunc
}

func NewManager(cfg config.SessionConfig, engine *reconcile.Engine, archive Archive, log *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		engine:  engine,
		archive: archive,
		log:     log,
		clock:   time.Now,
	}
}

// OnTranscriptUpdate registers the update observer. Must be called
// before the first session starts.
func (m *Manager) OnTranscriptUpdate(fn UpdateFunc) {
	m.onUpdate = fn
}

// Active reports the running session, if any.
func (m *Manager) Active() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Session{}, false
	}
	return *m.active, true
}

// StartSession begins a new session and resets transcript state.
func (m *Manager) StartSession(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionActive, m.active.ID)
	}

	sess := &Session{
		ID:        uuid.NewString(),
		StartedAt: m.clock(),
	}
	m.engine.Reset(sess.ID)

	if m.archive != nil {
		if err := m.archive.AppendSession(ctx, sess.ID, "active"); err != nil {
			m.log.Warn("archive session start", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
		}
	}

	m.active = sess
	m.log.Info("session started", slog.String("session_id", sess.ID))
	return *sess, nil
}

// ApplyResult folds one transcription result into the active session's
// transcript. Results for unknown or ended sessions are discarded.
func (m *Manager) ApplyResult(ctx context.Context, res reconcile.Result) (reconcile.Update, bool) {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()

	if active == nil || res.SessionID != active.ID {
		m.log.Warn("discarding result for unknown session",
			slog.String("session_id", res.SessionID))
		return reconcile.Update{}, false
	}

	update, ok := m.engine.Apply(res)
	if !ok {
		return reconcile.Update{}, false
	}

	if update.Committed && m.archive != nil {
		seg := transcriptstore.Segment{
			ID:            update.Segment.ID,
			SessionID:     active.ID,
			SpeakerID:     update.Segment.SpeakerID,
			Text:          update.Segment.Text,
			Confidence:    update.Segment.Confidence,
			FirstSeenAt:   update.Segment.FirstSeenAt,
			LastUpdatedAt: update.Segment.LastUpdatedAt,
		}
		if err := m.archive.AppendSegment(ctx, seg); err != nil {
			m.log.Warn("archive segment", slog.String("segment_id", seg.ID), slog.String("error", err.Error()))
		}
	}

	if m.onUpdate != nil {
		m.onUpdate(active.ID, update)
	}
	return update, true
}

// EndSession finalizes the active session: flush drains in-flight audio
// under the configured deadline, then the session closes and its
// committed transcript is returned. A flush failure is logged, not
// fatal; whatever was committed still comes back.
func (m *Manager) EndSession(ctx context.Context, flush FlushFunc) ([]reconcile.Segment, error) {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()

	if active == nil {
		return nil, ErrNoSession
	}

	if flush != nil {
		timeout := time.Duration(m.cfg.EndTimeoutMS) * time.Millisecond
		flushCtx, cancel := context.WithTimeout(ctx, timeout)
		err := flush(flushCtx)
		cancel()
		if err != nil {
			m.log.Warn("session flush incomplete",
				slog.String("session_id", active.ID), slog.String("error", err.Error()))
		}
	}

	transcript := m.engine.Committed()

	if m.archive != nil {
		if err := m.archive.AppendSession(ctx, active.ID, "ended"); err != nil {
			m.log.Warn("archive session end", slog.String("session_id", active.ID), slog.String("error", err.Error()))
		}
		if err := m.archive.Prune(ctx); err != nil {
			m.log.Warn("archive prune", slog.String("error", err.Error()))
		}
	}

	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()

	m.log.Info("session ended",
		slog.String("session_id", active.ID),
		slog.Int("segments", len(transcript)))
	return transcript, nil
}
