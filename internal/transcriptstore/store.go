package transcriptstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/capitalrow/MinaProd-sub000/internal/config"
)

// Segment is one committed transcript row.
type Segment struct {
	ID            string
	SessionID     string
	SpeakerID     int
	Text          string
	Confidence    float64
	FirstSeenAt   time.Time
	LastUpdatedAt time.Time
}

// Store archives sessions and their committed transcript segments in
// SQLite. Interim segments never reach the store; only finalized text
// is worth keeping.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the archive according to config. In ephemeral mode
// the store accepts writes and discards them.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("transcript store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("transcript store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    state TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS segments (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    speaker_id INTEGER,
    text TEXT NOT NULL,
    confidence REAL,
    first_seen_at TIMESTAMP NOT NULL,
    last_updated_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_segments_session_seen ON segments(session_id, first_seen_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sessionID, state string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, state, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET state=excluded.state`,
		sessionID, state, s.clock().UTC())
	return err
}

// AppendSegment writes one committed segment.
func (s *Store) AppendSegment(ctx context.Context, seg Segment) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO segments(id, session_id, speaker_id, text, confidence, first_seen_at, last_updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		seg.ID, seg.SessionID, seg.SpeakerID, seg.Text, seg.Confidence,
		seg.FirstSeenAt.UTC().Format(time.RFC3339Nano),
		seg.LastUpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// ListSessionSegments retrieves a session's committed transcript in
// commit order, up to limit rows.
func (s *Store) ListSessionSegments(ctx context.Context, sessionID string, limit int) ([]Segment, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, speaker_id, text, confidence, first_seen_at, last_updated_at
		 FROM segments WHERE session_id = ? ORDER BY first_seen_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var seg Segment
		var firstSeen, lastUpdated string
		if err := rows.Scan(&seg.ID, &seg.SessionID, &seg.SpeakerID, &seg.Text, &seg.Confidence, &firstSeen, &lastUpdated); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, firstSeen); err == nil {
			seg.FirstSeenAt = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, lastUpdated); err == nil {
			seg.LastUpdatedAt = ts
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// Prune applies configured retention (called on startup and at session
// close).
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM segments WHERE session_id IN (
			SELECT session_id FROM sessions WHERE created_at < ?
		)`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	// In session mode only the latest session survives a prune.
	maxSessions := s.cfg.MaxSessions
	if s.cfg.RetentionMode == "session" {
		maxSessions = 1
	}
	if maxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, maxSessions); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
