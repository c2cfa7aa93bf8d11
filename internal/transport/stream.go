package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/capitalrow/MinaProd-sub000/internal/audio"
	"github.com/capitalrow/MinaProd-sub000/internal/config"
	"github.com/capitalrow/MinaProd-sub000/internal/protocol"
)

// Stream is the persistent-channel transport: binary audio frames out,
// JSON control and result messages in, over one websocket.
type Stream struct {
	cfg      config.TransportConfig
	onResult ResultFunc
	onDown   func()
	log      *slog.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	sessionID string
	closed    bool
	down      bool
	lastSend  time.Time
	readWG    sync.WaitGroup
}

func NewStream(cfg config.TransportConfig, onResult ResultFunc, log *slog.Logger) *Stream {
	return &Stream{
		cfg:      cfg,
		onResult: onResult,
		log:      log,
	}
}

// Connect dials the channel, joins the session, and waits for the
// explicit connected acknowledgment. A socket-open event alone does not
// count: without the ack within the handshake timeout the attempt
// fails.
func (s *Stream) Connect(ctx context.Context, sessionID string) error {
	timeout := time.Duration(s.cfg.HandshakeTimeoutMS) * time.Millisecond
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.cfg.StreamURL, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}

	join, err := protocol.EncodeJoinSession(sessionID)
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		conn.Close()
		return fmt.Errorf("send join: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	msg, err := protocol.DecodeServerMessage(data)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if msg.Control == nil || msg.Control.Type != protocol.TypeConnected {
		conn.Close()
		return fmt.Errorf("%w: unexpected first frame", ErrHandshake)
	}
	_ = conn.SetReadDeadline(time.Time{})

	s.mu.Lock()
	if old := s.conn; old != nil {
		old.Close()
	}
	s.conn = conn
	s.sessionID = sessionID
	s.closed = false
	s.down = false
	s.mu.Unlock()

	s.log.Info("persistent channel connected",
		slog.String("server", msg.Control.Server),
		slog.String("session_id", sessionID))

	s.readWG.Add(1)
	go s.readLoop(conn)
	return nil
}

// Send writes one chunk. Audio payloads go as binary frames; the
// zero-length end-of-stream marker goes as a JSON chunk message since
// an empty binary frame would be ambiguous.
func (s *Stream) Send(_ context.Context, chunk audio.Chunk) error {
	s.mu.Lock()
	conn := s.conn
	sessionID := s.sessionID
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.down {
		s.mu.Unlock()
		return fmt.Errorf("persistent channel closed unexpectedly")
	}
	s.lastSend = time.Now()
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if chunk.IsFinal {
		marker, err := json.Marshal(protocol.AudioChunkMsg{
			SessionID:    sessionID,
			Sequence:     chunk.Sequence,
			MimeType:     chunk.MimeType,
			CapturedAtMS: chunk.CapturedAt.UnixMilli(),
			IsFinalChunk: true,
		})
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, marker); err != nil {
			return fmt.Errorf("send final marker: %w", err)
		}
		return nil
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, chunk.Data); err != nil {
		return fmt.Errorf("send audio frame: %w", err)
	}
	return nil
}

// Close tears the channel down. After Close returns no result callback
// fires. Idempotent.
func (s *Stream) Close(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		conn.Close()
	}
	s.readWG.Wait()
	return nil
}

func (s *Stream) readLoop(conn *websocket.Conn) {
	defer s.readWG.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			if !closed {
				s.down = true
			}
			s.mu.Unlock()
			if !closed {
				s.log.Warn("persistent channel read failed", slog.String("error", err.Error()))
				if s.onDown != nil {
					s.onDown()
				}
			}
			return
		}

		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			s.log.Warn("undecodable server frame", slog.String("error", err.Error()))
			continue
		}
		if msg.Control != nil {
			if msg.Control.Type == protocol.TypeError {
				s.log.Warn("backend error", slog.String("message", msg.Control.Message))
			}
			continue
		}

		s.mu.Lock()
		closed := s.closed
		sentAt := s.lastSend
		s.mu.Unlock()
		if closed {
			return
		}
		s.onResult(Result{Msg: *msg.Result, SentAt: sentAt})
	}
}
