package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/capitalrow/MinaProd-sub000/internal/config"
	"github.com/capitalrow/MinaProd-sub000/internal/connstate"
	"github.com/capitalrow/MinaProd-sub000/internal/protocol"
	"github.com/capitalrow/MinaProd-sub000/internal/reconcile"
)

// Client mirrors transcript updates and connection state changes onto a
// NATS bus so other local processes (captioning overlays, note takers)
// can follow a session live. Publishing is fire and forget; a lost
// mirror message never blocks transcription.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

// TranscriptEvent is the wire shape of a mirrored transcript update.
type TranscriptEvent struct {
	SessionID  string  `json:"session_id"`
	SegmentID  string  `json:"segment_id"`
	SpeakerID  int     `json:"speaker_id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Committed  bool    `json:"committed"`
	LatencyMS  int64   `json:"latency_ms"`
}

// StateEvent is the wire shape of a mirrored connection state change.
type StateEvent struct {
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state"`
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("mina-client"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn: conn,
		log:  log,
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// PublishTranscript mirrors one reconciliation update. Interim segments
// go to the partial subject, committed ones to the final subject.
func (c *Client) PublishTranscript(sessionID string, update reconcile.Update) {
	if c == nil || c.conn == nil {
		return
	}
	event := TranscriptEvent{
		SessionID:  sessionID,
		SegmentID:  update.Segment.ID,
		SpeakerID:  update.Segment.SpeakerID,
		Text:       update.Segment.Text,
		Confidence: update.Segment.Confidence,
		Committed:  update.Committed,
		LatencyMS:  update.Latency.Milliseconds(),
	}
	subject := protocol.SubjectTranscriptPartial
	if update.Committed {
		subject = protocol.SubjectTranscriptFinal
	}
	c.publish(subject, event)
}

// PublishState mirrors a connection state transition.
func (c *Client) PublishState(sessionID string, state connstate.State) {
	if c == nil || c.conn == nil {
		return
	}
	c.publish(protocol.SubjectConnState, StateEvent{
		SessionID: sessionID,
		State:     state.String(),
	})
}

func (c *Client) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn("encode bus event", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := c.conn.Publish(subject, data); err != nil {
		c.log.Warn("publish bus event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
