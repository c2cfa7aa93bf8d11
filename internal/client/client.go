package client

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/capitalrow/MinaProd-sub000/internal/audio"
	"github.com/capitalrow/MinaProd-sub000/internal/bus"
	"github.com/capitalrow/MinaProd-sub000/internal/config"
	"github.com/capitalrow/MinaProd-sub000/internal/connstate"
	"github.com/capitalrow/MinaProd-sub000/internal/reconcile"
	"github.com/capitalrow/MinaProd-sub000/internal/runtime"
	"github.com/capitalrow/MinaProd-sub000/internal/session"
	"github.com/capitalrow/MinaProd-sub000/internal/transport"
)

// Client wires capture, chunking, transport, reconciliation and session
// management into one transcription pipeline. The transport switcher is
// rebuilt for every session: a downgrade to upload mode is permanent
// within a session but the next session probes the persistent channel
// again.
type Client struct {
	cfg    config.Config
	log    *slog.Logger
	mirror *bus.Client
	stats  transport.Stats

	machine *connstate.Machine
	engine  *reconcile.Engine
	manager *session.Manager
	source  audio.Source

	mu            sync.Mutex
	onUpdate      session.UpdateFunc
	switcher      *transport.Switcher
	chunker       *audio.Chunker
	captureCancel context.CancelFunc
	captureDone   chan struct{}
}

// Status is the snapshot served by the runtime's /status endpoint.
type Status struct {
	SessionID  string `json:"session_id,omitempty"`
	State      string `json:"connection_state"`
	Mode       string `json:"transport_mode,omitempty"`
	Committed  int    `json:"committed_segments"`
	Transcript string `json:"transcript,omitempty"`
}

type metricsStats struct {
	metrics *runtime.Metrics
}

func (s metricsStats) ChunkSent()    { s.metrics.ChunksSent.Add(context.Background(), 1) }
func (s metricsStats) ChunkDropped() { s.metrics.ChunksDropped.Add(context.Background(), 1) }
func (s metricsStats) Reconnect()    { s.metrics.Reconnects.Add(context.Background(), 1) }
func (s metricsStats) Downgrade()    { s.metrics.Downgrades.Add(context.Background(), 1) }

// New assembles the pipeline. archive, mirror and metrics may be nil.
func New(cfg config.Config, archive session.Archive, mirror *bus.Client, metrics *runtime.Metrics, log *slog.Logger) (*Client, error) {
	source, err := audio.NewSource(cfg.Capture)
	if err != nil {
		return nil, fmt.Errorf("create capture source: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		log:    log.With(slog.String("component", "client")),
		mirror: mirror,
		source: source,
	}
	if metrics != nil {
		c.stats = metricsStats{metrics: metrics}
	}

	c.machine = connstate.New(cfg.Transport, log)
	c.engine = reconcile.NewEngine(log)
	c.manager = session.NewManager(cfg.Session, c.engine, archive, log)

	c.manager.OnTranscriptUpdate(func(sessionID string, update reconcile.Update) {
		if mirror != nil {
			mirror.PublishTranscript(sessionID, update)
		}
		if metrics != nil {
			metrics.ResultsApplied.Add(context.Background(), 1)
		}
		c.mu.Lock()
		fn := c.onUpdate
		c.mu.Unlock()
		if fn != nil {
			fn(sessionID, update)
		}
	})
	c.machine.Subscribe(func(state connstate.State) {
		if mirror != nil {
			sessionID := ""
			if sess, ok := c.manager.Active(); ok {
				sessionID = sess.ID
			}
			mirror.PublishState(sessionID, state)
		}
	})

	return c, nil
}

// OnTranscriptUpdate registers an observer invoked for every applied
// transcript update.
func (c *Client) OnTranscriptUpdate(fn session.UpdateFunc) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// OnConnectionStateChange registers an observer for connection state
// transitions.
func (c *Client) OnConnectionStateChange(fn connstate.Observer) {
	c.machine.Subscribe(fn)
}

// CaptureDone reports when the capture source of the current session is
// exhausted. Returns a closed channel outside a session.
func (c *Client) CaptureDone() <-chan struct{} {
	c.mu.Lock()
	done := c.captureDone
	c.mu.Unlock()
	if done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return done
}

// Machine exposes the connection state machine for observers.
func (c *Client) Machine() *connstate.Machine {
	return c.machine
}

// Manager exposes session lifecycle operations.
func (c *Client) Manager() *session.Manager {
	return c.manager
}

// onResult translates a transport result into the reconciliation shape
// and routes it through the session manager.
func (c *Client) onResult(res transport.Result) {
	r := reconcile.Result{
		SessionID:  res.Msg.SessionID,
		Text:       res.Msg.Text,
		Confidence: res.Msg.Confidence,
		IsFinal:    res.Msg.IsFinal,
		CapturedAt: res.CapturedAt,
		SentAt:     res.SentAt,
	}
	if res.Msg.SpeakerID != nil {
		r.SpeakerID = *res.Msg.SpeakerID
	}
	c.manager.ApplyResult(context.Background(), r)
}

// Status reports the current session, connection and transcript state.
func (c *Client) Status() Status {
	c.mu.Lock()
	switcher := c.switcher
	c.mu.Unlock()

	st := Status{State: c.machine.State().String()}
	if switcher != nil {
		st.Mode = switcher.Mode().String()
	}
	if sess, ok := c.manager.Active(); ok {
		st.SessionID = sess.ID
	}

	committed := c.engine.Committed()
	st.Committed = len(committed)
	texts := make([]string, 0, len(committed))
	for _, seg := range committed {
		texts = append(texts, seg.Text)
	}
	st.Transcript = strings.Join(texts, " ")
	return st
}

// StartSession begins a new capture session: it registers the session,
// connects a fresh transport and starts the capture loop.
func (c *Client) StartSession(ctx context.Context) (session.Session, error) {
	sess, err := c.manager.StartSession(ctx)
	if err != nil {
		return session.Session{}, err
	}

	switcher := transport.NewSwitcher(c.cfg.Transport, c.machine, c.onResult, c.log)
	if c.stats != nil {
		switcher.SetStats(c.stats)
	}
	chunker := audio.NewChunker(switcher, c.cfg.Capture.MimeType, c.log)

	if err := switcher.Connect(ctx, sess.ID); err != nil {
		_, _ = c.manager.EndSession(ctx, nil)
		return session.Session{}, fmt.Errorf("connect transport: %w", err)
	}

	captureCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.switcher = switcher
	c.chunker = chunker
	c.captureCancel = cancel
	c.captureDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		err := c.source.Stream(captureCtx, func(raw []byte) {
			chunker.OnAudioAvailable(raw, time.Time{})
		})
		if err != nil && captureCtx.Err() == nil {
			c.log.Error("capture stream failed", slog.String("error", err.Error()))
		}
	}()

	c.log.Info("capture started",
		slog.String("session_id", sess.ID),
		slog.String("mode", switcher.Mode().String()))
	return sess, nil
}

// EndSession stops capture, emits the end-of-stream marker, waits for
// the outbound queue to drain and returns the committed transcript.
func (c *Client) EndSession(ctx context.Context) ([]reconcile.Segment, error) {
	c.mu.Lock()
	switcher := c.switcher
	chunker := c.chunker
	cancel := c.captureCancel
	done := c.captureDone
	c.switcher = nil
	c.chunker = nil
	c.captureCancel = nil
	c.captureDone = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	var flush session.FlushFunc
	if switcher != nil {
		flush = func(flushCtx context.Context) error {
			chunker.Stop()
			return switcher.Close(flushCtx)
		}
	}
	return c.manager.EndSession(ctx, flush)
}

// Close tears the pipeline down, ending any active session first.
func (c *Client) Close(ctx context.Context) error {
	if _, ok := c.manager.Active(); ok {
		if _, err := c.EndSession(ctx); err != nil {
			c.log.Warn("end session on close", slog.String("error", err.Error()))
		}
	}
	return nil
}
