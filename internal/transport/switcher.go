package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/capitalrow/MinaProd-sub000/internal/audio"
	"github.com/capitalrow/MinaProd-sub000/internal/config"
	"github.com/capitalrow/MinaProd-sub000/internal/connstate"
)

// Mode identifies the active delivery mechanism.
type Mode int

const (
	ModeStream Mode = iota
	ModeUpload
)

func (m Mode) String() string {
	if m == ModeStream {
		return "stream"
	}
	return "upload"
}

// Switcher fronts the two transports. It probes the persistent channel
// first, falls back to upload mode, and once downgraded never flaps
// back for the rest of the session. It owns the bounded outbound queue
// that decouples capture from network I/O.
type Switcher struct {
	cfg     config.TransportConfig
	machine *connstate.Machine
	stream  *Stream
	upload  *Upload
	log     *slog.Logger

	queue chan audio.Chunk

	mu             sync.Mutex
	mode           Mode
	sessionID      string
	sendFailures   int
	sawFinal       bool
	finalDelivered bool
	closing        bool
	closed         bool

	onResult       ResultFunc
	stats          Stats
	flushed        chan struct{}
	flushOnce      sync.Once
	lastResult     chan struct{}
	lastResultOnce sync.Once
	closeOnce      sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSwitcher(cfg config.TransportConfig, machine *connstate.Machine, onResult ResultFunc, log *slog.Logger) *Switcher {
	s := &Switcher{
		cfg:      cfg,
		machine:  machine,
		log:      log,
		queue:      make(chan audio.Chunk, cfg.QueueSize),
		onResult:   onResult,
		flushed:    make(chan struct{}),
		lastResult: make(chan struct{}),
	}
	gated := func(r Result) {
		s.mu.Lock()
		closed := s.closed
		lastForSession := s.finalDelivered && r.Msg.IsFinal
		s.mu.Unlock()
		if closed {
			return
		}
		s.onResult(r)
		if lastForSession {
			s.signalLastResult()
		}
	}
	s.stream = NewStream(cfg, gated, log)
	s.stream.onDown = s.streamDown
	s.upload = NewUpload(cfg, gated, log)
	return s
}

func (s *Switcher) signalLastResult() {
	s.lastResultOnce.Do(func() { close(s.lastResult) })
}

// streamDown is invoked by the stream's read loop on an unexpected
// channel close, so the state machine shows Degraded before the next
// send trips over the dead connection.
func (s *Switcher) streamDown() {
	s.mu.Lock()
	streamMode := s.mode == ModeStream
	quiescing := s.closing || s.closed
	s.mu.Unlock()
	if streamMode && !quiescing && s.machine.State() == connstate.Connected {
		s.machine.MarkDegraded()
	}
}

// SetStats installs delivery counters. Call before Connect.
func (s *Switcher) SetStats(stats Stats) {
	s.stats = stats
}

// Connect probes the persistent channel and starts the delivery worker.
// A failed probe downgrades to upload mode for the whole session.
func (s *Switcher) Connect(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.sessionID = sessionID
	s.mu.Unlock()

	s.machine.BeginConnect()

	mode := ModeUpload
	if s.cfg.StreamURL != "" {
		if err := s.stream.Connect(ctx, sessionID); err == nil {
			mode = ModeStream
		} else {
			s.log.Warn("persistent channel probe failed, downgrading to upload mode",
				slog.String("error", err.Error()))
		}
	}

	if mode == ModeUpload {
		if s.cfg.UploadURL == "" {
			s.machine.MarkFailed()
			return fmt.Errorf("no usable transport: stream probe failed and no upload_url configured")
		}
		if err := s.upload.Connect(ctx, sessionID); err != nil {
			s.machine.MarkFailed()
			return err
		}
	}

	s.mu.Lock()
	s.mode = mode
	s.sendFailures = 0
	s.mu.Unlock()

	if mode == ModeStream {
		s.machine.MarkConnected()
	} else if s.cfg.StreamURL != "" {
		// Observable downgrade; the first successful upload marks the
		// transport healthy again.
		s.machine.MarkFailed()
	} else {
		s.machine.MarkConnected()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.ctx = runCtx
	s.cancel = cancel
	s.wg.Add(1)
	go s.run()
	return nil
}

// Mode returns the active delivery mechanism.
func (s *Switcher) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Enqueue implements audio.Sink. It never blocks the capture callback:
// when the queue is full the oldest chunk is dropped and logged.
func (s *Switcher) Enqueue(chunk audio.Chunk) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if chunk.IsFinal {
		s.sawFinal = true
	}
	s.mu.Unlock()

	for {
		select {
		case s.queue <- chunk:
			return
		default:
			select {
			case dropped := <-s.queue:
				s.log.Warn("outbound queue full, dropping oldest chunk",
					slog.Uint64("sequence", dropped.Sequence))
				if s.stats != nil {
					s.stats.ChunkDropped()
				}
			default:
			}
		}
	}
}

// Close delivers the already-queued chunks (including the final marker)
// and then keeps the result path open until the backend's result for
// the final chunk lands, all within the close timeout. Only then are
// both transports torn down. Idempotent and safe from any state; after
// it returns no result callback fires.
func (s *Switcher) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		started := s.ctx != nil
		pending := len(s.queue)
		sawFinal := s.sawFinal
		s.mu.Unlock()

		deadline := time.Now().Add(time.Duration(s.cfg.CloseTimeoutMS) * time.Millisecond)

		if started && (pending > 0 || sawFinal) {
			select {
			case <-s.flushed:
			case <-time.After(time.Until(deadline)):
				s.log.Warn("close timeout before queue drained",
					slog.Int("pending", len(s.queue)))
			case <-ctx.Done():
			}
		}

		// In stream mode the result for the final chunk arrives
		// asynchronously after the marker.
		if started && sawFinal {
			select {
			case <-s.lastResult:
			case <-time.After(time.Until(deadline)):
				s.log.Warn("close timeout before last result")
			case <-ctx.Done():
			}
		}

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.cancel != nil {
			s.cancel()
		}
		_ = s.stream.Close(ctx)
		_ = s.upload.Close(ctx)
		s.wg.Wait()
		s.machine.MarkDisconnected()
	})
	return nil
}

func (s *Switcher) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case chunk := <-s.queue:
			s.deliver(chunk)
			s.mu.Lock()
			closing := s.closing
			pending := len(s.queue)
			s.mu.Unlock()
			if chunk.IsFinal || (closing && pending == 0) {
				s.flushOnce.Do(func() { close(s.flushed) })
			}
		}
	}
}

func (s *Switcher) deliver(chunk audio.Chunk) {
	if chunk.IsFinal {
		s.mu.Lock()
		s.finalDelivered = true
		s.mu.Unlock()
	}
	if s.Mode() == ModeStream {
		if s.deliverStream(chunk) {
			return
		}
		if s.ctx.Err() != nil {
			return
		}
	}
	s.deliverUpload(chunk)
}

// deliverStream sends over the persistent channel, driving the state
// machine through degraded/reconnect cycles. Returns false once the
// switcher has permanently downgraded to upload mode.
func (s *Switcher) deliverStream(chunk audio.Chunk) bool {
	err := s.stream.Send(s.ctx, chunk)
	if err == nil {
		s.resetFailures()
		s.noteSent()
		return true
	}

	if s.noteFailure(err) {
		return false
	}

	for {
		s.machine.MarkDegraded()
		delay, ok := s.machine.NextReconnectDelay()
		if !ok {
			s.downgrade("reconnect budget exhausted")
			return false
		}
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(delay):
		}

		s.machine.BeginConnect()
		if s.stats != nil {
			s.stats.Reconnect()
		}
		if err := s.stream.Connect(s.ctx, s.sessionIDSnapshot()); err != nil {
			s.log.Warn("reconnect attempt failed",
				slog.Int("attempt", s.machine.Attempts()),
				slog.String("error", err.Error()))
			continue
		}
		s.machine.MarkConnected()

		if err := s.stream.Send(s.ctx, chunk); err == nil {
			s.resetFailures()
			s.noteSent()
			return true
		} else if s.noteFailure(err) {
			return false
		}
	}
}

func (s *Switcher) deliverUpload(chunk audio.Chunk) {
	err := s.upload.Send(s.ctx, chunk)
	if err != nil {
		if errors.Is(err, ErrChunkLost) {
			s.log.Warn("chunk lost",
				slog.Uint64("sequence", chunk.Sequence),
				slog.String("error", err.Error()))
		} else if s.ctx.Err() == nil {
			s.log.Warn("upload send failed",
				slog.Uint64("sequence", chunk.Sequence),
				slog.String("error", err.Error()))
		}
		if chunk.IsFinal {
			// No result is coming for a lost final chunk; let Close
			// return without burning the whole timeout.
			s.signalLastResult()
		}
		return
	}
	if s.machine.State() != connstate.Connected {
		s.machine.MarkConnected()
	}
	s.noteSent()
}

func (s *Switcher) noteSent() {
	if s.stats != nil {
		s.stats.ChunkSent()
	}
}

// noteFailure counts a consecutive stream send failure and downgrades
// once the budget is spent. Returns true when downgraded.
func (s *Switcher) noteFailure(err error) bool {
	s.mu.Lock()
	s.sendFailures++
	failures := s.sendFailures
	s.mu.Unlock()

	s.log.Warn("stream send failed",
		slog.Int("consecutive_failures", failures),
		slog.String("error", err.Error()))

	if failures >= s.cfg.MaxSendFailures {
		s.downgrade("too many consecutive send failures")
		return true
	}
	return false
}

func (s *Switcher) resetFailures() {
	s.mu.Lock()
	s.sendFailures = 0
	s.mu.Unlock()
}

// downgrade permanently switches to upload mode. There is no path back
// to the persistent channel within a session.
func (s *Switcher) downgrade(reason string) {
	s.mu.Lock()
	if s.mode == ModeUpload {
		s.mu.Unlock()
		return
	}
	s.mode = ModeUpload
	sessionID := s.sessionID
	s.mu.Unlock()

	s.log.Warn("downgrading to upload mode", slog.String("reason", reason))
	if s.stats != nil {
		s.stats.Downgrade()
	}
	s.machine.MarkFailed()
	_ = s.stream.Close(context.Background())
	_ = s.upload.Connect(context.Background(), sessionID)
}

func (s *Switcher) sessionIDSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}
