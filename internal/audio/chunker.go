package audio

import (
	"log/slog"
	"sync"
	"time"
)

// Chunk is one timed slice of captured audio. Immutable once created;
// the chunker owns it only until it is handed to the transport queue.
type Chunk struct {
	Sequence   uint64
	Data       []byte
	MimeType   string
	CapturedAt time.Time
	IsFinal    bool
}

// Sink accepts chunks without blocking the capture callback. The
// transport queue provides the backpressure policy.
type Sink interface {
	Enqueue(Chunk)
}

// Chunker assigns strictly increasing sequence numbers to captured
// audio slices and forwards them to the transport sink. Sequence starts
// at 0 for each session.
type Chunker struct {
	mu       sync.Mutex
	sink     Sink
	mimeType string
	sequence uint64
	stopped  bool
	clock    func() time.Time
	log      *slog.Logger
}

func NewChunker(sink Sink, mimeType string, log *slog.Logger) *Chunker {
	return &Chunker{
		sink:     sink,
		mimeType: mimeType,
		clock:    time.Now,
		log:      log,
	}
}

// Reset rewinds the sequence for a new session.
func (c *Chunker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequence = 0
	c.stopped = false
}

// OnAudioAvailable wraps one raw capture slice into a chunk and hands
// it to the transport. It never blocks: enqueueing is fire-and-forget.
func (c *Chunker) OnAudioAvailable(raw []byte, capturedAt time.Time) Chunk {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return Chunk{}
	}
	if capturedAt.IsZero() {
		capturedAt = c.clock()
	}
	chunk := Chunk{
		Sequence:   c.sequence,
		Data:       raw,
		MimeType:   c.mimeType,
		CapturedAt: capturedAt,
	}
	c.sequence++
	c.mu.Unlock()

	c.sink.Enqueue(chunk)
	return chunk
}

// Stop emits the zero-length end-of-stream marker. Safe to call more
// than once; only the first call produces a chunk.
func (c *Chunker) Stop() (Chunk, bool) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return Chunk{}, false
	}
	c.stopped = true
	chunk := Chunk{
		Sequence:   c.sequence,
		MimeType:   c.mimeType,
		CapturedAt: c.clock(),
		IsFinal:    true,
	}
	c.sequence++
	c.mu.Unlock()

	c.log.Info("capture stopped", slog.Uint64("final_sequence", chunk.Sequence))
	c.sink.Enqueue(chunk)
	return chunk, true
}
