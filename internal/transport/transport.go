package transport

import (
	"context"
	"errors"
	"time"

	"github.com/capitalrow/MinaProd-sub000/internal/audio"
	"github.com/capitalrow/MinaProd-sub000/internal/protocol"
)

var (
	// ErrNotConnected is returned by Send before a successful Connect.
	ErrNotConnected = errors.New("transport not connected")
	// ErrClosed is returned once the transport has been closed.
	ErrClosed = errors.New("transport closed")
	// ErrHandshake marks a channel that opened but never acknowledged
	// the join handshake.
	ErrHandshake = errors.New("handshake not acknowledged")
	// ErrChunkLost marks a chunk dropped after the upload retry budget.
	// The stream degrades gracefully instead of blocking on it.
	ErrChunkLost = errors.New("chunk lost after retries")
)

// Result is one decoded backend result plus whatever timing the
// transport could trace for the latency metric.
type Result struct {
	Msg protocol.ResultMsg
	// CapturedAt is set when the result is correlated to one chunk
	// (upload mode). Zero otherwise.
	CapturedAt time.Time
	// SentAt is when the producing (or most recent) chunk left the
	// client.
	SentAt time.Time
}

// ResultFunc receives pushed or synchronous results.
type ResultFunc func(Result)

// Stats receives delivery counters. Implementations must be safe for
// concurrent use; a nil Stats disables counting.
type Stats interface {
	ChunkSent()
	ChunkDropped()
	Reconnect()
	Downgrade()
}

// Transport is one delivery mechanism for audio chunks.
type Transport interface {
	Connect(ctx context.Context, sessionID string) error
	Send(ctx context.Context, chunk audio.Chunk) error
	Close(ctx context.Context) error
}
