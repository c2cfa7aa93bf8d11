package audio

import (
	"context"
	"fmt"
	"time"

	"github.com/capitalrow/MinaProd-sub000/internal/config"
)

// Source delivers raw audio segments every capture timeslice. Stream
// blocks until the capture ends (ctx cancellation or source exhaustion)
// and signals end of capture by returning.
type Source interface {
	Stream(ctx context.Context, emit func(raw []byte)) error
}

// NewSource builds the capture source selected by config.
func NewSource(cfg config.CaptureConfig) (Source, error) {
	switch cfg.Mode {
	case "mock":
		return newMockSource(cfg), nil
	case "file":
		return newFileSource(cfg)
	case "exec":
		return newExecSource(cfg)
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}

// sliceBytes is the PCM16 byte size of one timeslice.
func sliceBytes(cfg config.CaptureConfig) int {
	return cfg.SampleRate * cfg.Channels * 2 * cfg.TimesliceMS / 1000
}

type mockSource struct {
	cfg config.CaptureConfig
}

func newMockSource(cfg config.CaptureConfig) *mockSource {
	return &mockSource{cfg: cfg}
}

// Stream emits silence at the capture cadence until cancelled.
func (s *mockSource) Stream(ctx context.Context, emit func([]byte)) error {
	ticker := time.NewTicker(time.Duration(s.cfg.TimesliceMS) * time.Millisecond)
	defer ticker.Stop()
	size := sliceBytes(s.cfg)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			emit(make([]byte, size))
		}
	}
}
