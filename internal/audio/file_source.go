package audio

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/wav"

	"github.com/capitalrow/MinaProd-sub000/internal/config"
)

// fileSource replays a WAV file at the capture cadence, slicing its PCM
// payload into timeslice-sized segments.
type fileSource struct {
	cfg config.CaptureConfig
	pcm []byte
}

func newFileSource(cfg config.CaptureConfig) (*fileSource, error) {
	f, err := os.Open(cfg.WAVPath)
	if err != nil {
		return nil, fmt.Errorf("open wav file: %w", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav file: %w", err)
	}
	if !decoder.WasPCMAccessed() || len(buf.Data) == 0 {
		return nil, fmt.Errorf("wav file %s holds no PCM data", cfg.WAVPath)
	}

	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		pcm[i*2] = byte(sample)
		pcm[i*2+1] = byte(sample >> 8)
	}

	return &fileSource{cfg: cfg, pcm: pcm}, nil
}

// Stream emits the file's PCM in real time and returns once the file is
// exhausted, which ends the capture.
func (s *fileSource) Stream(ctx context.Context, emit func([]byte)) error {
	ticker := time.NewTicker(time.Duration(s.cfg.TimesliceMS) * time.Millisecond)
	defer ticker.Stop()

	size := sliceBytes(s.cfg)
	for offset := 0; offset < len(s.pcm); {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			end := offset + size
			if end > len(s.pcm) {
				end = len(s.pcm)
			}
			emit(s.pcm[offset:end])
			offset = end
		}
	}
	return nil
}
