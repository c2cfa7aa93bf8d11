package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/mattn/go-shellwords"

	"github.com/capitalrow/MinaProd-sub000/internal/config"
)

// execSource spawns an external capture command (arecord, sox, ffmpeg)
// and reads raw PCM from its stdout. The command paces the stream; one
// emit per timeslice worth of bytes.
type execSource struct {
	cfg  config.CaptureConfig
	args []string
}

func newExecSource(cfg config.CaptureConfig) (*execSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("capture command is empty")
	}
	return &execSource{cfg: cfg, args: args}, nil
}

func (s *execSource) Stream(ctx context.Context, emit func([]byte)) error {
	cmd := exec.CommandContext(ctx, s.args[0], s.args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture command: %w", err)
	}

	size := sliceBytes(s.cfg)
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(stdout, buf)
		if n > 0 {
			emit(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			_ = cmd.Wait()
			return fmt.Errorf("read capture stream: %w", err)
		}
	}

	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("capture command exited: %w", err)
	}
	return nil
}
