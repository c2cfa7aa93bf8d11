// mina-send streams one WAV file through the transcription pipeline and
// prints the resulting transcript. Useful for smoke-testing a backend
// without live capture.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/capitalrow/MinaProd-sub000/internal/client"
	"github.com/capitalrow/MinaProd-sub000/internal/config"
	"github.com/capitalrow/MinaProd-sub000/internal/reconcile"
)

func main() {
	var (
		wavPath     string
		streamURL   string
		uploadURL   string
		timesliceMS int
		verbose     bool
	)

	flag.StringVar(&wavPath, "wav", "", "Path to the WAV file to send")
	flag.StringVar(&streamURL, "stream-url", "", "WebSocket endpoint of the transcription service")
	flag.StringVar(&uploadURL, "upload-url", "", "HTTP upload endpoint used as fallback")
	flag.IntVar(&timesliceMS, "timeslice", 250, "Chunk duration in milliseconds")
	flag.BoolVar(&verbose, "v", false, "Print interim results as they arrive")
	flag.Parse()

	if wavPath == "" || (streamURL == "" && uploadURL == "") {
		fmt.Fprintln(os.Stderr, "usage: mina-send -wav file.wav [-stream-url ws://...] [-upload-url http://...]")
		os.Exit(2)
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := config.Default()
	cfg.Capture.Mode = "file"
	cfg.Capture.WAVPath = wavPath
	cfg.Capture.TimesliceMS = timesliceMS
	cfg.Transport.StreamURL = streamURL
	cfg.Transport.UploadURL = uploadURL
	cfg.Store.RetentionMode = "ephemeral"

	if err := run(cfg, logger, verbose); err != nil {
		fmt.Fprintln(os.Stderr, "mina-send:", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger, verbose bool) error {
	cli, err := client.New(cfg, nil, nil, nil, logger)
	if err != nil {
		return err
	}

	if verbose {
		cli.OnTranscriptUpdate(func(_ string, update reconcile.Update) {
			marker := "interim"
			if update.Committed {
				marker = "final"
			}
			fmt.Fprintf(os.Stderr, "[%s] speaker %d: %s\n", marker, update.Segment.SpeakerID, update.Segment.Text)
		})
	}

	ctx := context.Background()
	if _, err := cli.StartSession(ctx); err != nil {
		return err
	}

	// The file source returns once the WAV is fully replayed.
	<-cli.CaptureDone()

	endCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	transcript, err := cli.EndSession(endCtx)
	if err != nil {
		return err
	}

	for _, seg := range transcript {
		fmt.Printf("speaker %d: %s\n", seg.SpeakerID, seg.Text)
	}
	return nil
}
