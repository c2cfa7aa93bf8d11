package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/capitalrow/MinaProd-sub000/internal/bus"
	"github.com/capitalrow/MinaProd-sub000/internal/client"
	"github.com/capitalrow/MinaProd-sub000/internal/config"
	"github.com/capitalrow/MinaProd-sub000/internal/natsserver"
	"github.com/capitalrow/MinaProd-sub000/internal/runtime"
	"github.com/capitalrow/MinaProd-sub000/internal/transcriptstore"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "mina.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		bootLog := slog.New(slog.NewJSONHandler(os.Stdout, nil))
		bootLog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Telemetry.LogLevel),
	}))

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	embedded, err := natsserver.Start(cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	var mirror *bus.Client
	if cfg.Bus.Enabled {
		mirror, err = bus.Connect(ctx, cfg.Bus, logger)
		if err != nil {
			return fmt.Errorf("connect mirror bus: %w", err)
		}
		defer mirror.Close()
	}

	archive, err := transcriptstore.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}
	defer archive.Close()

	var cli *client.Client
	rt := runtime.New(cfg, logger, func() any {
		if cli == nil {
			return client.Status{}
		}
		return cli.Status()
	})
	if err := rt.Init(); err != nil {
		return err
	}

	cli, err = client.New(cfg, archive, mirror, rt.Metrics(), logger)
	if err != nil {
		return err
	}

	sess, err := cli.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	logger.Info("transcribing", slog.String("session_id", sess.ID))

	if err := rt.Start(ctx); err != nil {
		return err
	}

	// Signal received; finalize under a fresh context so the flush
	// deadline still applies.
	endCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	transcript, err := cli.EndSession(endCtx)
	if err != nil {
		logger.Warn("end session", slog.String("error", err.Error()))
	}
	for _, seg := range transcript {
		logger.Info("transcript segment",
			slog.Int("speaker", seg.SpeakerID),
			slog.String("text", seg.Text))
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
