package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/capitalrow/MinaProd-sub000/internal/config"
)

// StatusFunc returns a JSON-serializable snapshot of the client for the
// /status endpoint.
type StatusFunc func() any

// Runtime owns the client's local HTTP surface: health, readiness,
// Prometheus metrics, and a live status snapshot.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	status      StatusFunc
	httpServer  *http.Server
	tracerClose func(context.Context) error
	metrics     *Metrics
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger, status StatusFunc) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		status: status,
	}
}

// Init sets up telemetry before Start so callers can wire Metrics into
// the client first.
func (r *Runtime) Init() error {
	shutdown, metricHandler, metrics, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdown
	r.metrics = metrics
	r.mountHTTP(metricHandler)
	return nil
}

// Metrics returns the client counters. Init must have been called.
func (r *Runtime) Metrics() *Metrics {
	return r.metrics
}

func (r *Runtime) mountHTTP(metricHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Start serves the HTTP surface until ctx is canceled.
func (r *Runtime) Start(ctx context.Context) error {
	if r.httpServer == nil {
		if err := r.Init(); err != nil {
			return err
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.httpServer.Addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.status == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := json.NewEncoder(w).Encode(r.status()); err != nil {
		r.logger.Warn("encode status", slog.String("error", err.Error()))
	}
}
