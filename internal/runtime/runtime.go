package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speak/internal/bus"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/engine"
	"github.com/loqalabs/loqa-speak/internal/history"
	"github.com/loqalabs/loqa-speak/internal/natsserver"
	"github.com/loqalabs/loqa-speak/internal/speech"
)

// Runtime owns the daemon's lifecycle: telemetry, the message bus, the
// synthesis engine and the speech service, plus the health endpoints.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	history  *history.Store
	driver   *engine.Driver
	service  *speech.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded

	busClient, err := bus.Connect(r.cfg.Bus, r.logger)
	if err != nil {
		r.embedded.Shutdown()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = busClient

	hist, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		r.teardown()
		return fmt.Errorf("failed to open history store: %w", err)
	}
	r.history = hist

	eng, err := buildEngine(r.cfg.Engine)
	if err != nil {
		r.teardown()
		return fmt.Errorf("failed to initialize synthesis engine: %w", err)
	}
	r.driver = engine.NewDriver(eng)

	cache := speech.NewCache(r.cfg.Speech, r.logger)
	pipeline := speech.NewPipeline(r.cfg.Speech, r.driver, cache, r.logger)
	r.service = speech.NewService(ctx, r.cfg.Speech, busClient, pipeline, hist, r.logger)
	if err := r.service.Start(); err != nil {
		r.teardown()
		return fmt.Errorf("failed to start speech service: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("engine", r.cfg.Engine.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.teardown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// teardown stops components in reverse startup order. Safe to call with any
// subset initialized.
func (r *Runtime) teardown() {
	if r.service != nil {
		r.service.Close()
		r.service = nil
	}
	if r.driver != nil {
		if err := r.driver.Close(); err != nil {
			r.logger.Warn("engine close error", slog.String("error", err.Error()))
		}
		r.driver = nil
	}
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Warn("history close error", slog.String("error", err.Error()))
		}
		r.history = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
		r.embedded = nil
	}
}

func buildEngine(cfg config.EngineConfig) (engine.Engine, error) {
	switch cfg.Mode {
	case "exec":
		return engine.NewExec(cfg.Command)
	default:
		return engine.NewMock(), nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.service.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
