package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/mia-core/internal/bus"
	"github.com/loqalabs/mia-core/internal/config"
	"github.com/loqalabs/mia-core/internal/gateway"
	"github.com/loqalabs/mia-core/internal/llm"
	"github.com/loqalabs/mia-core/internal/memory"
	"github.com/loqalabs/mia-core/internal/natsserver"
	"github.com/loqalabs/mia-core/internal/presence"
	"github.com/loqalabs/mia-core/internal/protocol"
	"github.com/loqalabs/mia-core/internal/rendezvous"
	"github.com/loqalabs/mia-core/internal/stt"
	"github.com/loqalabs/mia-core/internal/tts"
	"github.com/loqalabs/mia-core/internal/turn"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type healthChecker interface {
	Healthy() bool
}

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup
	checks        []healthChecker
	shutdown      []func(context.Context)
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start builds every component, serves until ctx is done and then tears
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	if err := r.startServices(ctx, mux); err != nil {
		r.stop()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(mux, "mia-http"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.stop()
	return nil
}

func (r *Runtime) startServices(ctx context.Context, mux *http.ServeMux) error {
	cfg := r.cfg
	logger := r.logger

	var busClient *bus.Client
	if cfg.Bus.Enabled {
		embedded, err := natsserver.Start(cfg.Bus, logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		if embedded != nil {
			r.onShutdown(func(context.Context) { embedded.Shutdown() })
			cfg.Bus.Servers = []string{embedded.ClientURL()}
		}
		busClient, err = bus.Connect(ctx, cfg.Bus, cfg.RuntimeName, logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		r.onShutdown(func(context.Context) { busClient.Close() })
		r.checks = append(r.checks, busClient)
	}

	transcriber, err := stt.New(cfg.STT)
	if err != nil {
		return fmt.Errorf("create transcriber: %w", err)
	}
	generator, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("create generator: %w", err)
	}
	synth, err := tts.New(cfg.TTS, busClient.Conn(), cfg.Bus.SubjectPrefix)
	if err != nil {
		return fmt.Errorf("create synthesizer: %w", err)
	}

	var store memory.Store
	if cfg.Memory.Enabled {
		sqlStore, err := memory.Open(ctx, cfg.Memory, logger)
		if err != nil {
			return fmt.Errorf("open memory store: %w", err)
		}
		r.onShutdown(func(context.Context) {
			if err := sqlStore.Close(); err != nil {
				logger.Warn("memory close error", slog.String("error", err.Error()))
			}
		})
		store = sqlStore
	}

	hub := gateway.NewHub()
	notifier := presence.Multi{hub}
	if busClient != nil {
		notifier = append(notifier, presence.NewBusNotifier(busClient.Conn(), cfg.Bus.SubjectPrefix, logger))
	}

	registry := rendezvous.New(logger)
	orch, err := turn.NewOrchestrator(ctx, turn.Deps{
		Transcriber: transcriber,
		Generator:   generator,
		Synthesizer: synth,
		Memory:      store,
		Sender:      hub,
		Registry:    registry,
		Presence:    notifier,
		History:     turn.NewHistory(cfg.History.MaxEntries, cfg.History.KeepEntries),
	}, turn.OptionsFromConfig(cfg), logger)
	if err != nil {
		return err
	}
	r.onShutdown(func(ctx context.Context) {
		if err := orch.Shutdown(ctx); err != nil {
			logger.Warn("turns did not stop in time", slog.String("error", err.Error()))
		}
	})
	router := gateway.NewRouter(orch, registry, hub, logger)

	if cfg.WebSocket.Enabled {
		ws := gateway.NewWebSocketServer(ctx, cfg.WebSocket, router, hub, logger)
		mux.Handle(cfg.WebSocket.Path, ws)
		r.onShutdown(func(context.Context) { ws.Close() })
		r.checks = append(r.checks, ws)
	}

	if busClient != nil {
		if cfg.TTS.ServeBus {
			svc := tts.NewService(ctx, busClient, protocol.Subject(cfg.Bus.SubjectPrefix, protocol.SubjectTTSSynthesize), synth, logger)
			if err := svc.Start(); err != nil {
				return fmt.Errorf("start tts service: %w", err)
			}
			r.onShutdown(func(context.Context) { svc.Close() })
			r.checks = append(r.checks, svc)
		}

		transport := gateway.NewBusTransport(ctx, busClient, router, hub, logger)
		if err := transport.Start(); err != nil {
			return fmt.Errorf("start bus transport: %w", err)
		}
		r.onShutdown(func(context.Context) { transport.Close() })
		r.checks = append(r.checks, transport)

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			transport.ForwardCommands(ctx, router.Commands())
		}()
	} else {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.logCommands(ctx, router.Commands())
		}()
	}
	return nil
}

// logCommands drains the legacy command queue when nothing downstream
// consumes it.
func (r *Runtime) logCommands(ctx context.Context, cmds <-chan gateway.Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-cmds:
			r.logger.Info("unhandled client command",
				slog.String("client_id", cmd.ClientID),
				slog.String("type", cmd.Message.Type),
				slog.String("text", cmd.Message.Text))
		}
	}
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) onShutdown(fn func(context.Context)) {
	r.shutdown = append(r.shutdown, fn)
}

func (r *Runtime) stop() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	for i := len(r.shutdown) - 1; i >= 0; i-- {
		r.shutdown[i](shutdownCtx)
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// Ready reports whether the runtime started and every component is healthy.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	for _, c := range r.checks {
		if !c.Healthy() {
			return false
		}
	}
	return true
}
