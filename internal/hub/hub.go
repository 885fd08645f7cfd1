// ABOUTME: Hub orchestrator wiring the bus, typing, presence, handover, notify, and call components
// ABOUTME: Owns the HTTP server lifecycle and graceful shutdown

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cynerellc/buzzi-realtime/internal/auth"
	"github.com/cynerellc/buzzi-realtime/internal/bus"
	"github.com/cynerellc/buzzi-realtime/internal/call"
	"github.com/cynerellc/buzzi-realtime/internal/config"
	"github.com/cynerellc/buzzi-realtime/internal/handover"
	"github.com/cynerellc/buzzi-realtime/internal/jobs"
	"github.com/cynerellc/buzzi-realtime/internal/metrics"
	"github.com/cynerellc/buzzi-realtime/internal/notify"
	"github.com/cynerellc/buzzi-realtime/internal/presence"
	"github.com/cynerellc/buzzi-realtime/internal/store"
	"github.com/cynerellc/buzzi-realtime/internal/typing"
)

// EventStreamPath is the websocket endpoint subscribers pull bus events
// from. The call server lets upgrades on this path through to the mux.
const EventStreamPath = "/ws/events"

// Hub wires the real-time components together behind one HTTP listener.
type Hub struct {
	config *config.Config
	logger *slog.Logger

	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	bus        *bus.Bus
	typing     *typing.Service
	presence   *presence.Tracker
	dispatcher *notify.Dispatcher
	queue      *handover.Queue
	callServer *call.Server
	store      store.ConversationStore
	jobs       jobs.Submitter

	httpServer *http.Server
}

// initStore opens the conversation store from config. An empty or
// ":memory:" path keeps everything in memory.
func initStore(cfg *config.Config) (store.ConversationStore, error) {
	if cfg.Database.Path == "" {
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initMetrics builds the metric set on a fresh registry with the
// standard process collectors, or returns nils when metrics are off.
func initMetrics(cfg *config.Config) (*metrics.Metrics, *prometheus.Registry) {
	if !cfg.Metrics.Enabled {
		return nil, nil
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(registry), registry
}

// initVerifier picks the browser call-leg verifier from config.
func initVerifier(cfg *config.Config, logger *slog.Logger) (auth.TokenVerifier, error) {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("call auth disabled - no jwt_secret configured")
		return auth.InsecureVerifier{}, nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	return verifier, nil
}

// New builds a Hub from configuration. The jobs submitter may be nil,
// in which case digest jobs are collected in memory (development mode).
func New(cfg *config.Config, submitter jobs.Submitter, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	verifier, err := initVerifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	if submitter == nil {
		submitter = jobs.NewMemorySubmitter()
	}

	m, registry := initMetrics(cfg)
	eventBus := bus.New(cfg.Bus.HeartbeatInterval, m, logger)
	typingSvc := typing.New(eventBus, typing.Options{
		InactivityTimeout: cfg.Typing.InactivityTimeout,
		MaxDuration:       cfg.Typing.MaxDuration,
		RateLimit:         cfg.Typing.RateLimit,
	}, m, logger)
	tracker := presence.NewTracker(eventBus, m, logger)
	dispatcher := notify.NewDispatcher(eventBus, m, logger)
	queue := handover.NewQueue(handover.Options{
		Bus:         eventBus,
		Dispatcher:  dispatcher,
		Store:       s,
		Jobs:        submitter,
		Typing:      typingSvc,
		DigestAfter: cfg.Escalation.DigestAfter,
		Metrics:     m,
		Logger:      logger,
	})
	callServer := call.NewServer(call.Options{
		Verifier:       verifier,
		ProviderSecret: cfg.Auth.ProviderSecret,
		PairTimeout:    cfg.Call.PairTimeout,
		Passthrough:    []string{EventStreamPath},
		Bus:            eventBus,
		Metrics:        m,
		Logger:         logger,
	})

	h := &Hub{
		config:     cfg,
		logger:     logger.With("component", "hub"),
		metrics:    m,
		registry:   registry,
		bus:        eventBus,
		typing:     typingSvc,
		presence:   tracker,
		dispatcher: dispatcher,
		queue:      queue,
		callServer: callServer,
		store:      s,
		jobs:       submitter,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleReady)
	h.registerAPIRoutes(mux)
	mux.HandleFunc("GET "+EventStreamPath, h.handleEventStream)
	if registry != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	h.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           callServer.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return h, nil
}

// Handler exposes the hub's full HTTP surface, upgrade interception
// included. Used by tests to mount the hub on an httptest server.
func (h *Hub) Handler() http.Handler {
	return h.httpServer.Handler
}

// Run starts the hub and blocks until ctx is cancelled or the server
// fails. Graceful shutdown honors the configured grace period.
func (h *Hub) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", h.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.config.Server.HTTPAddr, err)
	}

	h.bus.StartHeartbeat(bus.SystemChannel)
	go h.queue.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("HTTP server listening", "addr", listener.Addr().String())
		if serveErr := h.httpServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", serveErr)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		h.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		h.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := h.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown runs Shutdown with a fresh context since the run
// context is already cancelled by the time we get here.
func (h *Hub) gracefulShutdown() error {
	grace := h.config.Server.ShutdownGracePeriod
	if grace <= 0 {
		grace = config.DefaultShutdownGracePeriod
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return h.Shutdown(ctx)
}

// Shutdown stops the HTTP server, tears down active calls, and releases
// every component.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("shutting down hub")

	var errs []error
	if err := h.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	h.callServer.Close()
	h.typing.Close()
	h.bus.Close()

	if err := h.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	return errors.Join(errs...)
}

// handleHealth reports liveness.
func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports readiness once the store answers.
func (h *Hub) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.ListByStatus(r.Context(), store.StatusWaitingHuman); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Bus exposes the event bus for in-process publishers (the data layer
// embeds the hub rather than calling over HTTP when colocated).
func (h *Hub) Bus() *bus.Bus {
	return h.bus
}
