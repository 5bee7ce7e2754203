// Package api is the operator surface: a JSON control API for the circuit
// breaker, task switches, and rebalancing, a live websocket event stream fed
// from the bus, and the Prometheus scrape endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"airdrop-farmer/internal/bus"
	"airdrop-farmer/internal/clock"
	"airdrop-farmer/internal/config"
)

// Deps collects the control-plane components the server fronts. Metrics is
// the prometheus scrape handler; nil disables the endpoint.
type Deps struct {
	Circuit   CircuitController
	Scheduler SchedulerControl
	Alloc     AllocationView
	Tasks     TaskSwitch
	Journal   InstanceCounter
	Bus       *bus.Bus
	Clock     clock.Clock
	Metrics   http.Handler
	DryRun    bool
}

// Server runs the operator HTTP/websocket API.
type Server struct {
	cfg    config.OperatorConfig
	hub    *Hub
	bus    *bus.Bus
	server *http.Server
	logger *slog.Logger
}

// NewServer wires the routes. Start must be called to serve.
func NewServer(cfg config.OperatorConfig, deps Deps, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(cfg, deps, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.handleHealth)
	mux.HandleFunc("GET /api/status", handlers.handleStatus)
	mux.HandleFunc("POST /api/circuit/trip", handlers.handleTrip)
	mux.HandleFunc("POST /api/circuit/reset", handlers.handleReset)
	mux.HandleFunc("POST /api/tasks/{id}/pause", handlers.handlePause)
	mux.HandleFunc("POST /api/tasks/{id}/resume", handlers.handleResume)
	mux.HandleFunc("POST /api/rebalance", handlers.handleRebalance)
	mux.HandleFunc("GET /ws", handlers.handleWebSocket)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:    cfg,
		hub:    hub,
		bus:    deps.Bus,
		server: server,
		logger: logger.With("component", "api"),
	}
}

// Start serves until the listener fails or Stop is called. The hub and the
// bus fan-in run until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	if s.bus != nil {
		go s.forwardEvents(ctx)
	}

	s.logger.Info("operator api listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("operator api: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() error {
	s.logger.Info("stopping operator api")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// forwardEvents fans the bus topics into the websocket hub.
func (s *Server) forwardEvents(ctx context.Context) {
	riskSub := s.bus.Subscribe(bus.TopicRisk, 128)
	allocSub := s.bus.Subscribe(bus.TopicAlloc, 128)
	taskSub := s.bus.Subscribe(bus.TopicTasks, 256)
	marketSub := s.bus.Subscribe(bus.TopicMarket, 128)
	defer func() {
		riskSub.Close()
		allocSub.Close()
		taskSub.Close()
		marketSub.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-riskSub.C:
			s.hub.Broadcast(evt)
		case evt := <-allocSub.C:
			s.hub.Broadcast(evt)
		case evt := <-taskSub.C:
			s.hub.Broadcast(evt)
		case evt := <-marketSub.C:
			s.hub.Broadcast(evt)
		}
	}
}
