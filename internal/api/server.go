// Package api serves the status endpoint and the live event stream.
//
// The HTTP side exposes /health and /api/status (strategies, portfolio
// risk, upstream endpoint health). The WebSocket side fans configured bus
// streams out to connected clients through its own consumer group, so the
// gateway observes the same traffic as every other component without
// stealing messages from them.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"voltrader/internal/bus"
	"voltrader/internal/config"
)

// apiGroup is the gateway's consumer group on the fanned-out streams.
const apiGroup = "api_gateway"

// Server runs the HTTP/WebSocket API.
type Server struct {
	cfg      config.APIConfig
	bus      bus.Bus
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewServer wires the API server. status supplies the /api/status payload.
func NewServer(cfg config.APIConfig, b bus.Bus, status *Status, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(cfg, status, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	return &Server{
		cfg: cfg,
		bus: b,
		hub: hub,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		handlers: handlers,
		logger:   logger.With("component", "api"),
	}
}

// Start launches the hub, the stream consumer and the listener.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.hub.Run(ctx)

	if len(s.cfg.StreamTopics) > 0 {
		ch, err := s.bus.SubscribeMultiple(ctx, apiGroup, s.cfg.StreamTopics...)
		if err != nil {
			return err
		}
		go s.consume(ch)
	} else {
		close(s.done)
	}

	go func() {
		s.logger.Info("api server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// consume relays bus messages to the hub.
func (s *Server) consume(ch <-chan bus.Message) {
	defer close(s.done)
	for msg := range ch {
		if msg.Keepalive {
			continue
		}
		s.hub.BroadcastStream(msg.Stream, msg.Data)
	}
}
