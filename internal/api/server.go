// Package api exposes the copy engine's control surface over HTTP: a
// health endpoint for operators and a per-user WebSocket upgrade endpoint
// backing notify.WSHub. Modeled on the dashboard server's mux +
// http.Server + hub.Run() wiring, trimmed to the two routes this engine's
// external surface actually needs.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"copyengine/internal/config"
	"copyengine/internal/notify"
	"copyengine/pkg/types"
)

// HealthProvider supplies the engine's current health snapshot.
type HealthProvider interface {
	Health() types.HealthStatus
}

// Server runs the health and WebSocket notification endpoints.
type Server struct {
	cfg      config.NotifierConfig
	provider HealthProvider
	hub      *notify.WSHub
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the health and /ws routes. hub must already be running
// (its Run loop started) by the caller before Start is called.
func NewServer(cfg config.NotifierConfig, provider HealthProvider, hub *notify.WSHub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{cfg: cfg, provider: provider, hub: hub, logger: logger.With("component", "api-server")}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start blocks serving HTTP until the server is stopped.
func (s *Server) Start() error {
	s.logger.Info("notifier server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("notifier server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.provider.Health()
	w.Header().Set("Content-Type", "application/json")
	if !status.Running {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("encode health response", "error", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	if _, err := strconv.ParseUint(userID, 10, 64); err != nil {
		http.Error(w, "user_id must be numeric", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			return isOriginAllowed(req.Header.Get("Origin"), s.cfg.AllowedOrigins)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s.hub.Register(userID, conn)
}

func isOriginAllowed(origin string, allowed []string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}
