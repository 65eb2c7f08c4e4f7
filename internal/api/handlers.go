package api

import (
	"log/slog"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"voltrader/internal/config"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	cfg      config.APIConfig
	status   *Status
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandlers(cfg config.APIConfig, status *Status, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		cfg:    cfg,
		status: status,
		hub:    hub,
		logger: logger.With("component", "api_handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin admits same-origin requests and the configured origins. An
// empty allow list admits everything, matching a bare local deployment.
func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleHealth answers liveness probes.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleStatus serves the full status payload.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	payload, err := h.status.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("status snapshot failed", "error", err)
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("status encode failed", "error", err)
	}
}

// HandleWebSocket upgrades the connection and attaches it to the hub.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(h.hub, conn)
	h.hub.register <- client

	go client.writePump()
	go client.readPump()
}
