package http

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	mw "github.com/lorrc/event-gateway/internal/adapters/primary/http/middleware"
	wsAdapter "github.com/lorrc/event-gateway/internal/adapters/primary/websocket"
	"github.com/lorrc/event-gateway/internal/config"
	"github.com/lorrc/event-gateway/internal/core/bus"
	"github.com/lorrc/event-gateway/internal/core/ports"
)

// WebSocketHandler handles WebSocket connection upgrades. Authentication is
// resolved by the OptionalAuth middleware before the request reaches this
// handler, so an invalid token never gets as far as an upgrade.
type WebSocketHandler struct {
	hub      *wsAdapter.Hub
	bus      *bus.Bus
	status   ports.QueueStatusSource
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	hub *wsAdapter.Hub,
	eventBus *bus.Bus,
	status ports.QueueStatusSource,
	cfg *config.Config,
	logger *slog.Logger,
) *WebSocketHandler {
	handler := &WebSocketHandler{
		hub:    hub,
		bus:    eventBus,
		status: status,
		logger: logger,
	}

	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     handler.makeOriginChecker(cfg),
	}

	return handler
}

// makeOriginChecker creates an origin checking function based on configuration
func (h *WebSocketHandler) makeOriginChecker(cfg *config.Config) func(r *http.Request) bool {
	allowedOrigins := cfg.WebSocket.AllowedOrigins

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// In development mode, allow all origins (but log a warning)
		if cfg.IsDevelopment() {
			if origin != "" {
				h.logger.Warn("allowing websocket connection in development mode",
					"origin", origin,
					"remote_addr", r.RemoteAddr,
				)
			}
			return true
		}

		// No origin header (same-origin request or non-browser client)
		if origin == "" {
			return true
		}

		parsedOrigin, err := url.Parse(origin)
		if err != nil {
			h.logger.Warn("failed to parse websocket origin",
				"origin", origin,
				"error", err,
			)
			return false
		}

		originHost := parsedOrigin.Host

		for _, allowed := range allowedOrigins {
			// Support wildcard subdomains like "*.example.com"
			if strings.HasPrefix(allowed, "*.") {
				suffix := allowed[1:]
				if strings.HasSuffix(originHost, suffix) || originHost == allowed[2:] {
					return true
				}
			} else if originHost == allowed {
				return true
			}
		}

		h.logger.Warn("websocket connection rejected due to origin",
			"origin", origin,
			"remote_addr", r.RemoteAddr,
			"allowed_origins", allowedOrigins,
		)
		return false
	}
}

// ServeHTTP handles WebSocket connection requests
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	principal := mw.GetPrincipal(r.Context())

	// Refuse before upgrading when the hub is already full. Register does
	// the authoritative check; this keeps the common case an HTTP 503
	// instead of an upgrade followed by an immediate close.
	if h.hub.ClientCount() >= h.hub.MaxConnections() {
		h.logger.Warn("websocket connection refused: connection limit",
			"request_id", requestID,
			"remote_addr", r.RemoteAddr,
		)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"Connection limit reached. Please retry later.","code":"CONNECTION_LIMIT"}`))
		return
	}

	sub, err := h.bus.Subscribe()
	if err != nil {
		http.Error(w, "Service is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		h.logger.Error("failed to upgrade websocket connection",
			"request_id", requestID,
			"error", err,
		)
		return
	}

	client := wsAdapter.NewClient(h.hub, conn, sub, principal, h.status, h.logger)

	if err := h.hub.Register(client); err != nil {
		// Lost the admission race after the upgrade; tell the peer to retry.
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
		sub.Close()
		return
	}

	h.logger.Info("websocket connection established",
		"request_id", requestID,
		"connection_id", client.ID,
		"subject", principal.Subject,
		"remote_addr", r.RemoteAddr,
	)

	go client.WritePump()
	go client.ForwardPump()
	go client.ReadPump()
}
