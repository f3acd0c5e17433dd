package http

import (
	"net/http"

	"github.com/lorrc/event-gateway/internal/adapters/primary/websocket"
	"github.com/lorrc/event-gateway/internal/core/bus"
	"github.com/lorrc/event-gateway/internal/infrastructure/telemetry"
)

// StatsHandler exposes the telemetry snapshot plus live connection counts.
type StatsHandler struct {
	mirror *telemetry.Mirror
	hub    *websocket.Hub
	bus    *bus.Bus
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(mirror *telemetry.Mirror, hub *websocket.Hub, eventBus *bus.Bus) *StatsHandler {
	return &StatsHandler{
		mirror: mirror,
		hub:    hub,
		bus:    eventBus,
	}
}

// StatsResponse is the JSON shape for GET /api/v1/stats.
type StatsResponse struct {
	telemetry.Snapshot
	WebSocketClients int `json:"websocketClients"`
	BusSubscribers   int `json:"busSubscribers"`
}

// ServeHTTP handles GET /api/v1/stats.
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, StatsResponse{
		Snapshot:         h.mirror.Snapshot(),
		WebSocketClients: h.hub.ClientCount(),
		BusSubscribers:   h.bus.SubscriberCount(),
	})
}
