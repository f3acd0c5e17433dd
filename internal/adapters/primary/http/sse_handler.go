package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/lorrc/event-gateway/internal/core/bus"
)

// SSEHandler streams the event feed as Server-Sent Events. Clients resume
// after a disconnect by sending the Last-Event-ID header or the lastEventId
// query parameter; any buffered events past that sequence are replayed
// before live delivery starts.
type SSEHandler struct {
	bus       *bus.Bus
	keepalive time.Duration
	logger    *slog.Logger
}

// NewSSEHandler creates a new SSE streaming handler. The keepalive interval
// controls how often a comment line is written to hold idle connections
// open through proxies.
func NewSSEHandler(eventBus *bus.Bus, keepalive time.Duration, logger *slog.Logger) *SSEHandler {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	return &SSEHandler{
		bus:       eventBus,
		keepalive: keepalive,
		logger:    logger,
	}
}

// ServeHTTP handles GET /api/v1/events.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := h.bus.Subscribe()
	if err != nil {
		http.Error(w, "Service is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("sse stream opened",
		"request_id", requestID,
		"remote_addr", r.RemoteAddr,
	)

	// lastSent guards against double-sending events that land in both the
	// replay snapshot and the live subscription.
	var lastSent uint64

	if raw := lastEventID(r); raw != "" {
		since, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			h.logger.Warn("ignoring malformed Last-Event-ID",
				"request_id", requestID,
				"value", raw,
			)
		} else {
			for _, env := range h.bus.ReplaySince(since) {
				if !h.writeEvent(w, env) {
					return
				}
				lastSent = env.Seq
			}
			flusher.Flush()
		}
	}

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("sse stream closed", "request_id", requestID)
			return

		case env, ok := <-sub.Events():
			if !ok {
				// Bus shut down; the client will reconnect and resume.
				return
			}
			if env.Seq <= lastSent {
				continue
			}
			if missed := sub.Missed(); missed > 0 {
				h.logger.Warn("sse subscriber fell behind",
					"request_id", requestID,
					"missed", missed,
				)
			}
			if !h.writeEvent(w, env) {
				return
			}
			lastSent = env.Seq
			flusher.Flush()
			keepalive.Reset(h.keepalive)

		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// lastEventID returns the client's resume position. EventSource cannot set
// headers on the first connect, so the lastEventId query parameter is
// accepted as a fallback.
func lastEventID(r *http.Request) string {
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		return raw
	}
	return r.URL.Query().Get("lastEventId")
}

// writeEvent renders one envelope as an SSE record. The sequence number is
// the record id so reconnecting clients can resume from it.
func (h *SSEHandler) writeEvent(w http.ResponseWriter, env bus.Envelope) bool {
	payload, err := json.Marshal(env.Event)
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err, "event_type", env.Event.Type())
		return true
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\nid: %d\n\n", env.Event.Type(), payload, env.Seq)
	return err == nil
}
