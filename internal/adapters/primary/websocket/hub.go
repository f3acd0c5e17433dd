package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/lorrc/event-gateway/internal/core/errors"
)

const (
	// DefaultMaxConnections caps the number of concurrent clients.
	DefaultMaxConnections = 1000

	// DefaultSendQueueDepth is the per-client outbound buffer size.
	DefaultSendQueueDepth = 1000
)

// ConnectionObserver is notified as clients come and go. The telemetry
// mirror implements it to keep the active-connection gauge current.
type ConnectionObserver interface {
	ConnectionOpened()
	ConnectionClosed()
}

// Options configures connection limits and timing for the hub and its clients.
type Options struct {
	MaxConnections int
	SendQueueDepth int
	PingInterval   time.Duration
	IdleTimeout    time.Duration

	// Observer may be nil.
	Observer ConnectionObserver
}

// DefaultOptions returns the hub defaults used when no configuration is supplied.
func DefaultOptions() Options {
	return Options{
		MaxConnections: DefaultMaxConnections,
		SendQueueDepth: DefaultSendQueueDepth,
		PingInterval:   30 * time.Second,
		IdleTimeout:    90 * time.Second,
	}
}

// Hub maintains the set of active Clients. Every client receives the full
// event stream through its own bus subscription, so the hub only tracks
// membership, enforces the connection cap, and coordinates shutdown.
type Hub struct {
	// clients holds all currently registered connections
	clients map[*Client]bool

	// mu protects the clients map and the draining flag
	mu sync.Mutex

	// draining is set once Shutdown begins; new registrations are refused
	draining bool

	opts Options

	// wg tracks client pump goroutines for shutdown
	wg sync.WaitGroup

	logger *slog.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(opts Options, logger *slog.Logger) *Hub {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.SendQueueDepth <= 0 {
		opts.SendQueueDepth = DefaultSendQueueDepth
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.IdleTimeout <= opts.PingInterval {
		opts.IdleTimeout = 3 * opts.PingInterval
	}
	return &Hub{
		clients: make(map[*Client]bool),
		opts:    opts,
		logger:  logger.With("component", "websocket_hub"),
	}
}

// Register adds a client to the hub. It fails when the connection cap is
// reached or the hub is shutting down.
func (h *Hub) Register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.draining {
		return apperrors.ErrConnectionLimit
	}
	if len(h.clients) >= h.opts.MaxConnections {
		h.logger.Warn("connection limit reached, refusing client",
			"limit", h.opts.MaxConnections,
		)
		return apperrors.ErrConnectionLimit
	}

	h.clients[client] = true
	h.wg.Add(1)
	if h.opts.Observer != nil {
		h.opts.Observer.ConnectionOpened()
	}

	h.logger.Info("client registered",
		"connection_id", client.ID,
		"subject", client.Principal.Subject,
		"total_connections", len(h.clients),
	)
	return nil
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	h.wg.Done()
	if h.opts.Observer != nil {
		h.opts.Observer.ConnectionClosed()
	}

	h.logger.Info("client unregistered",
		"connection_id", client.ID,
		"close_reason", client.CloseReason(),
		"total_connections", len(h.clients),
	)
}

// MaxConnections returns the configured connection cap.
func (h *Hub) MaxConnections() int {
	return h.opts.MaxConnections
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown refuses new registrations, tells every client the server is
// restarting, and waits for the peers to acknowledge. Clients that have not
// answered by the time the context expires are force-closed.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	h.logger.Info("closing websocket clients", "count", len(clients))

	for _, client := range clients {
		client.CloseWithCode(websocket.CloseServiceRestart, "server restarting")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, client := range clients {
			client.ForceClose()
		}
		<-done
		return ctx.Err()
	}
}
