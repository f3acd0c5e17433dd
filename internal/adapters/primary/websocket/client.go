package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lorrc/event-gateway/internal/core/bus"
	"github.com/lorrc/event-gateway/internal/core/domain"
	"github.com/lorrc/event-gateway/internal/core/ports"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// CloseSlowConsumer is sent when a client cannot keep up with the
	// event stream and its send queue overflows.
	CloseSlowConsumer = 4008
)

// Close reasons recorded for logging when a connection ends.
const (
	ReasonNormal       = "normal"
	ReasonSlowConsumer = "slow_consumer"
	ReasonRestart      = "server_restart"
	ReasonReadError    = "read_error"
	ReasonWriteError   = "write_error"
)

// Client is a middleman between one websocket connection and the event bus.
// Each client owns a private bus subscription; the forward pump copies
// envelopes from the subscription into the bounded send queue, and the
// write pump drains the queue onto the wire.
type Client struct {
	ID        uuid.UUID
	Principal domain.Principal

	hub  *Hub
	conn *websocket.Conn
	sub  *bus.Subscription

	// send is the bounded outbound queue. An overflow closes the
	// connection with CloseSlowConsumer instead of blocking the bus.
	send chan []byte

	// status answers client refresh requests with current queue depth.
	status ports.QueueStatusSource

	// closed signals the write pump to stop after a close frame was sent
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	reason    string
	awaitPeer bool

	opts   Options
	logger *slog.Logger
}

// NewClient creates a client for an upgraded connection and its bus subscription.
func NewClient(hub *Hub, conn *websocket.Conn, sub *bus.Subscription, principal domain.Principal, status ports.QueueStatusSource, logger *slog.Logger) *Client {
	id := uuid.New()
	return &Client{
		ID:        id,
		Principal: principal,
		hub:       hub,
		conn:      conn,
		sub:       sub,
		send:      make(chan []byte, hub.opts.SendQueueDepth),
		status:    status,
		closed:    make(chan struct{}),
		opts:      hub.opts,
		logger:    logger.With("connection_id", id.String()),
	}
}

// CloseReason returns the recorded reason for the connection ending.
func (c *Client) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == "" {
		return ReasonNormal
	}
	return c.reason
}

func (c *Client) setReason(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == "" {
		c.reason = reason
	}
}

func (c *Client) awaitingPeerClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaitPeer
}

// ForceClose drops the connection without waiting for the peer's close
// frame. Shutdown uses it on clients that never acknowledge the restart.
func (c *Client) ForceClose() {
	_ = c.conn.Close()
}

// CloseWithCode sends a close frame with the given code and stops the client.
// Safe to call from any goroutine; only the first call takes effect. A
// restart close leaves the connection open so the peer's acknowledgment can
// arrive; every other code tears the connection down immediately.
func (c *Client) CloseWithCode(code int, text string) {
	switch code {
	case CloseSlowConsumer:
		c.setReason(ReasonSlowConsumer)
	case websocket.CloseServiceRestart:
		c.setReason(ReasonRestart)
		c.mu.Lock()
		c.awaitPeer = true
		c.mu.Unlock()
	}

	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, text)
		deadline := time.Now().Add(writeWait)
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.logger.Debug("failed to send close frame", "error", err)
		}
		close(c.closed)
	})
}

// ForwardPump copies envelopes from the bus subscription into the send
// queue. It exits when the subscription is closed or the queue overflows.
// This method runs in its own goroutine.
func (c *Client) ForwardPump() {
	for env := range c.sub.Events() {
		if missed := c.sub.Missed(); missed > 0 {
			c.logger.Warn("client fell behind bus, advising refresh", "missed", missed)
			if !c.enqueue([]byte(`{"type":"refresh"}`)) {
				return
			}
		}

		payload, err := json.Marshal(env.Event)
		if err != nil {
			c.logger.Error("failed to marshal event", "error", err, "event_type", env.Event.Type())
			continue
		}
		if !c.enqueue(payload) {
			return
		}
	}
}

// enqueue offers a message to the send queue. A full queue means the peer
// is not draining fast enough, so the connection is terminated rather than
// letting it stall the forward pump.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		c.logger.Warn("send queue full, closing slow consumer",
			"queue_depth", cap(c.send),
		)
		c.CloseWithCode(CloseSlowConsumer, "slow consumer")
		return false
	}
}

// ReadPump consumes messages from the websocket connection and enforces the
// idle timeout. This method runs in its own goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.sub.Close()
		_ = c.conn.Close()
		c.hub.Unregister(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout)); err != nil {
		c.logger.Error("failed to set read deadline", "error", err)
		return
	}

	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout)); err != nil {
			c.logger.Error("failed to set read deadline in pong handler", "error", err)
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.setReason(ReasonReadError)
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		c.handleIncomingMessage(message)
	}
}

// WritePump drains the send queue onto the connection and keeps the peer
// alive with periodic pings. This method runs in its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		// On a restart close the read pump keeps the connection until the
		// peer acknowledges or Shutdown's deadline force-closes it.
		if !c.awaitingPeerClose() {
			_ = c.conn.Close()
		}
	}()

	for {
		select {
		case <-c.closed:
			return

		case payload := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline", "error", err)
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.setReason(ReasonWriteError)
				c.logger.Debug("failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline for ping", "error", err)
				return
			}

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

// clientMessage is the structure for messages sent from the client.
type clientMessage struct {
	Type string `json:"type"`
}

// handleIncomingMessage processes messages received from the client.
func (c *Client) handleIncomingMessage(message []byte) {
	var msg clientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn("failed to unmarshal client message", "error", err)
		return
	}

	switch msg.Type {
	case "refresh":
		c.handleRefresh()

	default:
		c.logger.Debug("received unknown message type", "type", msg.Type)
	}
}

// handleRefresh answers a resync request with the current queue depth.
func (c *Client) handleRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pending, active, err := c.status.QueueStatus(ctx)
	if err != nil {
		c.logger.Warn("failed to read queue status for refresh", "error", err)
		return
	}

	payload, err := json.Marshal(domain.QueueStatus{Pending: pending, Active: active})
	if err != nil {
		c.logger.Error("failed to marshal queue status", "error", err)
		return
	}
	c.enqueue(payload)
}
