package websocket_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apphttp "github.com/lorrc/event-gateway/internal/adapters/primary/http"
	wsAdapter "github.com/lorrc/event-gateway/internal/adapters/primary/websocket"
	"github.com/lorrc/event-gateway/internal/config"
	"github.com/lorrc/event-gateway/internal/core/bus"
	"github.com/lorrc/event-gateway/internal/core/domain"
	"github.com/lorrc/event-gateway/internal/core/mocks"

	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type wsFixture struct {
	bus    *bus.Bus
	hub    *wsAdapter.Hub
	status *mocks.MockQueueStatusSource
	server *httptest.Server
}

func newWSFixture(t *testing.T, opts wsAdapter.Options) *wsFixture {
	t.Helper()

	f := &wsFixture{
		bus:    bus.New(16, discardLogger()),
		hub:    wsAdapter.NewHub(opts, discardLogger()),
		status: mocks.NewMockQueueStatusSource(),
	}

	cfg := &config.Config{
		App: config.AppConfig{Environment: "development"},
		WebSocket: config.WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	handler := apphttp.NewWebSocketHandler(f.hub, f.bus, f.status, cfg, discardLogger())
	f.server = httptest.NewServer(handler)

	t.Cleanup(func() {
		f.server.Close()
		f.bus.Close()
	})
	return f
}

func (f *wsFixture) dial(t *testing.T) *gws.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, resp, err := gws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireMessage struct {
	Type string `json:"type"`
}

func readMessage(t *testing.T, conn *gws.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	return payload
}

func TestWebSocket_StreamsEventsInOrder(t *testing.T) {
	f := newWSFixture(t, wsAdapter.DefaultOptions())
	conn := f.dial(t)

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 },
		time.Second, time.Millisecond)

	jobID := uuid.New()
	f.bus.Publish(domain.JobQueued{JobID: jobID, JobKind: "ocr"})
	f.bus.Publish(domain.JobProgress{JobID: jobID, Percent: 40, Message: "halfway there"})
	f.bus.Publish(domain.JobCompleted{JobID: jobID, JobKind: "ocr"})

	var got []string
	for i := 0; i < 3; i++ {
		payload := readMessage(t, conn)
		var msg wireMessage
		require.NoError(t, json.Unmarshal(payload, &msg))
		got = append(got, msg.Type)
	}
	assert.Equal(t, []string{"JobQueued", "JobProgress", "JobCompleted"}, got)
}

func TestWebSocket_RefreshReturnsQueueStatus(t *testing.T) {
	f := newWSFixture(t, wsAdapter.DefaultOptions())
	f.status.On("QueueStatus", mock.Anything).Return(int64(7), int64(2), nil)

	conn := f.dial(t)
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 },
		time.Second, time.Millisecond)

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(`{"type":"refresh"}`)))

	payload := readMessage(t, conn)
	var status struct {
		Type    string `json:"type"`
		Pending int64  `json:"pending"`
		Active  int64  `json:"active"`
	}
	require.NoError(t, json.Unmarshal(payload, &status))
	assert.Equal(t, "QueueStatus", status.Type)
	assert.Equal(t, int64(7), status.Pending)
	assert.Equal(t, int64(2), status.Active)
}

func TestWebSocket_ConnectionLimit(t *testing.T) {
	f := newWSFixture(t, wsAdapter.Options{MaxConnections: 1})

	f.dial(t)
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 },
		time.Second, time.Millisecond)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http")
	_, resp, err := gws.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
}

func TestWebSocket_ShutdownSendsServiceRestart(t *testing.T) {
	f := newWSFixture(t, wsAdapter.DefaultOptions())
	conn := f.dial(t)

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 },
		time.Second, time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.hub.Shutdown(shutdownCtx) }()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var closeErr *gws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, gws.CloseServiceRestart, closeErr.Code)
	assert.Equal(t, "server restarting", closeErr.Text)

	require.NoError(t, <-done)
	assert.Zero(t, f.hub.ClientCount())
}

func TestWebSocket_SlowConsumerClosedWithoutStallingOthers(t *testing.T) {
	f := newWSFixture(t, wsAdapter.Options{SendQueueDepth: 4})

	slow := f.dial(t)
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 },
		time.Second, time.Millisecond)

	// A burst far larger than the send queue overruns a peer that never
	// reads.
	jobID := uuid.New()
	for i := 0; i < 2000; i++ {
		f.bus.Publish(domain.JobProgress{JobID: jobID, Percent: i % 100})
	}
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 0 },
		5*time.Second, time.Millisecond)

	// The peer finds the close frame after the buffered events.
	require.NoError(t, slow.SetReadDeadline(time.Now().Add(2*time.Second)))
	var closeErr *gws.CloseError
	for {
		_, _, err := slow.ReadMessage()
		if err != nil {
			require.ErrorAs(t, err, &closeErr)
			break
		}
	}
	assert.Equal(t, wsAdapter.CloseSlowConsumer, closeErr.Code)
	assert.Equal(t, "slow consumer", closeErr.Text)

	// The hub keeps serving new connections.
	healthy := f.dial(t)
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 },
		time.Second, time.Millisecond)

	f.bus.Publish(domain.JobCompleted{JobID: jobID, JobKind: "ocr"})
	payload := readMessage(t, healthy)
	var msg wireMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "JobCompleted", msg.Type)
}

func TestWebSocket_ShutdownForceClosesSilentPeers(t *testing.T) {
	f := newWSFixture(t, wsAdapter.DefaultOptions())

	// This peer never reads, so it never answers the restart close frame.
	f.dial(t)
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 },
		time.Second, time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := f.hub.Shutdown(shutdownCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The acknowledgment window stayed open until the deadline, then the
	// straggler was dropped.
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	assert.Zero(t, f.hub.ClientCount())
}

func TestWebSocket_RefusedWhileDraining(t *testing.T) {
	f := newWSFixture(t, wsAdapter.DefaultOptions())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.hub.Shutdown(shutdownCtx))

	// The pre-upgrade count check passes with zero clients, so the refusal
	// comes from Register after the upgrade.
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, resp, err := gws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var closeErr *gws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, gws.CloseTryAgainLater, closeErr.Code)
}

type countingObserver struct {
	opened int32
	closed int32
}

func (o *countingObserver) ConnectionOpened() { atomic.AddInt32(&o.opened, 1) }
func (o *countingObserver) ConnectionClosed() { atomic.AddInt32(&o.closed, 1) }

func TestHub_RegisterUnregister(t *testing.T) {
	observer := &countingObserver{}
	hub := wsAdapter.NewHub(wsAdapter.Options{MaxConnections: 2, Observer: observer}, discardLogger())

	a := &wsAdapter.Client{ID: uuid.New()}
	b := &wsAdapter.Client{ID: uuid.New()}
	c := &wsAdapter.Client{ID: uuid.New()}

	require.NoError(t, hub.Register(a))
	require.NoError(t, hub.Register(b))
	assert.Error(t, hub.Register(c))
	assert.Equal(t, 2, hub.ClientCount())

	hub.Unregister(a)
	assert.Equal(t, 1, hub.ClientCount())
	require.NoError(t, hub.Register(c))

	// Unregistering an unknown client is a no-op.
	hub.Unregister(a)
	assert.Equal(t, 2, hub.ClientCount())

	// The observer saw three registrations and one removal; the refused
	// client never counted.
	assert.Equal(t, int32(3), atomic.LoadInt32(&observer.opened))
	assert.Equal(t, int32(1), atomic.LoadInt32(&observer.closed))
}
