package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lorrc/event-gateway/internal/core/bus"
	"github.com/lorrc/event-gateway/internal/core/domain"
)

// Mirror consumes the event stream on its own bus subscription and turns it
// into structured log records and metrics. It never feeds back into the bus
// and never blocks a producer; if the mirror itself lags, the dropped
// events are counted like any other slow subscriber.
type Mirror struct {
	metrics *GatewayMetrics
	logger  *slog.Logger

	mu          sync.Mutex
	eventCounts map[domain.EventType]uint64
	delivered   uint64
	failed      uint64
	lagDropped  uint64
}

// NewMirror creates a telemetry mirror.
func NewMirror(metrics *GatewayMetrics, logger *slog.Logger) *Mirror {
	return &Mirror{
		metrics:     metrics,
		logger:      logger.With("component", "telemetry_mirror"),
		eventCounts: make(map[domain.EventType]uint64),
	}
}

// Run consumes the subscription until the context is canceled or the bus
// closes. This method runs in its own goroutine.
func (m *Mirror) Run(ctx context.Context, sub *bus.Subscription) {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			if missed := sub.Missed(); missed > 0 {
				m.logger.Warn("telemetry mirror fell behind", "missed", missed)
				m.RecordLag(ctx, missed)
			}
			m.observe(ctx, env)
		}
	}
}

func (m *Mirror) observe(ctx context.Context, env bus.Envelope) {
	eventType := env.Event.Type()

	m.logger.Debug("event",
		"event_type", eventType,
		"seq", env.Seq,
	)

	m.metrics.EventsPublished.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event_type", string(eventType))),
	)

	m.mu.Lock()
	m.eventCounts[eventType]++
	m.mu.Unlock()
}

// RecordLag accounts for events a subscriber lost by falling behind.
func (m *Mirror) RecordLag(ctx context.Context, missed uint64) {
	if missed == 0 {
		return
	}

	m.metrics.SubscriberLag.Add(ctx, int64(missed))

	m.mu.Lock()
	m.lagDropped += missed
	m.mu.Unlock()
}

// DeliveryOutcome records one terminal webhook delivery result. Implements
// the dispatcher's observer hook.
func (m *Mirror) DeliveryOutcome(success bool) {
	result := "failed"
	if success {
		result = "succeeded"
	}

	m.metrics.DeliveryOutcomes.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("result", result)),
	)

	m.mu.Lock()
	if success {
		m.delivered++
	} else {
		m.failed++
	}
	m.mu.Unlock()
}

// ConnectionOpened increments the active-connection gauge. Implements the
// hub's connection observer hook.
func (m *Mirror) ConnectionOpened() {
	m.metrics.ActiveConnections.Add(context.Background(), 1)
}

// ConnectionClosed decrements the active-connection gauge.
func (m *Mirror) ConnectionClosed() {
	m.metrics.ActiveConnections.Add(context.Background(), -1)
}

// Snapshot is a point-in-time copy of the mirror's counters.
type Snapshot struct {
	EventCounts         map[domain.EventType]uint64 `json:"eventCounts"`
	DeliveriesSucceeded uint64                      `json:"deliveriesSucceeded"`
	DeliveriesFailed    uint64                      `json:"deliveriesFailed"`
	LagDropped          uint64                      `json:"lagDropped"`
}

// Snapshot returns a copy of the current counters for the stats endpoint.
func (m *Mirror) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[domain.EventType]uint64, len(m.eventCounts))
	for eventType, count := range m.eventCounts {
		counts[eventType] = count
	}

	return Snapshot{
		EventCounts:         counts,
		DeliveriesSucceeded: m.delivered,
		DeliveriesFailed:    m.failed,
		LagDropped:          m.lagDropped,
	}
}
