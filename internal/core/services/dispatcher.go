package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorrc/event-gateway/internal/core/bus"
	"github.com/lorrc/event-gateway/internal/core/domain"
	apperrors "github.com/lorrc/event-gateway/internal/core/errors"
	"github.com/lorrc/event-gateway/internal/core/ports"
)

// SignFunc computes the payload signature header value for a body and
// secret.
type SignFunc func(secret string, body []byte) string

// DeliveryObserver receives terminal delivery outcomes for telemetry.
type DeliveryObserver interface {
	DeliveryOutcome(success bool)
}

// DispatcherConfig holds retry policy knobs.
type DispatcherConfig struct {
	MaxAttempts    int           // total attempts per delivery (default 4)
	BackoffBase    time.Duration // delay before the second attempt (default 1s)
	BackoffFactor  int           // multiplier between delays (default 5)
	AttemptTimeout time.Duration // per-attempt HTTP timeout (default 30s)
}

// DefaultDispatcherConfig returns the standard retry policy: four attempts
// with 1s, 5s, 25s waits between them and 30s per attempt.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxAttempts:    4,
		BackoffBase:    1 * time.Second,
		BackoffFactor:  5,
		AttemptTimeout: 30 * time.Second,
	}
}

// deliveryState is the per-delivery retry state machine.
type deliveryState int

const (
	deliveryPending deliveryState = iota
	deliveryRetrying
	deliverySucceeded
	deliveryExhausted
)

// Dispatcher consumes bus events and fans each one out to every matching
// webhook subscription as an independent delivery task. Delivery failures
// never propagate to the bus or to other subscribers; the registry absorbs
// outcomes and owns health-state transitions.
type Dispatcher struct {
	registry ports.WebhookRegistry
	guard    ports.URLGuard
	sender   ports.DeliverySender
	clock    ports.Clock
	sign     SignFunc
	observer DeliveryObserver
	cfg      DispatcherConfig
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. observer may be nil.
func NewDispatcher(
	registry ports.WebhookRegistry,
	guard ports.URLGuard,
	sender ports.DeliverySender,
	clock ports.Clock,
	sign SignFunc,
	observer DeliveryObserver,
	cfg DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffFactor < 2 {
		cfg.BackoffFactor = 5
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	return &Dispatcher{
		registry: registry,
		guard:    guard,
		sender:   sender,
		clock:    clock,
		sign:     sign,
		observer: observer,
		cfg:      cfg,
		logger:   logger.With("component", "webhook_dispatcher"),
	}
}

// Run consumes the subscription until it closes or ctx is canceled, then
// waits for in-flight deliveries to finish.
func (d *Dispatcher) Run(ctx context.Context, sub *bus.Subscription) {
	defer d.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			if missed := sub.Missed(); missed > 0 {
				d.logger.Warn("dispatcher lagged behind event bus", "missed", missed)
			}
			d.dispatch(ctx, env.Event)
		}
	}
}

// dispatch spawns one delivery task per matching subscription.
func (d *Dispatcher) dispatch(ctx context.Context, event domain.Event) {
	webhooks, err := d.registry.ListActiveForEvent(ctx, event.Type())
	if err != nil {
		d.logger.Error("failed to list webhook subscriptions",
			"event_type", event.Type(),
			"error", err,
		)
		return
	}
	if len(webhooks) == 0 {
		return
	}

	body, err := event.MarshalJSON()
	if err != nil {
		d.logger.Error("failed to serialize event payload",
			"event_type", event.Type(),
			"error", err,
		)
		return
	}

	for _, wh := range webhooks {
		d.wg.Add(1)
		go func(wh *domain.Webhook) {
			defer d.wg.Done()
			d.deliver(ctx, wh, event.Type(), body)
		}(wh)
	}
}

// deliver runs the retry state machine for one (subscription, event) pair:
// pending → retrying(n) → succeeded | exhausted. The same body bytes are
// signed and sent on every attempt so the signature stays valid for the
// exact payload the receiver reads.
func (d *Dispatcher) deliver(ctx context.Context, wh *domain.Webhook, eventType domain.EventType, body []byte) {
	deliveryID := uuid.New()
	headers := map[string]string{
		"Content-Type":  "application/json",
		"X-Signature":   d.sign(wh.Secret, body),
		"X-Delivery-ID": deliveryID.String(),
	}

	state := deliveryPending
	var lastStatus int
	var lastErr error
	attempts := 0

	for attempts < d.cfg.MaxAttempts {
		if state == deliveryRetrying {
			select {
			case <-ctx.Done():
				return
			case <-d.clock.After(d.attemptDelay(attempts)):
			}
		}

		attempts++
		headers["X-Timestamp"] = d.clock.Now().UTC().Format(time.RFC3339)

		lastStatus, lastErr = d.attempt(ctx, wh, headers, body)
		if lastErr == nil && is2xx(lastStatus) {
			state = deliverySucceeded
			break
		}
		state = deliveryRetrying

		d.logger.Warn("webhook delivery attempt failed",
			"webhook_id", wh.ID,
			"delivery_id", deliveryID,
			"event_type", eventType,
			"attempt", attempts,
			"status_code", lastStatus,
			"error", errString(lastErr),
		)
	}
	if state != deliverySucceeded {
		state = deliveryExhausted
	}

	outcome := &domain.WebhookDelivery{
		ID:         deliveryID,
		WebhookID:  wh.ID,
		EventType:  eventType,
		Attempts:   attempts,
		StatusCode: lastStatus,
		Success:    state == deliverySucceeded,
		CreatedAt:  d.clock.Now().UTC(),
	}
	if state == deliveryExhausted {
		outcome.Error = terminalError(lastStatus, lastErr)
	}

	// Recording may race with subscription deletion; a missing row is not
	// an error worth surfacing.
	if err := d.registry.RecordDelivery(ctx, outcome); err != nil && !errors.Is(err, apperrors.ErrWebhookNotFound) {
		d.logger.Error("failed to record delivery outcome",
			"webhook_id", wh.ID,
			"delivery_id", deliveryID,
			"error", err,
		)
	}

	if d.observer != nil {
		d.observer.DeliveryOutcome(outcome.Success)
	}

	if outcome.Success {
		d.logger.Info("webhook delivered",
			"webhook_id", wh.ID,
			"delivery_id", deliveryID,
			"event_type", eventType,
			"attempts", attempts,
		)
	} else {
		d.logger.Warn("webhook delivery exhausted, subscription degraded",
			"webhook_id", wh.ID,
			"delivery_id", deliveryID,
			"event_type", eventType,
			"attempts", attempts,
		)
	}
}

// attempt performs a single POST. The target URL is re-validated first so a
// DNS record that changed since registration cannot redirect the delivery
// into an internal range.
func (d *Dispatcher) attempt(ctx context.Context, wh *domain.Webhook, headers map[string]string, body []byte) (int, error) {
	if err := d.guard.Validate(ctx, wh.URL); err != nil {
		return 0, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	return d.sender.Send(attemptCtx, wh.URL, headers, body)
}

// attemptDelay returns the wait before attempt n+1: base * factor^(n-1).
func (d *Dispatcher) attemptDelay(completedAttempts int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 1; i < completedAttempts; i++ {
		delay *= time.Duration(d.cfg.BackoffFactor)
	}
	return delay
}

func is2xx(status int) bool {
	return status >= 200 && status < 300
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func terminalError(status int, err error) string {
	if err != nil {
		if errors.Is(err, apperrors.ErrDeliveryTimeout) {
			return "timeout"
		}
		if errors.Is(err, apperrors.ErrWebhookURLRejected) {
			return "url rejected"
		}
		return "request failed"
	}
	if status != 0 {
		return "http error"
	}
	return "unknown"
}
