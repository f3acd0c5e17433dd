package services_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/event-gateway/internal/core/bus"
	"github.com/lorrc/event-gateway/internal/core/domain"
	apperrors "github.com/lorrc/event-gateway/internal/core/errors"
	"github.com/lorrc/event-gateway/internal/core/mocks"
	"github.com/lorrc/event-gateway/internal/core/services"
)

// recordingObserver captures terminal delivery outcomes.
type recordingObserver struct {
	mu       sync.Mutex
	outcomes []bool
}

func (o *recordingObserver) DeliveryOutcome(success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, success)
}

func (o *recordingObserver) Outcomes() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]bool, len(o.outcomes))
	copy(out, o.outcomes)
	return out
}

func testSign(secret string, body []byte) string {
	return "sha256=test-" + secret
}

type dispatcherHarness struct {
	registry *mocks.MockWebhookRegistry
	guard    *mocks.MockURLGuard
	sender   *mocks.MockDeliverySender
	clock    *mocks.FakeClock
	observer *recordingObserver
	bus      *bus.Bus
	done     chan struct{}
}

func startDispatcher(t *testing.T, cfg services.DispatcherConfig) *dispatcherHarness {
	t.Helper()

	h := &dispatcherHarness{
		registry: mocks.NewMockWebhookRegistry(),
		guard:    mocks.NewMockURLGuard(),
		sender:   mocks.NewMockDeliverySender(),
		clock:    mocks.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		observer: &recordingObserver{},
		bus:      bus.New(16, discardLogger()),
		done:     make(chan struct{}),
	}

	dispatcher := services.NewDispatcher(
		h.registry, h.guard, h.sender, h.clock, testSign, h.observer, cfg, discardLogger(),
	)

	sub, err := h.bus.Subscribe()
	require.NoError(t, err)

	go func() {
		dispatcher.Run(context.Background(), sub)
		close(h.done)
	}()

	t.Cleanup(func() {
		h.bus.Close()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})

	return h
}

// finish closes the bus and waits for in-flight deliveries to drain.
func (h *dispatcherHarness) finish(t *testing.T) {
	t.Helper()
	h.bus.Close()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not drain deliveries")
	}
}

// advancePastRetry waits until the dispatcher is blocked in the backoff
// wait, then steps the clock over it.
func (h *dispatcherHarness) advancePastRetry(t *testing.T, d time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return h.clock.Waiters() > 0 },
		time.Second, time.Millisecond)
	h.clock.Advance(d)
}

func activeWebhook(url string) *domain.Webhook {
	return &domain.Webhook{
		ID:     uuid.New(),
		URL:    url,
		Secret: "s3cr3t",
		Health: domain.WebhookActive,
	}
}

func TestDispatcher_RetriesWithExponentialBackoffThenSucceeds(t *testing.T) {
	cfg := services.DispatcherConfig{
		MaxAttempts:    4,
		BackoffBase:    time.Second,
		BackoffFactor:  5,
		AttemptTimeout: 30 * time.Second,
	}
	h := startDispatcher(t, cfg)

	webhook := activeWebhook("https://example.com/hook")
	h.registry.On("ListActiveForEvent", mock.Anything, domain.EventJobCompleted).
		Return([]*domain.Webhook{webhook}, nil)
	h.guard.On("Validate", mock.Anything, webhook.URL).Return(nil)

	h.sender.On("Send", mock.Anything, webhook.URL, mock.Anything, mock.Anything).
		Return(500, nil).Times(3)
	h.sender.On("Send", mock.Anything, webhook.URL, mock.Anything, mock.Anything).
		Return(200, nil).Once()

	var recorded *domain.WebhookDelivery
	h.registry.On("RecordDelivery", mock.Anything, mock.AnythingOfType("*domain.WebhookDelivery")).
		Run(func(args mock.Arguments) {
			recorded = args.Get(1).(*domain.WebhookDelivery)
		}).
		Return(nil)

	h.bus.Publish(domain.JobCompleted{JobID: uuid.New(), JobKind: "embedding"})

	h.advancePastRetry(t, time.Second)
	h.advancePastRetry(t, 5*time.Second)
	h.advancePastRetry(t, 25*time.Second)

	h.finish(t)

	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 25 * time.Second}, h.clock.Delays())

	require.NotNil(t, recorded)
	assert.True(t, recorded.Success)
	assert.Equal(t, 4, recorded.Attempts)
	assert.Equal(t, 200, recorded.StatusCode)
	assert.Empty(t, recorded.Error)

	assert.Equal(t, []bool{true}, h.observer.Outcomes())
	h.sender.AssertExpectations(t)
}

func TestDispatcher_ExhaustsRetryBudget(t *testing.T) {
	cfg := services.DispatcherConfig{
		MaxAttempts:    4,
		BackoffBase:    time.Second,
		BackoffFactor:  5,
		AttemptTimeout: 30 * time.Second,
	}
	h := startDispatcher(t, cfg)

	webhook := activeWebhook("https://dead.example.com/hook")
	h.registry.On("ListActiveForEvent", mock.Anything, mock.Anything).
		Return([]*domain.Webhook{webhook}, nil)
	h.guard.On("Validate", mock.Anything, webhook.URL).Return(nil)
	h.sender.On("Send", mock.Anything, webhook.URL, mock.Anything, mock.Anything).
		Return(503, nil)

	var recorded *domain.WebhookDelivery
	h.registry.On("RecordDelivery", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			recorded = args.Get(1).(*domain.WebhookDelivery)
		}).
		Return(nil)

	h.bus.Publish(domain.JobFailed{JobID: uuid.New(), ErrorCategory: domain.ErrorCategoryStorage})

	h.advancePastRetry(t, time.Second)
	h.advancePastRetry(t, 5*time.Second)
	h.advancePastRetry(t, 25*time.Second)

	h.finish(t)

	require.NotNil(t, recorded)
	assert.False(t, recorded.Success)
	assert.Equal(t, 4, recorded.Attempts)
	assert.Equal(t, 503, recorded.StatusCode)
	assert.Equal(t, "http error", recorded.Error)

	assert.Equal(t, []bool{false}, h.observer.Outcomes())
}

func TestDispatcher_SignsAndStampsHeaders(t *testing.T) {
	h := startDispatcher(t, services.DefaultDispatcherConfig())

	webhook := activeWebhook("https://example.com/hook")
	h.registry.On("ListActiveForEvent", mock.Anything, mock.Anything).
		Return([]*domain.Webhook{webhook}, nil)
	h.guard.On("Validate", mock.Anything, webhook.URL).Return(nil)
	h.registry.On("RecordDelivery", mock.Anything, mock.Anything).Return(nil)

	var headers map[string]string
	h.sender.On("Send", mock.Anything, webhook.URL, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			headers = args.Get(2).(map[string]string)
		}).
		Return(200, nil)

	h.bus.Publish(domain.JobQueued{JobID: uuid.New(), JobKind: "ocr"})
	h.finish(t)

	require.NotNil(t, headers)
	assert.Equal(t, "application/json", headers["Content-Type"])
	assert.Equal(t, "sha256=test-s3cr3t", headers["X-Signature"])
	assert.NotEmpty(t, headers["X-Delivery-ID"])

	stamp, err := time.Parse(time.RFC3339, headers["X-Timestamp"])
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().UTC(), stamp.UTC())
}

func TestDispatcher_NoMatchingSubscriptionsSendsNothing(t *testing.T) {
	h := startDispatcher(t, services.DefaultDispatcherConfig())

	h.registry.On("ListActiveForEvent", mock.Anything, mock.Anything).
		Return([]*domain.Webhook{}, nil)

	h.bus.Publish(domain.JobQueued{JobID: uuid.New()})
	h.finish(t)

	h.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatcher_GuardRejectionBlocksAttempt(t *testing.T) {
	cfg := services.DispatcherConfig{
		MaxAttempts:    2,
		BackoffBase:    time.Second,
		BackoffFactor:  5,
		AttemptTimeout: 30 * time.Second,
	}
	h := startDispatcher(t, cfg)

	// The target's DNS now resolves into a private range: every attempt is
	// rejected before any network call.
	webhook := activeWebhook("https://rebound.example.com/hook")
	h.registry.On("ListActiveForEvent", mock.Anything, mock.Anything).
		Return([]*domain.Webhook{webhook}, nil)
	h.guard.On("Validate", mock.Anything, webhook.URL).Return(apperrors.ErrWebhookURLRejected)

	var recorded *domain.WebhookDelivery
	h.registry.On("RecordDelivery", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			recorded = args.Get(1).(*domain.WebhookDelivery)
		}).
		Return(nil)

	h.bus.Publish(domain.ContentUpdated{ContentID: uuid.New(), Title: "doc"})

	h.advancePastRetry(t, time.Second)
	h.finish(t)

	h.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	require.NotNil(t, recorded)
	assert.False(t, recorded.Success)
	assert.Equal(t, "url rejected", recorded.Error)
}

func TestDispatcher_RecordToleratesDeletedWebhook(t *testing.T) {
	h := startDispatcher(t, services.DefaultDispatcherConfig())

	webhook := activeWebhook("https://example.com/hook")
	h.registry.On("ListActiveForEvent", mock.Anything, mock.Anything).
		Return([]*domain.Webhook{webhook}, nil)
	h.guard.On("Validate", mock.Anything, webhook.URL).Return(nil)
	h.sender.On("Send", mock.Anything, webhook.URL, mock.Anything, mock.Anything).Return(204, nil)
	h.registry.On("RecordDelivery", mock.Anything, mock.Anything).Return(apperrors.ErrWebhookNotFound)

	h.bus.Publish(domain.JobStarted{JobID: uuid.New()})
	h.finish(t)

	// The outcome still reaches the observer even though the row is gone.
	assert.Equal(t, []bool{true}, h.observer.Outcomes())
}
