package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/lorrc/event-gateway/internal/core/domain"
)

// MockWebhookRegistry is a mock implementation of ports.WebhookRegistry
type MockWebhookRegistry struct {
	mock.Mock
}

func NewMockWebhookRegistry() *MockWebhookRegistry {
	return &MockWebhookRegistry{}
}

func (m *MockWebhookRegistry) Create(ctx context.Context, webhook *domain.Webhook) error {
	args := m.Called(ctx, webhook)
	return args.Error(0)
}

func (m *MockWebhookRegistry) GetByID(ctx context.Context, id uuid.UUID) (*domain.Webhook, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Webhook), args.Error(1)
}

func (m *MockWebhookRegistry) List(ctx context.Context) ([]*domain.Webhook, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Webhook), args.Error(1)
}

func (m *MockWebhookRegistry) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockWebhookRegistry) ListActiveForEvent(ctx context.Context, eventType domain.EventType) ([]*domain.Webhook, error) {
	args := m.Called(ctx, eventType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Webhook), args.Error(1)
}

func (m *MockWebhookRegistry) RecordDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	args := m.Called(ctx, delivery)
	return args.Error(0)
}

func (m *MockWebhookRegistry) ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]*domain.WebhookDelivery, error) {
	args := m.Called(ctx, webhookID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.WebhookDelivery), args.Error(1)
}

// MockURLGuard is a mock implementation of ports.URLGuard
type MockURLGuard struct {
	mock.Mock
}

func NewMockURLGuard() *MockURLGuard {
	return &MockURLGuard{}
}

func (m *MockURLGuard) Validate(ctx context.Context, rawURL string) error {
	args := m.Called(ctx, rawURL)
	return args.Error(0)
}

// MockDeliverySender is a mock implementation of ports.DeliverySender
type MockDeliverySender struct {
	mock.Mock
}

func NewMockDeliverySender() *MockDeliverySender {
	return &MockDeliverySender{}
}

func (m *MockDeliverySender) Send(ctx context.Context, url string, headers map[string]string, body []byte) (int, error) {
	args := m.Called(ctx, url, headers, body)
	return args.Int(0), args.Error(1)
}

// MockTokenValidator is a mock implementation of ports.TokenValidator
type MockTokenValidator struct {
	mock.Mock
}

func NewMockTokenValidator() *MockTokenValidator {
	return &MockTokenValidator{}
}

func (m *MockTokenValidator) Validate(token string) (domain.Principal, error) {
	args := m.Called(token)
	return args.Get(0).(domain.Principal), args.Error(1)
}

// MockQueueStatusSource is a mock implementation of ports.QueueStatusSource
type MockQueueStatusSource struct {
	mock.Mock
}

func NewMockQueueStatusSource() *MockQueueStatusSource {
	return &MockQueueStatusSource{}
}

func (m *MockQueueStatusSource) QueueStatus(ctx context.Context) (int64, int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Get(1).(int64), args.Error(2)
}

// FakeClock is a manually stepped ports.Clock for retry/backoff tests.
// After returns a channel that fires when Advance moves the clock past the
// requested delay.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
	delays  []time.Duration
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFakeClock creates a fake clock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	c.delays = append(c.delays, d)
	deadline := c.now.Add(d)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, waiter{deadline: deadline, ch: ch})
	return ch
}

// Advance moves the clock forward and fires any waiters whose deadline
// passed.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			w.ch <- c.now
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}

// Waiters reports how many goroutines are currently blocked in After.
func (c *FakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Delays returns every duration passed to After, in order.
func (c *FakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.delays))
	copy(out, c.delays)
	return out
}
