// Package memory provides the in-memory webhook registry used for
// single-node deployments without a database and for tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorrc/event-gateway/internal/core/domain"
	apperrors "github.com/lorrc/event-gateway/internal/core/errors"
	"github.com/lorrc/event-gateway/internal/core/ports"
)

// deliveryHistoryLimit bounds the per-subscription history kept in memory.
const deliveryHistoryLimit = 100

// WebhookRepository is a mutex-guarded in-memory registry. The mutex also
// serializes health-state transitions, satisfying the single-writer
// requirement for concurrent delivery outcomes.
type WebhookRepository struct {
	mu         sync.RWMutex
	webhooks   map[uuid.UUID]*domain.Webhook
	deliveries map[uuid.UUID][]*domain.WebhookDelivery
}

var _ ports.WebhookRegistry = (*WebhookRepository)(nil)

// NewWebhookRepository creates an empty registry.
func NewWebhookRepository() *WebhookRepository {
	return &WebhookRepository{
		webhooks:   make(map[uuid.UUID]*domain.Webhook),
		deliveries: make(map[uuid.UUID][]*domain.WebhookDelivery),
	}
}

func (r *WebhookRepository) Create(_ context.Context, webhook *domain.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *webhook
	r.webhooks[webhook.ID] = &clone
	return nil
}

func (r *WebhookRepository) GetByID(_ context.Context, id uuid.UUID) (*domain.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wh, ok := r.webhooks[id]
	if !ok {
		return nil, apperrors.ErrWebhookNotFound
	}
	clone := *wh
	return &clone, nil
}

func (r *WebhookRepository) List(_ context.Context) ([]*domain.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Webhook, 0, len(r.webhooks))
	for _, wh := range r.webhooks {
		clone := *wh
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *WebhookRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.webhooks[id]; !ok {
		return apperrors.ErrWebhookNotFound
	}
	delete(r.webhooks, id)
	delete(r.deliveries, id)
	return nil
}

func (r *WebhookRepository) ListActiveForEvent(_ context.Context, eventType domain.EventType) ([]*domain.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Webhook
	for _, wh := range r.webhooks {
		if wh.Deliverable() && wh.Matches(eventType) {
			clone := *wh
			out = append(out, &clone)
		}
	}
	return out, nil
}

// RecordDelivery appends to history and applies the health transition:
// success resets failures and reactivates; an exhausted delivery degrades,
// and the auto-disable threshold flips the subscription off entirely.
func (r *WebhookRepository) RecordDelivery(_ context.Context, delivery *domain.WebhookDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wh, ok := r.webhooks[delivery.WebhookID]
	if !ok {
		return apperrors.ErrWebhookNotFound
	}

	history := append(r.deliveries[delivery.WebhookID], cloneDelivery(delivery))
	if len(history) > deliveryHistoryLimit {
		history = history[len(history)-deliveryHistoryLimit:]
	}
	r.deliveries[delivery.WebhookID] = history

	now := time.Now().UTC()
	wh.UpdatedAt = now
	if delivery.Success {
		wh.FailureCount = 0
		wh.Health = domain.WebhookActive
		delivered := delivery.CreatedAt
		wh.LastDeliveredAt = &delivered
	} else {
		wh.FailureCount++
		if wh.FailureCount >= domain.AutoDisableFailures {
			wh.Health = domain.WebhookDisabled
		} else {
			wh.Health = domain.WebhookDegraded
		}
	}
	return nil
}

func (r *WebhookRepository) ListDeliveries(_ context.Context, webhookID uuid.UUID, limit int) ([]*domain.WebhookDelivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	history := r.deliveries[webhookID]
	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}

	// Newest first.
	out := make([]*domain.WebhookDelivery, 0, limit)
	for i := len(history) - 1; i >= len(history)-limit; i-- {
		out = append(out, cloneDelivery(history[i]))
	}
	return out, nil
}

func cloneDelivery(d *domain.WebhookDelivery) *domain.WebhookDelivery {
	clone := *d
	return &clone
}
