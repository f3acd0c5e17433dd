package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lorrc/event-gateway/internal/core/domain"
	apperrors "github.com/lorrc/event-gateway/internal/core/errors"
	"github.com/lorrc/event-gateway/internal/core/ports"
)

// secretBytes is the entropy of a generated signing secret.
const secretBytes = 32

// WebhookService implements webhook subscription management. URL validation
// happens synchronously at registration: a rejected URL never produces an
// outbound request.
type WebhookService struct {
	registry ports.WebhookRegistry
	guard    ports.URLGuard
	logger   *slog.Logger
}

// NewWebhookService creates a new webhook service
func NewWebhookService(registry ports.WebhookRegistry, guard ports.URLGuard, logger *slog.Logger) *WebhookService {
	return &WebhookService{
		registry: registry,
		guard:    guard,
		logger:   logger.With("component", "webhook_service"),
	}
}

// Create registers a new subscription. The returned secret is surfaced to
// the caller exactly once; subsequent reads of the subscription omit it.
func (s *WebhookService) Create(ctx context.Context, targetURL string, events []domain.EventType) (*domain.Webhook, string, error) {
	if targetURL == "" {
		return nil, "", apperrors.ErrWebhookURLRequired
	}

	for _, t := range events {
		if !domain.KnownEventType(t) {
			return nil, "", fmt.Errorf("%w: %q", apperrors.ErrUnknownEventType, t)
		}
	}

	if err := s.guard.Validate(ctx, targetURL); err != nil {
		s.logger.Warn("webhook registration rejected",
			"url", targetURL,
			"error", err,
		)
		return nil, "", err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, "", fmt.Errorf("generate webhook secret: %w", err)
	}

	now := time.Now().UTC()
	webhook := &domain.Webhook{
		ID:        uuid.New(),
		URL:       targetURL,
		Secret:    secret,
		Events:    events,
		Health:    domain.WebhookActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.registry.Create(ctx, webhook); err != nil {
		return nil, "", err
	}

	s.logger.Info("webhook registered",
		"webhook_id", webhook.ID,
		"event_count", len(events),
	)

	return webhook, secret, nil
}

// Get returns one subscription by id.
func (s *WebhookService) Get(ctx context.Context, id uuid.UUID) (*domain.Webhook, error) {
	return s.registry.GetByID(ctx, id)
}

// List returns all subscriptions.
func (s *WebhookService) List(ctx context.Context) ([]*domain.Webhook, error) {
	return s.registry.List(ctx)
}

// Delete removes a subscription. Events published afterwards produce no
// delivery attempts for it.
func (s *WebhookService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.registry.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("webhook deleted", "webhook_id", id)
	return nil
}

// ListDeliveries returns recent delivery outcomes for a subscription.
func (s *WebhookService) ListDeliveries(ctx context.Context, id uuid.UUID, limit int) ([]*domain.WebhookDelivery, error) {
	if _, err := s.registry.GetByID(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.registry.ListDeliveries(ctx, id, limit)
}

func generateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
