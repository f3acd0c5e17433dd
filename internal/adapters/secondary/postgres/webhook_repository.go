package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lorrc/event-gateway/internal/core/domain"
	apperrors "github.com/lorrc/event-gateway/internal/core/errors"
	"github.com/lorrc/event-gateway/internal/core/ports"
)

// WebhookRepository persists webhook subscriptions and delivery history.
// Health transitions run inside single UPDATE statements so concurrent
// deliveries to the same subscription serialize on the row.
type WebhookRepository struct {
	pool *pgxpool.Pool
}

var _ ports.WebhookRegistry = (*WebhookRepository)(nil)

// NewWebhookRepository creates a new webhook repository.
func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{pool: pool}
}

const webhookColumns = "id, url, secret, events, health, failure_count, created_at, updated_at, last_delivered_at"

func scanWebhook(row pgx.Row) (*domain.Webhook, error) {
	var webhook domain.Webhook
	var events []string

	err := row.Scan(
		&webhook.ID,
		&webhook.URL,
		&webhook.Secret,
		&events,
		&webhook.Health,
		&webhook.FailureCount,
		&webhook.CreatedAt,
		&webhook.UpdatedAt,
		&webhook.LastDeliveredAt,
	)
	if err != nil {
		return nil, err
	}

	webhook.Events = make([]domain.EventType, 0, len(events))
	for _, e := range events {
		webhook.Events = append(webhook.Events, domain.EventType(e))
	}
	return &webhook, nil
}

func eventStrings(events []domain.EventType) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, string(e))
	}
	return out
}

// Create persists a new webhook subscription.
func (r *WebhookRepository) Create(ctx context.Context, webhook *domain.Webhook) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhooks (id, url, secret, events, health, failure_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		webhook.ID,
		webhook.URL,
		webhook.Secret,
		eventStrings(webhook.Events),
		string(webhook.Health),
		webhook.FailureCount,
		webhook.CreatedAt,
		webhook.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert webhook: %w", err)
	}
	return nil
}

// GetByID retrieves a webhook subscription by ID.
func (r *WebhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Webhook, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+webhookColumns+" FROM webhooks WHERE id = $1", id)

	webhook, err := scanWebhook(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrWebhookNotFound
		}
		return nil, err
	}
	return webhook, nil
}

// List returns all webhook subscriptions, newest first.
func (r *WebhookRepository) List(ctx context.Context) ([]*domain.Webhook, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+webhookColumns+" FROM webhooks ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []*domain.Webhook
	for rows.Next() {
		webhook, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, webhook)
	}
	return webhooks, rows.Err()
}

// Delete removes a webhook subscription and its delivery history.
func (r *WebhookRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, "DELETE FROM webhooks WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrWebhookNotFound
	}
	return nil
}

// ListActiveForEvent returns deliverable subscriptions matching the event
// type. An empty filter array means the subscription wants every type.
func (r *WebhookRepository) ListActiveForEvent(ctx context.Context, eventType domain.EventType) ([]*domain.Webhook, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+webhookColumns+` FROM webhooks
		WHERE health <> 'disabled'
		  AND (cardinality(events) = 0 OR $1 = ANY(events))
		ORDER BY created_at`,
		string(eventType),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []*domain.Webhook
	for rows.Next() {
		webhook, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, webhook)
	}
	return webhooks, rows.Err()
}

// RecordDelivery persists a terminal delivery outcome and applies the
// health transition in a single transaction.
func (r *WebhookRepository) RecordDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tag pgconn.CommandTag
	if delivery.Success {
		t, err := tx.Exec(ctx, `
			UPDATE webhooks SET
				failure_count = 0,
				health = 'active',
				last_delivered_at = $2,
				updated_at = $2
			WHERE id = $1`,
			delivery.WebhookID, delivery.CreatedAt,
		)
		if err != nil {
			return err
		}
		tag = t
	} else {
		t, err := tx.Exec(ctx, `
			UPDATE webhooks SET
				failure_count = failure_count + 1,
				health = CASE WHEN failure_count + 1 >= $2 THEN 'disabled' ELSE 'degraded' END,
				updated_at = $3
			WHERE id = $1`,
			delivery.WebhookID, domain.AutoDisableFailures, delivery.CreatedAt,
		)
		if err != nil {
			return err
		}
		tag = t
	}

	if tag.RowsAffected() == 0 {
		// Subscription was deleted while the delivery was in flight.
		return apperrors.ErrWebhookNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, event_type, attempts, status_code, success, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		delivery.ID,
		delivery.WebhookID,
		string(delivery.EventType),
		delivery.Attempts,
		delivery.StatusCode,
		delivery.Success,
		delivery.Error,
		delivery.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert delivery record: %w", err)
	}

	return tx.Commit(ctx)
}

// ListDeliveries returns recent delivery records for a webhook, newest first.
func (r *WebhookRepository) ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]*domain.WebhookDelivery, error) {
	// Confirm the subscription exists so a bad ID is a 404, not an empty list.
	if _, err := r.GetByID(ctx, webhookID); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, webhook_id, event_type, attempts, status_code, success, error, created_at
		FROM webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		webhookID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []*domain.WebhookDelivery
	for rows.Next() {
		var delivery domain.WebhookDelivery
		err := rows.Scan(
			&delivery.ID,
			&delivery.WebhookID,
			&delivery.EventType,
			&delivery.Attempts,
			&delivery.StatusCode,
			&delivery.Success,
			&delivery.Error,
			&delivery.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, &delivery)
	}
	return deliveries, rows.Err()
}
