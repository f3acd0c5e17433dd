package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lorrc/event-gateway/internal/core/domain"
)

// TokenValidator is the auth collaborator: it validates a bearer credential
// and returns the principal it identifies, or rejects it.
type TokenValidator interface {
	Validate(token string) (domain.Principal, error)
}

// WebhookRegistry stores webhook subscriptions and their delivery history.
// Implementations must serialize health-state updates to the same
// subscription; callers never mutate health directly.
type WebhookRegistry interface {
	Create(ctx context.Context, webhook *domain.Webhook) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Webhook, error)
	List(ctx context.Context) ([]*domain.Webhook, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// ListActiveForEvent returns deliverable subscriptions whose filter
	// matches the given event type.
	ListActiveForEvent(ctx context.Context, eventType domain.EventType) ([]*domain.Webhook, error)

	// RecordDelivery persists a terminal delivery outcome and applies the
	// health-state transition: success resets the failure count, an
	// exhausted delivery marks the subscription degraded, and crossing
	// domain.AutoDisableFailures consecutive failures disables it.
	RecordDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error

	ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]*domain.WebhookDelivery, error)
}

// URLGuard validates an outbound target URL against network security policy.
// It is consulted at registration time and again immediately before every
// network call.
type URLGuard interface {
	Validate(ctx context.Context, rawURL string) error
}

// DeliverySender performs one outbound HTTP POST. Implementations enforce
// the per-attempt timeout and re-check resolved addresses at dial time.
type DeliverySender interface {
	Send(ctx context.Context, url string, headers map[string]string, body []byte) (statusCode int, err error)
}

// QueueStatusSource reports the job queue depth. Backed by the job
// processor collaborator; used for periodic QueueStatus broadcasts and
// on-demand refresh snapshots.
type QueueStatusSource interface {
	QueueStatus(ctx context.Context) (pending, active int64, err error)
}

// Clock abstracts time for components with retry/backoff behavior so tests
// can drive delays without real sleeps.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// JobNotification is one entry on the job processor's internal notification
// stream. Kind is an open set owned by the processor; the bridge drops kinds
// it cannot translate.
type JobNotification struct {
	Kind    string
	JobID   uuid.UUID
	JobKind string

	// Progress fields, meaningful for Kind "progress".
	Percent int
	Message string

	// ErrorKind is the processor's coarse failure label, meaningful for
	// Kind "failed". Mapped to domain.ErrorCategory by the bridge.
	ErrorKind string
}

// Job notification kinds the bridge understands.
const (
	JobKindQueued    = "queued"
	JobKindStarted   = "started"
	JobKindProgress  = "progress"
	JobKindCompleted = "completed"
	JobKindFailed    = "failed"
)
