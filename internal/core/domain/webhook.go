package domain

import (
	"time"

	"github.com/google/uuid"
)

// WebhookHealth is the current health state of a webhook subscription.
type WebhookHealth string

const (
	// WebhookActive means deliveries are flowing normally.
	WebhookActive WebhookHealth = "active"
	// WebhookDegraded means the most recent delivery exhausted its retry
	// budget. The subscription stays eligible for future events.
	WebhookDegraded WebhookHealth = "degraded"
	// WebhookDisabled means consecutive failures crossed the auto-disable
	// threshold and no further deliveries are attempted.
	WebhookDisabled WebhookHealth = "disabled"
)

// AutoDisableFailures is the number of consecutive exhausted deliveries
// after which a subscription is disabled.
const AutoDisableFailures = 10

// Webhook is a registered outbound notification target. The registry is the
// single writer for health-state transitions.
type Webhook struct {
	ID     uuid.UUID `json:"id"`
	URL    string    `json:"url"`
	Secret string    `json:"-"`

	// Events is the set of subscribed event types. Empty means all types.
	Events []EventType `json:"events"`

	Health          WebhookHealth `json:"health"`
	FailureCount    int           `json:"failureCount"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	LastDeliveredAt *time.Time    `json:"lastDeliveredAt,omitempty"`
}

// Matches reports whether this subscription wants events of type t.
// An empty filter list subscribes to every type.
func (w *Webhook) Matches(t EventType) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == t {
			return true
		}
	}
	return false
}

// Deliverable reports whether deliveries should be attempted at all.
// Degraded subscriptions remain deliverable; disabled ones do not.
func (w *Webhook) Deliverable() bool {
	return w.Health != WebhookDisabled
}

// WebhookDelivery records the terminal outcome of one (subscription, event)
// delivery, after retries. Kept as recent history for operator visibility;
// per-attempt state lives only in the dispatcher while a delivery is in
// flight.
type WebhookDelivery struct {
	ID         uuid.UUID `json:"id"`
	WebhookID  uuid.UUID `json:"webhookId"`
	EventType  EventType `json:"eventType"`
	Attempts   int       `json:"attempts"`
	StatusCode int       `json:"statusCode,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
