package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lorrc/event-gateway/internal/core/domain"
	apperrors "github.com/lorrc/event-gateway/internal/core/errors"
	"github.com/lorrc/event-gateway/internal/core/services"
)

// WebhookHandler exposes webhook subscription management endpoints.
type WebhookHandler struct {
	service      *services.WebhookService
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(service *services.WebhookService, errorHandler *ErrorHandler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		service:      service,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// CreateWebhookRequest is the payload for registering a webhook.
// An empty events list subscribes the webhook to every event type.
type CreateWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// WebhookResponse is the JSON shape for a webhook subscription. Secret is
// only populated in the create response; it is never returned again.
type WebhookResponse struct {
	ID              uuid.UUID          `json:"id"`
	URL             string             `json:"url"`
	Events          []domain.EventType `json:"events"`
	Health          string             `json:"health"`
	FailureCount    int                `json:"failureCount"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
	LastDeliveredAt *time.Time         `json:"lastDeliveredAt,omitempty"`
	Secret          string             `json:"secret,omitempty"`
}

func toWebhookResponse(webhook *domain.Webhook, secret string) WebhookResponse {
	events := webhook.Events
	if events == nil {
		events = []domain.EventType{}
	}
	return WebhookResponse{
		ID:              webhook.ID,
		URL:             webhook.URL,
		Events:          events,
		Health:          string(webhook.Health),
		FailureCount:    webhook.FailureCount,
		CreatedAt:       webhook.CreatedAt,
		UpdatedAt:       webhook.UpdatedAt,
		LastDeliveredAt: webhook.LastDeliveredAt,
		Secret:          secret,
	}
}

// HandleCreate handles POST /api/v1/webhooks.
func (h *WebhookHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorHandler.Handle(w, r, apperrors.NewBadRequestError(err, "Invalid JSON body"))
		return
	}

	events := make([]domain.EventType, 0, len(req.Events))
	for _, name := range req.Events {
		events = append(events, domain.EventType(name))
	}

	webhook, secret, err := h.service.Create(r.Context(), req.URL, events)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	WriteCreated(w, toWebhookResponse(webhook, secret))
}

// HandleList handles GET /api/v1/webhooks.
func (h *WebhookHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	webhooks, err := h.service.List(r.Context())
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	responses := make([]WebhookResponse, 0, len(webhooks))
	for _, webhook := range webhooks {
		responses = append(responses, toWebhookResponse(webhook, ""))
	}
	WriteList(w, responses)
}

// HandleGet handles GET /api/v1/webhooks/{id}.
func (h *WebhookHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	webhook, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, toWebhookResponse(webhook, ""))
}

// HandleDelete handles DELETE /api/v1/webhooks/{id}.
func (h *WebhookHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	WriteNoContent(w)
}

// DeliveryResponse is the JSON shape for one delivery attempt record.
type DeliveryResponse struct {
	ID         uuid.UUID        `json:"id"`
	WebhookID  uuid.UUID        `json:"webhookId"`
	EventType  domain.EventType `json:"eventType"`
	Attempts   int              `json:"attempts"`
	StatusCode int              `json:"statusCode,omitempty"`
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// HandleListDeliveries handles GET /api/v1/webhooks/{id}/deliveries.
func (h *WebhookHandler) HandleListDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.errorHandler.Handle(w, r, apperrors.NewBadRequestError(
				fmt.Errorf("invalid limit %q", raw), "Invalid limit parameter"))
			return
		}
		limit = parsed
	}

	deliveries, err := h.service.ListDeliveries(r.Context(), id, limit)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	responses := make([]DeliveryResponse, 0, len(deliveries))
	for _, delivery := range deliveries {
		responses = append(responses, DeliveryResponse{
			ID:         delivery.ID,
			WebhookID:  delivery.WebhookID,
			EventType:  delivery.EventType,
			Attempts:   delivery.Attempts,
			StatusCode: delivery.StatusCode,
			Success:    delivery.Success,
			Error:      delivery.Error,
			CreatedAt:  delivery.CreatedAt,
		})
	}
	WriteList(w, responses)
}

func (h *WebhookHandler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.errorHandler.Handle(w, r, apperrors.NewBadRequestError(err, "Invalid webhook ID"))
		return uuid.Nil, false
	}
	return id, true
}
