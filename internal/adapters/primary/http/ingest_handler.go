package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/lorrc/event-gateway/internal/core/bridge"
	apperrors "github.com/lorrc/event-gateway/internal/core/errors"
	"github.com/lorrc/event-gateway/internal/core/ports"
)

// IngestHandler accepts notifications from the job processor and the
// content repository when they run out of process. In-process embedders
// feed the bridge's channel directly and never touch these endpoints.
// Mounted under /internal/v1 and expected to be reachable only from the
// private network.
type IngestHandler struct {
	notifications chan<- ports.JobNotification
	bridge        *bridge.Bridge
	errorHandler  *ErrorHandler
	logger        *slog.Logger
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(notifications chan<- ports.JobNotification, b *bridge.Bridge, errorHandler *ErrorHandler, logger *slog.Logger) *IngestHandler {
	return &IngestHandler{
		notifications: notifications,
		bridge:        b,
		errorHandler:  errorHandler,
		logger:        logger,
	}
}

// JobNotificationRequest is the payload for POST /internal/v1/jobs.
type JobNotificationRequest struct {
	Kind      string    `json:"kind"`
	JobID     uuid.UUID `json:"jobId"`
	JobKind   string    `json:"jobKind"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message"`
	ErrorKind string    `json:"errorKind"`
}

// HandleJobNotification handles POST /internal/v1/jobs.
func (h *IngestHandler) HandleJobNotification(w http.ResponseWriter, r *http.Request) {
	var req JobNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorHandler.Handle(w, r, apperrors.NewBadRequestError(err, "Invalid JSON body"))
		return
	}
	if req.Kind == "" || req.JobID == uuid.Nil {
		h.errorHandler.Handle(w, r, apperrors.NewBadRequestError(apperrors.ErrBadRequest, "kind and jobId are required"))
		return
	}

	notification := ports.JobNotification{
		Kind:      req.Kind,
		JobID:     req.JobID,
		JobKind:   req.JobKind,
		Percent:   req.Percent,
		Message:   req.Message,
		ErrorKind: req.ErrorKind,
	}

	select {
	case h.notifications <- notification:
		w.WriteHeader(http.StatusAccepted)
	case <-r.Context().Done():
		h.errorHandler.Handle(w, r, r.Context().Err())
	}
}

// ContentUpdateRequest is the payload for POST /internal/v1/content.
type ContentUpdateRequest struct {
	ContentID uuid.UUID `json:"contentId"`
	Title     string    `json:"title"`
}

// HandleContentUpdate handles POST /internal/v1/content.
func (h *IngestHandler) HandleContentUpdate(w http.ResponseWriter, r *http.Request) {
	var req ContentUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorHandler.Handle(w, r, apperrors.NewBadRequestError(err, "Invalid JSON body"))
		return
	}
	if req.ContentID == uuid.Nil {
		h.errorHandler.Handle(w, r, apperrors.NewBadRequestError(apperrors.ErrBadRequest, "contentId is required"))
		return
	}

	h.bridge.ContentUpdated(req.ContentID, req.Title)
	w.WriteHeader(http.StatusAccepted)
}
