package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apphttp "github.com/lorrc/event-gateway/internal/adapters/primary/http"
	"github.com/lorrc/event-gateway/internal/adapters/secondary/memory"
	"github.com/lorrc/event-gateway/internal/adapters/secondary/outbound"
	"github.com/lorrc/event-gateway/internal/core/domain"
	"github.com/lorrc/event-gateway/internal/core/services"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// publicLookup resolves every hostname to a public address so registration
// tests never depend on real DNS.
func publicLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return []netip.Addr{netip.MustParseAddr("93.184.216.34")}, nil
}

func newWebhookRouter(t *testing.T) (chi.Router, *memory.WebhookRepository) {
	t.Helper()

	repo := memory.NewWebhookRepository()
	guard := outbound.NewGuardWithLookup(publicLookup)
	service := services.NewWebhookService(repo, guard, discardLogger())
	handler := apphttp.NewWebhookHandler(service, apphttp.NewErrorHandler(discardLogger()), discardLogger())

	r := chi.NewRouter()
	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/", handler.HandleCreate)
		r.Get("/", handler.HandleList)
		r.Get("/{id}", handler.HandleGet)
		r.Delete("/{id}", handler.HandleDelete)
		r.Get("/{id}/deliveries", handler.HandleListDeliveries)
	})
	return r, repo
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestWebhookHandler_Create(t *testing.T) {
	router, _ := newWebhookRouter(t)

	t.Run("returns secret exactly once", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/webhooks", apphttp.CreateWebhookRequest{
			URL:    "https://hooks.example.com/deliver",
			Events: []string{"JobCompleted", "JobFailed"},
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var created apphttp.WebhookResponse
		decodeBody(t, rec, &created)
		assert.NotEmpty(t, created.Secret)
		assert.Len(t, created.Secret, 64)
		assert.Equal(t, "https://hooks.example.com/deliver", created.URL)
		assert.Equal(t, "active", created.Health)
		assert.Equal(t, []domain.EventType{domain.EventJobCompleted, domain.EventJobFailed}, created.Events)

		rec = doJSON(t, router, http.MethodGet, "/api/v1/webhooks/"+created.ID.String(), nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var fetched apphttp.WebhookResponse
		decodeBody(t, rec, &fetched)
		assert.Empty(t, fetched.Secret)
		assert.NotContains(t, rec.Body.String(), "secret")
	})

	t.Run("empty events list means all events", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/webhooks", apphttp.CreateWebhookRequest{
			URL: "https://hooks.example.com/all",
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var created apphttp.WebhookResponse
		decodeBody(t, rec, &created)
		assert.Equal(t, []domain.EventType{}, created.Events)
	})

	t.Run("missing url", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/webhooks", apphttp.CreateWebhookRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
	})

	t.Run("unknown event type", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/webhooks", apphttp.CreateWebhookRequest{
			URL:    "https://hooks.example.com/deliver",
			Events: []string{"JobExploded"},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
	})

	t.Run("loopback target rejected", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/webhooks", apphttp.CreateWebhookRequest{
			URL: "http://127.0.0.1:9090/hook",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, rec.Body.String(), "WEBHOOK_URL_REJECTED")
	})

	t.Run("non-http scheme rejected", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/webhooks", apphttp.CreateWebhookRequest{
			URL: "gopher://hooks.example.com/deliver",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks", bytes.NewBufferString("{not json"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestWebhookHandler_ListAndDelete(t *testing.T) {
	router, _ := newWebhookRouter(t)

	var created apphttp.WebhookResponse
	rec := doJSON(t, router, http.MethodPost, "/api/v1/webhooks", apphttp.CreateWebhookRequest{
		URL: "https://hooks.example.com/deliver",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	decodeBody(t, rec, &created)

	t.Run("list", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/webhooks", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var list apphttp.ListResponse[apphttp.WebhookResponse]
		decodeBody(t, rec, &list)
		assert.Equal(t, 1, list.Count)
		require.Len(t, list.Data, 1)
		assert.Equal(t, created.ID, list.Data[0].ID)
		assert.Empty(t, list.Data[0].Secret)
	})

	t.Run("get unknown id", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/webhooks/"+uuid.NewString(), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "WEBHOOK_NOT_FOUND")
	})

	t.Run("malformed id", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/webhooks/not-a-uuid", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodDelete, "/api/v1/webhooks/"+created.ID.String(), nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(t, router, http.MethodDelete, "/api/v1/webhooks/"+created.ID.String(), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestWebhookHandler_ListDeliveries(t *testing.T) {
	router, repo := newWebhookRouter(t)

	var created apphttp.WebhookResponse
	rec := doJSON(t, router, http.MethodPost, "/api/v1/webhooks", apphttp.CreateWebhookRequest{
		URL: "https://hooks.example.com/deliver",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	decodeBody(t, rec, &created)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.RecordDelivery(context.Background(), &domain.WebhookDelivery{
			ID:         uuid.New(),
			WebhookID:  created.ID,
			EventType:  domain.EventJobCompleted,
			Attempts:   1,
			StatusCode: 200,
			Success:    true,
		}))
	}

	t.Run("returns history", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/webhooks/"+created.ID.String()+"/deliveries", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var list apphttp.ListResponse[apphttp.DeliveryResponse]
		decodeBody(t, rec, &list)
		assert.Equal(t, 5, list.Count)
		assert.Equal(t, created.ID, list.Data[0].WebhookID)
	})

	t.Run("limit applies", func(t *testing.T) {
		path := fmt.Sprintf("/api/v1/webhooks/%s/deliveries?limit=2", created.ID)
		rec := doJSON(t, router, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var list apphttp.ListResponse[apphttp.DeliveryResponse]
		decodeBody(t, rec, &list)
		assert.Equal(t, 2, list.Count)
	})

	t.Run("negative limit", func(t *testing.T) {
		path := fmt.Sprintf("/api/v1/webhooks/%s/deliveries?limit=-1", created.ID)
		rec := doJSON(t, router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown webhook", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/webhooks/"+uuid.NewString()+"/deliveries", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
