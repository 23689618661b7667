package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/esimstore/internal/config"
	"github.com/example/esimstore/internal/models"
	"github.com/example/esimstore/internal/services"
	"github.com/example/esimstore/internal/store"
)

func newCardTestHandler(t *testing.T, cardAPIBase string) (*CardHandler, *store.OrderRepository, *stubProvisioner) {
	t.Helper()

	db := openTestDB(t)
	repo := store.NewOrderRepository(db)
	pricing := services.NewPricingService(db)
	card := services.NewCardCheckoutService(cardAPIBase, "sk_test", "whsec_test")
	prov := &stubProvisioner{}

	cfg := &config.Config{
		CardSuccessURL: "https://shop.example.com/ok",
		CardCancelURL:  "https://shop.example.com/cancel",
	}

	h := NewCardHandler(cfg, repo, pricing, card, newTestFulfillment(repo, prov))
	h.async = false
	return h, repo, prov
}

func TestCardCheckoutCreatesHeldOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"id":  "cs_test_1",
			"url": "https://pay.example.com/cs_test_1",
		})
	}))
	defer srv.Close()

	h, repo, _ := newCardTestHandler(t, srv.URL)

	app := newFiberApp()
	app.Post("/api/card/checkout", h.Checkout)

	resp, body := postJSON(t, app, "/api/card/checkout", map[string]any{
		"user_id":    "user-1",
		"chat_id":    42,
		"bundle_id":  "bundle-es-1gb",
		"plan_name":  "Spain 1GB",
		"country":    "ES",
		"cost_price": 2.00,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://pay.example.com/cs_test_1", body["url"])
	assert.Equal(t, "cs_test_1", body["session_id"])

	order, err := repo.FindBySession(context.Background(), "cs_test_1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOnHold, order.Status)
	assert.Equal(t, models.PaymentMethodCard, order.PaymentMethod)
	assert.False(t, order.PaymentConfirmed)
	require.NotNil(t, order.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *order.ExpiresAt, time.Minute)
}

func TestCardCheckoutValidatesInput(t *testing.T) {
	h, _, _ := newCardTestHandler(t, "https://card.example.com")

	app := newFiberApp()
	app.Post("/api/card/checkout", h.Checkout)

	resp, _ := postJSON(t, app, "/api/card/checkout", map[string]any{
		"user_id": "user-1",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postJSON(t, app, "/api/card/checkout", map[string]any{
		"user_id":    "user-1",
		"bundle_id":  "bundle-es-1gb",
		"cost_price": -1,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCardWebhookCompletedFulfillsOrder(t *testing.T) {
	h, repo, prov := newCardTestHandler(t, "https://card.example.com")
	order := seedOrder(t, repo, models.PaymentMethodCard, "cs_test_2")

	app := newFiberApp()
	app.Post("/api/card/webhook", h.Webhook)

	event := []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_test_2","payment_status":"paid","metadata":{"fp":"2.58"}}}}`)
	header := h.card.SignPayload(event, time.Now())

	resp, body := postJSON(t, app, "/api/card/webhook", event, map[string]string{
		"Webhook-Signature": header,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["received"])

	got, err := repo.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, got.Status)
	assert.True(t, got.EsimIssued)
	assert.Equal(t, 1, prov.creates())
}

func TestCardWebhookRejectsBadSignature(t *testing.T) {
	h, repo, prov := newCardTestHandler(t, "https://card.example.com")
	order := seedOrder(t, repo, models.PaymentMethodCard, "cs_test_3")

	app := newFiberApp()
	app.Post("/api/card/webhook", h.Webhook)

	event := []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_test_3"}}}`)

	// Answered 200 so the gateway stops redelivering, but nothing happens.
	resp, body := postJSON(t, app, "/api/card/webhook", event, map[string]string{
		"Webhook-Signature": "t=123,v1=deadbeef",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "invalid_signature", body["result"])

	got, err := repo.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOnHold, got.Status)
	assert.False(t, got.PaymentConfirmed)
	assert.Equal(t, 0, prov.creates())
}

func TestCardWebhookExpiredCancelsOrder(t *testing.T) {
	h, repo, _ := newCardTestHandler(t, "https://card.example.com")
	order := seedOrder(t, repo, models.PaymentMethodCard, "cs_test_4")

	app := newFiberApp()
	app.Post("/api/card/webhook", h.Webhook)

	event := []byte(`{"type":"checkout.session.expired","data":{"object":{"id":"cs_test_4"}}}`)
	header := h.card.SignPayload(event, time.Now())

	resp, _ := postJSON(t, app, "/api/card/webhook", event, map[string]string{
		"Webhook-Signature": header,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := repo.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCanceled, got.Status)
	assert.Equal(t, models.CancelReasonTimeout, got.CanceledReason)
}

func TestCardWebhookIgnoresUnknownEvent(t *testing.T) {
	h, _, prov := newCardTestHandler(t, "https://card.example.com")

	app := newFiberApp()
	app.Post("/api/card/webhook", h.Webhook)

	event := []byte(`{"type":"charge.refunded","data":{"object":{"id":"cs_test_5"}}}`)
	header := h.card.SignPayload(event, time.Now())

	resp, body := postJSON(t, app, "/api/card/webhook", event, map[string]string{
		"Webhook-Signature": header,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ignored", body["result"])
	assert.Equal(t, 0, prov.creates())
}
