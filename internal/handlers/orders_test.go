package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/esimstore/internal/models"
	"github.com/example/esimstore/internal/store"
)

func newOrderTestHandler(t *testing.T) (*OrderHandler, *store.OrderRepository, *stubProvisioner) {
	t.Helper()

	repo := store.NewOrderRepository(openTestDB(t))
	prov := &stubProvisioner{}
	return NewOrderHandler(repo, newTestFulfillment(repo, prov)), repo, prov
}

func getJSON(t *testing.T, app *fiber.App, path string) (*http.Response, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp, err := app.Test(req, int((5 * time.Second).Milliseconds()))
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return resp, out
}

func TestOrderListFilters(t *testing.T) {
	h, repo, _ := newOrderTestHandler(t)
	ctx := context.Background()

	card := seedOrder(t, repo, models.PaymentMethodCard, "cs_list_1")
	seedOrder(t, repo, models.PaymentMethodCrypto, "inv_list_1")
	require.NoError(t, repo.CancelBySession(ctx, card.PaymentSessionID, models.CancelReasonTimeout))

	app := newFiberApp()
	app.Get("/api/orders", h.List)

	_, body := getJSON(t, app, "/api/orders")
	assert.Len(t, body["data"], 2)

	_, body = getJSON(t, app, "/api/orders?status=canceled")
	require.Len(t, body["data"], 1)

	_, body = getJSON(t, app, "/api/orders?payment_method=crypto")
	require.Len(t, body["data"], 1)

	_, body = getJSON(t, app, "/api/orders?status=completed")
	assert.Empty(t, body["data"])
}

func TestOrderListByUser(t *testing.T) {
	h, repo, _ := newOrderTestHandler(t)

	seedOrder(t, repo, models.PaymentMethodCard, "cs_user_1")
	seedOrder(t, repo, models.PaymentMethodCard, "cs_user_2")
	require.NoError(t, repo.Create(context.Background(), &models.Order{
		UserID:           "user-2",
		PaymentMethod:    models.PaymentMethodCard,
		PaymentSessionID: "cs_user_3",
	}))

	app := newFiberApp()
	app.Get("/api/orders/user/:userID", h.ListByUser)

	_, body := getJSON(t, app, "/api/orders/user/user-1")
	assert.Len(t, body["data"], 2)

	_, body = getJSON(t, app, "/api/orders/user/user-2")
	assert.Len(t, body["data"], 1)
}

func TestOrderSweepEndpoint(t *testing.T) {
	h, repo, _ := newOrderTestHandler(t)

	past := time.Now().Add(-10 * time.Minute)
	noDeadline := seedOrder(t, repo, models.PaymentMethodCrypto, "inv_sweep_1")
	require.NoError(t, repo.Create(context.Background(), &models.Order{
		UserID:           "user-1",
		PaymentMethod:    models.PaymentMethodCrypto,
		PaymentSessionID: "inv_sweep_2",
		ExpiresAt:        &past,
	}))

	app := newFiberApp()
	app.Post("/api/orders/sweep", h.Sweep)

	resp, body := postJSON(t, app, "/api/orders/sweep", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), data["canceled"])
	assert.Equal(t, float64(1), data["backfilled"])

	got, err := repo.FindByID(context.Background(), noDeadline.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOnHold, got.Status)
	assert.NotNil(t, got.ExpiresAt)
}

func TestRetryFulfillmentEndpoint(t *testing.T) {
	h, repo, prov := newOrderTestHandler(t)
	ctx := context.Background()

	order := seedOrder(t, repo, models.PaymentMethodCard, "cs_retry_1")
	require.NoError(t, repo.MarkAwaitingFulfillment(ctx, order.ID, errors.New("upstream down")))

	app := newFiberApp()
	app.Post("/api/orders/:id/retry-fulfillment", h.RetryFulfillment)

	resp, body := postJSON(t, app, "/api/orders/"+order.ID.String()+"/retry-fulfillment", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fulfilled", body["result"])
	assert.Equal(t, 1, prov.creates())

	got, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, got.Status)

	resp, _ = postJSON(t, app, "/api/orders/not-a-uuid/retry-fulfillment", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
