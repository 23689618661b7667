package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/example/esimstore/internal/idempotency"
	"github.com/example/esimstore/internal/models"
	"github.com/example/esimstore/internal/services"
	"github.com/example/esimstore/internal/store"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Order{}, &models.MarkupSettings{}, &models.CountryMarkup{}))
	require.NoError(t, db.Create(&models.MarkupSettings{BaseMarkup: 1, StarsMarkup: 1, CardMarkup: 1, CryptoMarkup: 1}).Error)
	return db
}

// stubProvisioner succeeds on the first attempt so webhook tests never hit
// the backoff sleeps.
type stubProvisioner struct {
	mu          sync.Mutex
	createCalls int
}

func (p *stubProvisioner) CreateOrder(ctx context.Context, bundleID, deviceID string) (*services.ProvisionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	return &services.ProvisionResult{
		OrderReference: "PROV-" + bundleID,
		Issued:         true,
		Assignment: &services.Assignment{
			ICCID:          "8988247000001234567",
			MatchingID:     "M1",
			SMDPAddress:    "sm.example.com",
			ActivationCode: "LPA:1$sm.example.com$M1",
		},
	}, nil
}

func (p *stubProvisioner) GetAssignments(ctx context.Context, orderRef string) (*services.Assignment, error) {
	return nil, nil
}

func (p *stubProvisioner) creates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls
}

type stubNotifier struct{}

func (stubNotifier) SendMessage(chatID int64, text string) error            { return nil }
func (stubNotifier) SendPhoto(chatID int64, photoURL, caption string) error { return nil }
func (stubNotifier) NotifyPaymentSuccess(p services.PaymentSuccessNotification) error {
	return nil
}
func (stubNotifier) NotifyManualReview(orderRef, sessionID, reason string) error { return nil }

func newTestFulfillment(repo *store.OrderRepository, prov services.Provisioner) *services.FulfillmentService {
	return services.NewFulfillmentService(repo, prov, stubNotifier{}, idempotency.NewMemoryStore(time.Hour))
}

func newFiberApp() *fiber.App {
	return fiber.New(fiber.Config{DisableStartupMessage: true})
}

func postJSON(t *testing.T, app *fiber.App, path string, payload any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()

	var body []byte
	switch v := payload.(type) {
	case []byte:
		body = v
	default:
		var err error
		body, err = json.Marshal(payload)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req, int((5 * time.Second).Milliseconds()))
	require.NoError(t, err)

	return resp, decodeJSON(t, resp)
}

func marshalJSON(t *testing.T, payload any) *bytes.Reader {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return bytes.NewReader(body)
}

// decodeJSON parses a JSON response body; error responses carry plain text
// and yield nil.
func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if json.Unmarshal(raw, &out) != nil {
		return nil
	}
	return out
}

func seedOrder(t *testing.T, repo *store.OrderRepository, method, sessionID string) *models.Order {
	t.Helper()

	order := &models.Order{
		UserID:           "user-1",
		ChatID:           42,
		Status:           models.OrderStatusOnHold,
		PaymentMethod:    method,
		PaymentSessionID: sessionID,
		PaymentStatus:    models.PaymentStatusPending,
		CostPrice:        2.00,
		FinalPrice:       2.00,
		Currency:         "USD",
		BundleID:         "bundle-es-1gb",
		PlanName:         "Spain 1GB",
		Country:          "ES",
	}
	require.NoError(t, repo.Create(context.Background(), order))
	return order
}
