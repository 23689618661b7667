package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/example/esimstore/internal/config"
	"github.com/example/esimstore/internal/models"
	"github.com/example/esimstore/internal/services"
	"github.com/example/esimstore/internal/store"
)

// cryptoHoldWindow is deliberately short: crypto invoice quotes go stale
// fast.
const cryptoHoldWindow = 60 * time.Minute

// CryptoHandler implements the crypto invoicing gateway.
type CryptoHandler struct {
	cfg         *config.Config
	orders      *store.OrderRepository
	pricing     *services.PricingService
	crypto      *services.CryptoInvoiceService
	fulfillment *services.FulfillmentService
}

// NewCryptoHandler constructs CryptoHandler.
func NewCryptoHandler(cfg *config.Config, orders *store.OrderRepository, pricing *services.PricingService, crypto *services.CryptoInvoiceService, fulfillment *services.FulfillmentService) *CryptoHandler {
	return &CryptoHandler{
		cfg:         cfg,
		orders:      orders,
		pricing:     pricing,
		crypto:      crypto,
		fulfillment: fulfillment,
	}
}

type cryptoInvoiceRequest struct {
	UserID    string  `json:"user_id"`
	ChatID    int64   `json:"chat_id"`
	BundleID  string  `json:"bundle_id"`
	PlanName  string  `json:"plan_name"`
	Country   string  `json:"country"`
	CostPrice float64 `json:"cost_price"`
	Currency  string  `json:"currency"`
	DeviceID  string  `json:"device_id"`
}

// CreateInvoice computes the final price, requests a hosted invoice and
// records a pending on_hold order claimable for 60 minutes.
func (h *CryptoHandler) CreateInvoice(c *fiber.Ctx) error {
	var req cryptoInvoiceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.BundleID == "" || req.UserID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "bundle_id and user_id are required")
	}
	if req.CostPrice <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid cost_price")
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	finalPrice, err := h.pricing.FinalPrice(c.Context(), req.CostPrice, req.Country, models.PaymentMethodCrypto)
	if err != nil {
		return err
	}

	orderID := uuid.New()
	pendingRef := models.PendingReferencePrefix + orderID.String()

	invoice, err := h.crypto.CreateInvoice(c.Context(), services.InvoiceParams{
		Amount:      finalPrice,
		Currency:    req.Currency,
		OrderID:     pendingRef,
		CallbackURL: h.cfg.CryptoCallbackURL,
		ReturnURL:   h.cfg.CryptoReturnURL,
		ToCurrency:  h.cfg.CryptoToCurrency,
		Network:     h.cfg.CryptoNetwork,
	})
	if err != nil {
		return err
	}

	expires := time.Now().Add(cryptoHoldWindow)
	order := &models.Order{
		BaseModel:        models.BaseModel{ID: orderID},
		UserID:           req.UserID,
		ChatID:           req.ChatID,
		OrderReference:   pendingRef,
		Status:           models.OrderStatusOnHold,
		PaymentMethod:    models.PaymentMethodCrypto,
		PaymentSessionID: invoice.UUID,
		PaymentStatus:    models.PaymentStatusPending,
		CostPrice:        req.CostPrice,
		FinalPrice:       finalPrice,
		Currency:         req.Currency,
		BundleID:         req.BundleID,
		PlanName:         req.PlanName,
		Country:          req.Country,
		DeviceID:         req.DeviceID,
		ExpiresAt:        &expires,
	}
	if err := h.orders.Create(c.Context(), order); err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"url":         invoice.URL,
		"invoice_id":  invoice.UUID,
		"final_price": finalPrice,
		"order_id":    order.ID,
	})
}

// Webhook validates the provider signature and drives fulfillment for
// final successful invoices. The gateway is always answered 200 so it does
// not redeliver events that will never resolve.
func (h *CryptoHandler) Webhook(c *fiber.Ctx) error {
	rawBody := c.Body()

	if err := h.crypto.VerifyWebhookSign(rawBody); err != nil {
		log.Printf("[Crypto] Webhook signature rejected: %v", err)
		return c.JSON(fiber.Map{"received": true, "result": "invalid_signature"})
	}

	var wh services.CryptoWebhook
	if err := json.Unmarshal(rawBody, &wh); err != nil {
		log.Printf("[Crypto] Webhook body unparseable: %v", err)
		return c.JSON(fiber.Map{"received": true, "result": "invalid_payload"})
	}

	if !wh.IsFinal || !services.IsFinalSuccess(wh.Status) {
		log.Printf("[Crypto] Ignoring non-final or non-success status %q for invoice %s", wh.Status, wh.UUID)
		return c.JSON(fiber.Map{"received": true, "result": "not_final_or_not_success_status"})
	}

	order, err := h.locateOrder(c.Context(), wh)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			log.Printf("[Crypto] No order for invoice %s (order_id %q)", wh.UUID, wh.OrderID)
			return c.JSON(fiber.Map{"received": true, "result": "order_not_found"})
		}
		log.Printf("[Crypto] Order lookup failed for invoice %s: %v", wh.UUID, err)
		return c.JSON(fiber.Map{"received": true, "result": "internal_error"})
	}

	result, err := h.fulfillment.ProcessPayment(context.Background(), services.PaymentEvent{
		Method:     models.PaymentMethodCrypto,
		SessionID:  order.PaymentSessionID,
		ChargeID:   wh.UUID,
		UserID:     order.UserID,
		ChatID:     order.ChatID,
		BundleID:   order.BundleID,
		PlanName:   order.PlanName,
		Country:    order.Country,
		DeviceID:   order.DeviceID,
		CostPrice:  order.CostPrice,
		FinalPrice: order.FinalPrice,
		Currency:   order.Currency,
	})
	if err != nil {
		log.Printf("[Crypto] Fulfillment error for invoice %s: %v", wh.UUID, err)
		return c.JSON(fiber.Map{"received": true, "result": "internal_error"})
	}

	return c.JSON(fiber.Map{"received": true, "result": string(result)})
}

// locateOrder correlates a webhook to its order, by invoice uuid first and
// the pending_<id> reference convention second.
func (h *CryptoHandler) locateOrder(ctx context.Context, wh services.CryptoWebhook) (*models.Order, error) {
	if wh.UUID != "" {
		order, err := h.orders.FindBySession(ctx, wh.UUID)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, store.ErrOrderNotFound) {
			return nil, err
		}
	}

	if wh.OrderID == "" {
		return nil, store.ErrOrderNotFound
	}
	return h.orders.FindByReference(ctx, wh.OrderID)
}
