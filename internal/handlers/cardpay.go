package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/example/esimstore/internal/config"
	"github.com/example/esimstore/internal/models"
	"github.com/example/esimstore/internal/services"
	"github.com/example/esimstore/internal/store"
)

// cardHoldWindow is how long a hosted card checkout stays claimable.
const cardHoldWindow = 24 * time.Hour

// CardHandler implements the hosted card checkout gateway.
type CardHandler struct {
	cfg         *config.Config
	orders      *store.OrderRepository
	pricing     *services.PricingService
	card        *services.CardCheckoutService
	fulfillment *services.FulfillmentService

	// async controls whether webhook processing runs after the response is
	// sent, keeping the gateway from redelivering during slow provisioning.
	async bool
}

// NewCardHandler constructs CardHandler.
func NewCardHandler(cfg *config.Config, orders *store.OrderRepository, pricing *services.PricingService, card *services.CardCheckoutService, fulfillment *services.FulfillmentService) *CardHandler {
	return &CardHandler{
		cfg:         cfg,
		orders:      orders,
		pricing:     pricing,
		card:        card,
		fulfillment: fulfillment,
		async:       true,
	}
}

type cardCheckoutRequest struct {
	UserID    string  `json:"user_id"`
	ChatID    int64   `json:"chat_id"`
	BundleID  string  `json:"bundle_id"`
	PlanName  string  `json:"plan_name"`
	Country   string  `json:"country"`
	CostPrice float64 `json:"cost_price"`
	Currency  string  `json:"currency"`
	DeviceID  string  `json:"device_id"`
}

// Checkout computes the final price, creates a hosted checkout session and
// records a pending on_hold order claimable for 24 hours.
func (h *CardHandler) Checkout(c *fiber.Ctx) error {
	var req cardCheckoutRequest
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

	finalPrice, err := h.pricing.FinalPrice(c.Context(), req.CostPrice, req.Country, models.PaymentMethodCard)
	if err != nil {
		return err
	}

	name := req.PlanName
	if name == "" {
		name = req.BundleID
	}

	// Compact metadata keys: the provider caps metadata size.
	metadata := map[string]string{
		"p":  req.PlanName,
		"t":  strconv.FormatInt(req.ChatID, 10),
		"b":  req.BundleID,
		"cc": req.Country,
		"cn": strconv.FormatFloat(req.CostPrice, 'f', 2, 64),
		"fp": strconv.FormatFloat(finalPrice, 'f', 2, 64),
		"u":  req.UserID,
	}
	if req.DeviceID != "" {
		metadata["i"] = req.DeviceID
	}

	session, err := h.card.CreateSession(c.Context(), services.CheckoutParams{
		Amount:     finalPrice,
		Currency:   req.Currency,
		Name:       name,
		SuccessURL: h.cfg.CardSuccessURL,
		CancelURL:  h.cfg.CardCancelURL,
		Metadata:   metadata,
	})
	if err != nil {
		return err
	}

	expires := time.Now().Add(cardHoldWindow)
	order := &models.Order{
		UserID:           req.UserID,
		ChatID:           req.ChatID,
		Status:           models.OrderStatusOnHold,
		PaymentMethod:    models.PaymentMethodCard,
		PaymentSessionID: session.ID,
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
		"url":         session.URL,
		"session_id":  session.ID,
		"final_price": finalPrice,
		"order_id":    order.ID,
	})
}

// Webhook verifies the signature over the raw body, acknowledges the
// gateway immediately, then runs the orchestration so multi-second
// provisioning retries cannot trigger gateway-side redelivery.
func (h *CardHandler) Webhook(c *fiber.Ctx) error {
	rawBody := c.Body()

	if err := h.card.VerifySignature(rawBody, c.Get("Webhook-Signature")); err != nil {
		log.Printf("[Card] Webhook signature rejected: %v", err)
		return c.JSON(fiber.Map{"received": true, "result": "invalid_signature"})
	}

	var event services.CardEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		log.Printf("[Card] Webhook body unparseable: %v", err)
		return c.JSON(fiber.Map{"received": true, "result": "invalid_payload"})
	}

	switch event.Type {
	case services.CardEventCheckoutCompleted:
		if h.async {
			go h.processCompleted(event)
			return c.JSON(fiber.Map{"received": true})
		}
		h.processCompleted(event)
		return c.JSON(fiber.Map{"received": true})

	case services.CardEventCheckoutExpired:
		sessionID := event.Data.Object.ID
		if err := h.orders.CancelBySession(context.Background(), sessionID, models.CancelReasonTimeout); err != nil {
			if errors.Is(err, store.ErrOrderNotFound) {
				log.Printf("[Card] Expired session %s has no order", sessionID)
				return c.JSON(fiber.Map{"received": true, "result": "order_not_found"})
			}
			log.Printf("[Card] Canceling order for session %s failed: %v", sessionID, err)
		}
		return c.JSON(fiber.Map{"received": true})

	default:
		return c.JSON(fiber.Map{"received": true, "result": "ignored"})
	}
}

func (h *CardHandler) processCompleted(event services.CardEvent) {
	ctx := context.Background()
	sessionID := event.Data.Object.ID

	order, err := h.orders.FindBySession(ctx, sessionID)
	if err != nil {
		log.Printf("[Card] Order lookup for session %s failed: %v", sessionID, err)
		return
	}

	ev := services.PaymentEvent{
		Method:     models.PaymentMethodCard,
		SessionID:  sessionID,
		ChargeID:   sessionID,
		UserID:     order.UserID,
		ChatID:     order.ChatID,
		BundleID:   order.BundleID,
		PlanName:   order.PlanName,
		Country:    order.Country,
		DeviceID:   order.DeviceID,
		CostPrice:  order.CostPrice,
		FinalPrice: order.FinalPrice,
		Currency:   order.Currency,
	}
	applyCardMetadata(&ev, event.Data.Object.Metadata)

	result, err := h.fulfillment.ProcessPayment(ctx, ev)
	if err != nil {
		log.Printf("[Card] Fulfillment error for session %s: %v", sessionID, err)
		return
	}
	log.Printf("[Card] Session %s processed: %s", sessionID, result)
}

// applyCardMetadata re-derives order fields from the compact session
// metadata, preferring it over the stored order where present.
func applyCardMetadata(ev *services.PaymentEvent, metadata map[string]string) {
	if v := metadata["p"]; v != "" {
		ev.PlanName = v
	}
	if v := metadata["t"]; v != "" {
		if chatID, err := strconv.ParseInt(v, 10, 64); err == nil && chatID != 0 {
			ev.ChatID = chatID
		}
	}
	if v := metadata["b"]; v != "" {
		ev.BundleID = v
	}
	if v := metadata["cc"]; v != "" {
		ev.Country = v
	}
	if v := metadata["cn"]; v != "" {
		if cost, err := strconv.ParseFloat(v, 64); err == nil && cost > 0 {
			ev.CostPrice = cost
		}
	}
	if v := metadata["fp"]; v != "" {
		if price, err := strconv.ParseFloat(v, 64); err == nil && price > 0 {
			ev.FinalPrice = price
		}
	}
	if v := metadata["u"]; v != "" {
		ev.UserID = v
	}
	if v := metadata["i"]; v != "" {
		ev.DeviceID = v
	}
}
