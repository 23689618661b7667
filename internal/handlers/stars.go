package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/example/esimstore/internal/models"
	"github.com/example/esimstore/internal/services"
)

// StarsHandler implements the chat-native micropayments gateway. The bot
// platform dictates a two-phase protocol: a pre-checkout validation that
// must be answered within a short window, then a successful-payment event
// carrying the opaque payload serialized at invoice-creation time. There is
// no pre-created pending order for this gateway; the payload is the order
// spec.
type StarsHandler struct {
	pricing     *services.PricingService
	fulfillment *services.FulfillmentService
	telegram    *services.TelegramService
	starsRate   float64
}

// NewStarsHandler constructs StarsHandler.
func NewStarsHandler(pricing *services.PricingService, fulfillment *services.FulfillmentService, telegram *services.TelegramService, starsRate float64) *StarsHandler {
	return &StarsHandler{
		pricing:     pricing,
		fulfillment: fulfillment,
		telegram:    telegram,
		starsRate:   starsRate,
	}
}

// invoicePayload is the opaque order details carried through the payment flow.
// Keys are compact to respect the platform's payload size limit.
type invoicePayload struct {
	BundleID  string  `json:"b"`
	Country   string  `json:"cc"`
	CostPrice float64 `json:"cn"`
	PlanName  string  `json:"p"`
	UserID    string  `json:"u"`
	DeviceID  string  `json:"i,omitempty"`
}

type telegramUpdate struct {
	PreCheckoutQuery *preCheckoutQuery `json:"pre_checkout_query"`
	Message          *telegramMessage  `json:"message"`
}

type preCheckoutQuery struct {
	ID             string       `json:"id"`
	From           telegramUser `json:"from"`
	Currency       string       `json:"currency"`
	TotalAmount    int          `json:"total_amount"`
	InvoicePayload string       `json:"invoice_payload"`
}

type telegramMessage struct {
	Chat              telegramChat       `json:"chat"`
	From              telegramUser       `json:"from"`
	SuccessfulPayment *successfulPayment `json:"successful_payment"`
}

type telegramChat struct {
	ID int64 `json:"id"`
}

type telegramUser struct {
	ID int64 `json:"id"`
}

type successfulPayment struct {
	Currency                string `json:"currency"`
	TotalAmount             int    `json:"total_amount"`
	InvoicePayload          string `json:"invoice_payload"`
	TelegramPaymentChargeID string `json:"telegram_payment_charge_id"`
	ProviderPaymentChargeID string `json:"provider_payment_charge_id"`
}

type starsInvoiceRequest struct {
	UserID    string  `json:"user_id"`
	BundleID  string  `json:"bundle_id"`
	PlanName  string  `json:"plan_name"`
	Country   string  `json:"country"`
	CostPrice float64 `json:"cost_price"`
	DeviceID  string  `json:"device_id"`
}

// CreateInvoice quotes a plan in Stars and returns an invoice link carrying
// the serialized order details.
func (h *StarsHandler) CreateInvoice(c *fiber.Ctx) error {
	var req starsInvoiceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.BundleID == "" || req.UserID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "bundle_id and user_id are required")
	}
	if req.CostPrice <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid cost_price")
	}

	finalPrice, err := h.pricing.FinalPrice(c.Context(), req.CostPrice, req.Country, models.PaymentMethodStars)
	if err != nil {
		return err
	}
	starsAmount := h.starsAmount(finalPrice)

	payload, err := json.Marshal(invoicePayload{
		BundleID:  req.BundleID,
		Country:   req.Country,
		CostPrice: req.CostPrice,
		PlanName:  req.PlanName,
		UserID:    req.UserID,
		DeviceID:  req.DeviceID,
	})
	if err != nil {
		return err
	}

	title := req.PlanName
	if title == "" {
		title = req.BundleID
	}
	description := fmt.Sprintf("eSIM data plan %s (%s)", title, req.Country)

	link, err := h.telegram.CreateInvoiceLink(title, description, string(payload), starsAmount)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"url":          link,
		"stars_amount": starsAmount,
		"final_price":  finalPrice,
	})
}

// Webhook receives Bot API updates for the payments flow.
func (h *StarsHandler) Webhook(c *fiber.Ctx) error {
	var update telegramUpdate
	if err := c.BodyParser(&update); err != nil {
		log.Printf("[Stars] Failed to parse update: %v", err)
		return c.JSON(fiber.Map{"ok": true, "result": "invalid_payload"})
	}

	switch {
	case update.PreCheckoutQuery != nil:
		return h.handlePreCheckout(c, update.PreCheckoutQuery)
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		return h.handleSuccessfulPayment(c, update.Message)
	default:
		return c.JSON(fiber.Map{"ok": true})
	}
}

// handlePreCheckout re-derives the price from the payload and rejects the
// payment when the quoted amount no longer matches.
func (h *StarsHandler) handlePreCheckout(c *fiber.Ctx, query *preCheckoutQuery) error {
	var payload invoicePayload
	if err := json.Unmarshal([]byte(query.InvoicePayload), &payload); err != nil {
		h.answerPreCheckout(query.ID, false, "This invoice is no longer valid.")
		return c.JSON(fiber.Map{"ok": true, "result": "invalid_payload"})
	}

	finalPrice, err := h.pricing.FinalPrice(c.Context(), payload.CostPrice, payload.Country, models.PaymentMethodStars)
	if err != nil {
		log.Printf("[Stars] Price derivation failed: %v", err)
		h.answerPreCheckout(query.ID, false, "Pricing is temporarily unavailable, please try again.")
		return c.JSON(fiber.Map{"ok": true, "result": "pricing_unavailable"})
	}

	expected := h.starsAmount(finalPrice)
	if query.TotalAmount != expected {
		log.Printf("[Stars] Amount mismatch for user %d: quoted %d, expected %d", query.From.ID, query.TotalAmount, expected)
		h.answerPreCheckout(query.ID, false, "The price of this plan changed, please create a new invoice.")
		return c.JSON(fiber.Map{"ok": true, "result": "amount_mismatch"})
	}

	h.answerPreCheckout(query.ID, true, "")
	return c.JSON(fiber.Map{"ok": true})
}

func (h *StarsHandler) handleSuccessfulPayment(c *fiber.Ctx, msg *telegramMessage) error {
	payment := msg.SuccessfulPayment

	var payload invoicePayload
	if err := json.Unmarshal([]byte(payment.InvoicePayload), &payload); err != nil {
		log.Printf("[Stars] Invalid payload in successful_payment: %v", err)
		return c.JSON(fiber.Map{"ok": true, "result": "invalid_payload"})
	}

	userID := payload.UserID
	if userID == "" {
		userID = strconv.FormatInt(msg.From.ID, 10)
	}

	finalPrice, err := h.pricing.FinalPrice(c.Context(), payload.CostPrice, payload.Country, models.PaymentMethodStars)
	if err != nil {
		log.Printf("[Stars] Price derivation failed: %v", err)
		finalPrice = payload.CostPrice
	}

	result, err := h.fulfillment.ProcessPayment(context.Background(), services.PaymentEvent{
		Method:     models.PaymentMethodStars,
		SessionID:  payment.TelegramPaymentChargeID,
		ChargeID:   payment.TelegramPaymentChargeID,
		UserID:     userID,
		ChatID:     msg.Chat.ID,
		BundleID:   payload.BundleID,
		PlanName:   payload.PlanName,
		Country:    payload.Country,
		DeviceID:   payload.DeviceID,
		CostPrice:  payload.CostPrice,
		FinalPrice: finalPrice,
		Currency:   "USD",
	})
	if err != nil {
		log.Printf("[Stars] Fulfillment error for charge %s: %v", payment.TelegramPaymentChargeID, err)
		return c.JSON(fiber.Map{"ok": true, "result": "internal_error"})
	}

	return c.JSON(fiber.Map{"ok": true, "result": string(result)})
}

func (h *StarsHandler) answerPreCheckout(queryID string, ok bool, errMsg string) {
	if err := h.telegram.AnswerPreCheckoutQuery(queryID, ok, errMsg); err != nil {
		log.Printf("[Stars] answerPreCheckoutQuery failed: %v", err)
	}
}

func (h *StarsHandler) starsAmount(finalPriceUSD float64) int {
	if h.starsRate <= 0 {
		return int(math.Ceil(finalPriceUSD))
	}
	return int(math.Round(finalPriceUSD / h.starsRate))
}
